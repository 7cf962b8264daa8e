// Package mail implements the messaging engine: sending, replying, inbox
// listing and read/ack receipts, with contact policy and reservation
// enforcement applied on the way in.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/attach"
	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/policy"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// Engine wires the store, the archive and the policy/attachment machinery
// into the message operations.
type Engine struct {
	store    storage.Store
	arch     *archive.Archive
	policy   *policy.Engine
	settings config.Settings
}

// NewEngine builds a messaging engine.
func NewEngine(store storage.Store, arch *archive.Archive, pol *policy.Engine, settings config.Settings) *Engine {
	return &Engine{store: store, arch: arch, policy: pol, settings: settings}
}

// SendRequest is one send_message call. Sender and recipients are agent
// names within the project.
type SendRequest struct {
	Sender          string
	To              []string
	CC              []string
	BCC             []string
	Subject         string
	BodyMD          string
	Importance      types.Importance
	AckRequired     bool
	ThreadID        string
	AttachmentPaths []string

	// Per-call attachment overrides; nil means the agent/server default.
	ConvertImages    *bool
	ImageEmbedPolicy types.AttachmentsPolicy
	InlineMaxBytes   *int64

	AutoContactIfBlocked bool
}

// Blocked names one recipient that policy refused.
type Blocked struct {
	Agent  string `json:"agent"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// SendResult is what send_message returns.
type SendResult struct {
	Message     *types.Message     `json:"message,omitempty"`
	Deliveries  []types.Delivery   `json:"deliveries"`
	Blocked     []Blocked          `json:"blocked,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// Send runs the full delivery flow: validate, dedup recipients, apply
// contact policy, process attachments, persist, then write and commit the
// archive copies under the project lock.
func (e *Engine) Send(ctx context.Context, project *types.Project, req SendRequest) (*SendResult, error) {
	now := time.Now().UTC()

	if req.Importance == "" {
		req.Importance = types.ImportanceNormal
	}
	if !types.ValidImportance(string(req.Importance)) {
		return nil, types.E(types.KindValidation, "unknown importance %q", req.Importance)
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.BodyMD) == "" && len(req.AttachmentPaths) == 0 {
		return nil, types.E(types.KindValidation, "message must carry a subject, a body or attachments")
	}
	if req.ImageEmbedPolicy != "" && !types.ValidAttachmentsPolicy(string(req.ImageEmbedPolicy)) {
		return nil, types.E(types.KindValidation, "unknown image embed policy %q", req.ImageEmbedPolicy)
	}

	sender, err := e.store.GetAgent(ctx, project.ID, req.Sender)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchAgent(ctx, sender.ID, now); err != nil {
		return nil, err
	}

	legs, err := e.resolveRecipients(ctx, project, sender, req)
	if err != nil {
		return nil, err
	}

	result := &SendResult{Deliveries: []types.Delivery{}}
	var recipients []types.Recipient
	for _, leg := range legs {
		if perr := e.policy.Allow(ctx, project, sender, leg.agent, req.ThreadID); perr != nil {
			kind := types.KindOf(perr)
			result.Blocked = append(result.Blocked, Blocked{
				Agent:  leg.agent.Name,
				Kind:   string(kind),
				Reason: types.AsError(perr).Message,
			})
			if req.AutoContactIfBlocked && kind == types.KindConsentRequired {
				if _, cerr := e.RequestContact(ctx, project, sender.Name, leg.agent.Name,
					"auto-opened: blocked delivery of "+req.Subject, 0, false); cerr != nil {
					return nil, cerr
				}
			}
			continue
		}
		recipients = append(recipients, types.Recipient{
			AgentID:   leg.agent.ID,
			AgentName: leg.agent.Name,
			Kind:      leg.kind,
		})
	}
	if len(recipients) == 0 {
		return result, nil
	}

	if e.settings.ClaimsEnforcementEnabled {
		if err := e.checkGeneratedPaths(ctx, project, sender, recipients, now); err != nil {
			return nil, err
		}
	}

	msg := &types.Message{
		MsgID:       NewMsgID(now),
		ProjectID:   project.ID,
		ThreadID:    req.ThreadID,
		Sender:      sender.Name,
		SenderID:    sender.ID,
		Subject:     req.Subject,
		Importance:  req.Importance,
		AckRequired: req.AckRequired,
		CreatedAt:   now,
	}

	pipeline := e.pipeline(project, req)
	embed := e.effectivePolicy(sender, req)

	repo := e.arch.Repo(project.Slug)
	err = repo.Commit(ctx, archive.CommitInfo{
		Summary:   fmt.Sprintf("%s: %s", commitKind(req.ThreadID), req.Subject),
		Agent:     sender.Name,
		Thread:    msg.ThreadID,
		MessageID: msg.MsgID,
		Kind:      commitKind(req.ThreadID),
	}, func(s *archive.Session) error {
		processed, aerr := pipeline.Process(s, req.BodyMD, req.AttachmentPaths, embed)
		if aerr != nil {
			return aerr
		}
		msg.BodyMD = processed.BodyMD
		msg.Attachments = processed.Attachments
		result.Attachments = processed.Attachments

		// Archive writes run inside the index transaction so either side
		// failing rolls the other back before anything is visible.
		return e.store.RunInTransaction(ctx, func(tx storage.Store) error {
			if derr := tx.CreateMessage(ctx, msg, recipients); derr != nil {
				return derr
			}
			return archive.WriteMessage(s, project.Slug, msg, msg.BodyMD, recipients)
		})
	})
	if err != nil {
		// A failed git commit happens after the index transaction committed;
		// delete the rows so the index never lists mail the archive lost.
		if types.KindOf(err) == types.KindCommitFailed && msg.ID != 0 {
			e.compensateMessage(ctx, msg)
		}
		return nil, err
	}

	result.Message = msg
	for _, r := range recipients {
		result.Deliveries = append(result.Deliveries, types.Delivery{Agent: r.AgentName, Kind: r.Kind})
	}
	return result, nil
}

// ReplyRequest is one reply_message call.
type ReplyRequest struct {
	MessageID     string // parent msg_id
	Sender        string
	BodyMD        string
	To            []string // defaults to parent sender
	CC            []string
	BCC           []string
	SubjectPrefix string // default "Re:"

	Importance  *types.Importance // nil inherits the parent's
	AckRequired *bool             // nil inherits the parent's
}

// Reply fetches the parent, derives threading and subject, then delegates to
// Send.
func (e *Engine) Reply(ctx context.Context, project *types.Project, req ReplyRequest) (*SendResult, error) {
	send, err := e.BuildReply(ctx, project, req)
	if err != nil {
		return nil, err
	}
	return e.Send(ctx, project, send)
}

// BuildReply resolves the parent message into the send request a reply
// amounts to: thread inheritance, Re: subject normalization, and
// importance/ack inheritance unless overridden.
func (e *Engine) BuildReply(ctx context.Context, project *types.Project, req ReplyRequest) (SendRequest, error) {
	parent, _, err := e.store.GetMessage(ctx, project.ID, req.MessageID)
	if err != nil {
		return SendRequest{}, err
	}

	threadID := parent.ThreadID
	if threadID == "" {
		threadID = parent.MsgID
	}

	prefix := req.SubjectPrefix
	if prefix == "" {
		prefix = "Re:"
	}
	subject := parent.Subject
	if !strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		subject = prefix + " " + subject
	}

	to := req.To
	if len(to) == 0 {
		to = []string{parent.Sender}
	}

	send := SendRequest{
		Sender:      req.Sender,
		To:          to,
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     subject,
		BodyMD:      req.BodyMD,
		Importance:  parent.Importance,
		AckRequired: parent.AckRequired,
		ThreadID:    threadID,
	}
	if req.Importance != nil {
		send.Importance = *req.Importance
	}
	if req.AckRequired != nil {
		send.AckRequired = *req.AckRequired
	}
	return send, nil
}

// FetchInbox lists an agent's inbox. Non-mutating apart from the activity
// bump: read and ack receipts stay untouched.
func (e *Engine) FetchInbox(ctx context.Context, project *types.Project, agentName string, f storage.InboxFilter) ([]storage.InboxItem, error) {
	agent, err := e.store.GetAgent(ctx, project.ID, agentName)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchAgent(ctx, agent.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return e.store.ListInbox(ctx, project.ID, agent.ID, f)
}

// FetchOutbox lists messages the agent sent.
func (e *Engine) FetchOutbox(ctx context.Context, project *types.Project, agentName string, f storage.InboxFilter) ([]storage.InboxItem, error) {
	agent, err := e.store.GetAgent(ctx, project.ID, agentName)
	if err != nil {
		return nil, err
	}
	return e.store.ListOutbox(ctx, project.ID, agent.ID, f)
}

// MarkRead sets the agent's read receipt on one message. Idempotent.
func (e *Engine) MarkRead(ctx context.Context, project *types.Project, agentName, msgID string) error {
	agent, msg, err := e.resolveReceipt(ctx, project, agentName, msgID)
	if err != nil {
		return err
	}
	return e.store.MarkRead(ctx, msg.ID, agent.ID, time.Now().UTC())
}

// Acknowledge sets the agent's ack receipt (and read receipt if missing).
// Idempotent: the first ack wins.
func (e *Engine) Acknowledge(ctx context.Context, project *types.Project, agentName, msgID string) error {
	agent, msg, err := e.resolveReceipt(ctx, project, agentName, msgID)
	if err != nil {
		return err
	}
	return e.store.Acknowledge(ctx, msg.ID, agent.ID, time.Now().UTC())
}

func (e *Engine) resolveReceipt(ctx context.Context, project *types.Project, agentName, msgID string) (*types.Agent, *types.Message, error) {
	agent, err := e.store.GetAgent(ctx, project.ID, agentName)
	if err != nil {
		return nil, nil, err
	}
	msg, _, err := e.store.GetMessage(ctx, project.ID, msgID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.TouchAgent(ctx, agent.ID, time.Now().UTC()); err != nil {
		return nil, nil, err
	}
	return agent, msg, nil
}

type leg struct {
	agent *types.Agent
	kind  types.RecipientKind
}

// resolveRecipients dedups to/cc/bcc with to > cc > bcc precedence and
// resolves every name. Unknown names fail the call; the sender never
// receives their own copy beyond the outbox.
func (e *Engine) resolveRecipients(ctx context.Context, project *types.Project, sender *types.Agent, req SendRequest) ([]leg, error) {
	ordered := make([]string, 0, len(req.To)+len(req.CC)+len(req.BCC))
	kinds := make(map[string]types.RecipientKind)
	addAll := func(names []string, kind types.RecipientKind) {
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if _, seen := kinds[n]; seen {
				continue
			}
			kinds[n] = kind
			ordered = append(ordered, n)
		}
	}
	addAll(req.To, types.KindTo)
	addAll(req.CC, types.KindCC)
	addAll(req.BCC, types.KindBCC)

	if len(ordered) == 0 {
		return nil, types.E(types.KindValidation, "message has no recipients")
	}

	legs := make([]leg, 0, len(ordered))
	for _, name := range ordered {
		if name == sender.Name {
			// Self-send is a legitimate note-to-self; reuse the loaded row.
			legs = append(legs, leg{agent: sender, kind: kinds[name]})
			continue
		}
		agent, err := e.store.GetAgent(ctx, project.ID, name)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg{agent: agent, kind: kinds[name]})
	}
	return legs, nil
}

// checkGeneratedPaths refuses delivery when an inbox/outbox file it would
// write falls under another agent's active exclusive lease.
func (e *Engine) checkGeneratedPaths(ctx context.Context, project *types.Project, sender *types.Agent, recipients []types.Recipient, now time.Time) error {
	active, err := e.store.ActiveReservations(ctx, project.ID, now)
	if err != nil {
		return err
	}

	paths := []string{archive.OutboxPath(sender.Name, "x", now)}
	for _, r := range recipients {
		paths = append(paths, archive.InboxPath(r.AgentName, "x", now))
	}

	for _, held := range active {
		if !held.Exclusive || held.AgentID == sender.ID {
			continue
		}
		for _, p := range paths {
			if reserve.Overlap(p, held.PathPattern) {
				return types.E(types.KindReservationConflict,
					"path %s is reserved by %s until %s",
					held.PathPattern, held.AgentName, held.ExpiresAt.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// compensateMessage removes index rows whose archive copies failed to
// commit, keeping the two stores in step.
func (e *Engine) compensateMessage(ctx context.Context, msg *types.Message) {
	if err := e.store.DeleteMessage(ctx, msg.ID); err != nil {
		slog.Error("failed to compensate message after commit failure",
			"msg_id", msg.MsgID, "error", err)
	}
}

// pipeline resolves per-call attachment overrides onto the server defaults.
// Relative attachment paths resolve against the project's repo root.
func (e *Engine) pipeline(project *types.Project, req SendRequest) *attach.Pipeline {
	p := &attach.Pipeline{
		Root:          project.HumanKey,
		Convert:       e.settings.ConvertImages,
		InlineMax:     e.settings.InlineImageMaxBytes,
		KeepOriginals: e.settings.KeepOriginalImages,
	}
	if req.ConvertImages != nil {
		p.Convert = *req.ConvertImages
	}
	if req.InlineMaxBytes != nil {
		p.InlineMax = *req.InlineMaxBytes
	}
	return p
}

// effectivePolicy: per-call override > agent policy > server default (auto).
func (e *Engine) effectivePolicy(sender *types.Agent, req SendRequest) types.AttachmentsPolicy {
	if req.ImageEmbedPolicy != "" {
		return req.ImageEmbedPolicy
	}
	if sender.AttachmentsPolicy != "" {
		return sender.AttachmentsPolicy
	}
	return types.AttachAuto
}

func commitKind(threadID string) string {
	if threadID != "" {
		return "reply"
	}
	return "send"
}
