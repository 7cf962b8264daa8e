package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentmail/agentmail/internal/digest"
	"github.com/agentmail/agentmail/internal/guard"
	"github.com/agentmail/agentmail/internal/mail"
	"github.com/agentmail/agentmail/internal/registry"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// registerTools wires every verb into the registry. Writer verbs mutate the
// archive or the index; reader verbs never do.
func (s *Server) registerTools() {
	writers := []registry.Verb{
		{Name: "ensure_project", Description: "Create or fetch the project for a human key", Handler: s.toolEnsureProject},
		{Name: "register_agent", Description: "Register or refresh an agent identity", Handler: s.toolRegisterAgent},
		{Name: "send_message", Description: "Send a Markdown message to named agents", Handler: s.toolSendMessage},
		{Name: "reply_message", Description: "Reply to a message, inheriting its thread", Handler: s.toolReplyMessage},
		{Name: "mark_message_read", Description: "Set the caller's read receipt on a message", Handler: s.toolMarkRead},
		{Name: "acknowledge_message", Description: "Acknowledge a message that required it", Handler: s.toolAcknowledge},
		{Name: "claim_paths", Description: "Reserve path patterns for a limited time", Handler: s.toolClaimPaths},
		{Name: "release_claims", Description: "Release the caller's path reservations", Handler: s.toolReleaseClaims},
		{Name: "renew_claims", Description: "Extend the caller's path reservations", Handler: s.toolRenewClaims},
		{Name: "force_release_file_reservation", Description: "Release any reservation by id", Handler: s.toolForceRelease},
		{Name: "set_contact_policy", Description: "Change an agent's contact policy", Handler: s.toolSetContactPolicy},
		{Name: "request_contact", Description: "Ask another agent to open contact", Handler: s.toolRequestContact},
		{Name: "respond_contact", Description: "Accept or decline a contact request", Handler: s.toolRespondContact},
		{Name: "install_precommit_guard", Description: "Install the reservation pre-commit hook into a repo", Handler: s.toolInstallGuard},
		{Name: "uninstall_precommit_guard", Description: "Remove the reservation pre-commit hook from a repo", Handler: s.toolUninstallGuard},
	}
	readers := []registry.Verb{
		{Name: "health_check", Description: "Server liveness, version and index latency", Handler: s.toolHealthCheck},
		{Name: "whois", Description: "Look up an agent's profile and activity", Handler: s.toolWhois},
		{Name: "list_contacts", Description: "List an agent's contact links", Handler: s.toolListContacts},
		{Name: "fetch_inbox", Description: "List an agent's inbox without touching receipts", Handler: s.toolFetchInbox},
		{Name: "search_messages", Description: "Full-text search over project messages", Handler: s.toolSearchMessages},
		{Name: "summarize_thread", Description: "Heuristic digest of one thread", Handler: s.toolSummarizeThread},
		{Name: "summarize_threads", Description: "Digest several threads with cross-thread mentions", Handler: s.toolSummarizeThreads},
	}
	for _, v := range writers {
		v.Writer = true
		s.reg.Register(v)
	}
	for _, v := range readers {
		s.reg.Register(v)
	}
}

// project resolves a project argument (human key or slug).
func (s *Server) project(ctx context.Context, key string) (*types.Project, error) {
	if key == "" {
		return nil, types.E(types.KindValidation, "project must not be empty")
	}
	return s.store.GetProject(ctx, key)
}

func (s *Server) toolEnsureProject(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		HumanKey string `json:"human_key"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	return s.mailer.EnsureProject(ctx, args.HumanKey)
}

func (s *Server) toolRegisterAgent(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project string `json:"project"`
		Name    string `json:"name,omitempty"`
		Program string `json:"program,omitempty"`
		Model   string `json:"model,omitempty"`
		Task    string `json:"task,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.mailer.RegisterAgent(ctx, project, args.Name, args.Program, args.Model, args.Task)
}

// sendArgs is the wire shape of send_message; reply_message marshals one of
// these when it delegates through the registry.
type sendArgs struct {
	Project              string   `json:"project"`
	Sender               string   `json:"sender"`
	To                   []string `json:"to"`
	CC                   []string `json:"cc,omitempty"`
	BCC                  []string `json:"bcc,omitempty"`
	Subject              string   `json:"subject"`
	BodyMD               string   `json:"body_md"`
	Importance           string   `json:"importance,omitempty"`
	AckRequired          bool     `json:"ack_required,omitempty"`
	ThreadID             string   `json:"thread_id,omitempty"`
	AttachmentPaths      []string `json:"attachment_paths,omitempty"`
	ConvertImages        *bool    `json:"convert_images,omitempty"`
	ImageEmbedPolicy     string   `json:"image_embed_policy,omitempty"`
	InlineMaxBytes       *int64   `json:"inline_max_bytes,omitempty"`
	AutoContactIfBlocked bool     `json:"auto_contact_if_blocked,omitempty"`
}

func (a sendArgs) toRequest() mail.SendRequest {
	return mail.SendRequest{
		Sender:               a.Sender,
		To:                   a.To,
		CC:                   a.CC,
		BCC:                  a.BCC,
		Subject:              a.Subject,
		BodyMD:               a.BodyMD,
		Importance:           types.Importance(a.Importance),
		AckRequired:          a.AckRequired,
		ThreadID:             a.ThreadID,
		AttachmentPaths:      a.AttachmentPaths,
		ConvertImages:        a.ConvertImages,
		ImageEmbedPolicy:     types.AttachmentsPolicy(a.ImageEmbedPolicy),
		InlineMaxBytes:       a.InlineMaxBytes,
		AutoContactIfBlocked: a.AutoContactIfBlocked,
	}
}

func (s *Server) toolSendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args sendArgs
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.mailer.Send(ctx, project, args.toRequest())
}

// toolReplyMessage derives the send request from the parent message and then
// dispatches send_message through the registry, so reply traffic shows up
// under both verbs' counters.
func (s *Server) toolReplyMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project       string   `json:"project"`
		MessageID     string   `json:"message_id"`
		Sender        string   `json:"sender"`
		BodyMD        string   `json:"body_md"`
		To            []string `json:"to,omitempty"`
		CC            []string `json:"cc,omitempty"`
		BCC           []string `json:"bcc,omitempty"`
		SubjectPrefix string   `json:"subject_prefix,omitempty"`
		Importance    *string  `json:"importance,omitempty"`
		AckRequired   *bool    `json:"ack_required,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}

	req := mail.ReplyRequest{
		MessageID:     args.MessageID,
		Sender:        args.Sender,
		BodyMD:        args.BodyMD,
		To:            args.To,
		CC:            args.CC,
		BCC:           args.BCC,
		SubjectPrefix: args.SubjectPrefix,
		AckRequired:   args.AckRequired,
	}
	if args.Importance != nil {
		imp := types.Importance(*args.Importance)
		req.Importance = &imp
	}
	send, err := s.mailer.BuildReply(ctx, project, req)
	if err != nil {
		return nil, err
	}

	delegated := sendArgs{
		Project:     args.Project,
		Sender:      send.Sender,
		To:          send.To,
		CC:          send.CC,
		BCC:         send.BCC,
		Subject:     send.Subject,
		BodyMD:      send.BodyMD,
		Importance:  string(send.Importance),
		AckRequired: send.AckRequired,
		ThreadID:    send.ThreadID,
	}
	payload, err := json.Marshal(delegated)
	if err != nil {
		return nil, types.Internal(err)
	}
	return s.reg.Call(ctx, "send_message", payload)
}

type receiptArgs struct {
	Project   string `json:"project"`
	Agent     string `json:"agent"`
	MessageID string `json:"message_id"`
}

func (s *Server) toolMarkRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var args receiptArgs
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	if err := s.mailer.MarkRead(ctx, project, args.Agent, args.MessageID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "read", "message_id": args.MessageID}, nil
}

func (s *Server) toolAcknowledge(ctx context.Context, raw json.RawMessage) (any, error) {
	var args receiptArgs
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	if err := s.mailer.Acknowledge(ctx, project, args.Agent, args.MessageID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "acknowledged", "message_id": args.MessageID}, nil
}

func (s *Server) toolClaimPaths(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project      string   `json:"project"`
		Agent        string   `json:"agent"`
		Patterns     []string `json:"patterns"`
		TTLSeconds   int64    `json:"ttl_seconds,omitempty"`
		Exclusive    *bool    `json:"exclusive,omitempty"`
		Reason       string   `json:"reason,omitempty"`
		AllOrNothing bool     `json:"all_or_nothing,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, agent, err := s.projectAgent(ctx, args.Project, args.Agent)
	if err != nil {
		return nil, err
	}
	exclusive := true
	if args.Exclusive != nil {
		exclusive = *args.Exclusive
	}
	return s.reserver.Reserve(ctx, project, agent, reserve.Request{
		Patterns:     args.Patterns,
		TTL:          time.Duration(args.TTLSeconds) * time.Second,
		Exclusive:    exclusive,
		Reason:       args.Reason,
		AllOrNothing: args.AllOrNothing,
	})
}

type claimSelectArgs struct {
	Project  string   `json:"project"`
	Agent    string   `json:"agent"`
	Patterns []string `json:"patterns,omitempty"`
	IDs      []int64  `json:"ids,omitempty"`
}

func (s *Server) toolReleaseClaims(ctx context.Context, raw json.RawMessage) (any, error) {
	var args claimSelectArgs
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, agent, err := s.projectAgent(ctx, args.Project, args.Agent)
	if err != nil {
		return nil, err
	}
	released, err := s.reserver.Release(ctx, project, agent, args.Patterns, args.IDs)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"released": released}, nil
}

func (s *Server) toolRenewClaims(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		claimSelectArgs
		ExtendSeconds int64 `json:"extend_seconds"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, agent, err := s.projectAgent(ctx, args.Project, args.Agent)
	if err != nil {
		return nil, err
	}
	renewed, err := s.reserver.Renew(ctx, project, agent, args.Patterns, args.IDs,
		time.Duration(args.ExtendSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return map[string]any{"renewed": renewed}, nil
}

func (s *Server) toolForceRelease(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project       string `json:"project"`
		ReservationID int64  `json:"reservation_id"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	if err := s.reserver.ForceRelease(ctx, project, args.ReservationID); err != nil {
		return nil, err
	}
	return map[string]any{"released": args.ReservationID}, nil
}

func (s *Server) toolSetContactPolicy(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project string `json:"project"`
		Agent   string `json:"agent"`
		Policy  string `json:"policy"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.mailer.SetContactPolicy(ctx, project, args.Agent, types.ContactPolicy(args.Policy))
}

func (s *Server) toolRequestContact(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project    string `json:"project"`
		From       string `json:"from"`
		To         string `json:"to"`
		Reason     string `json:"reason,omitempty"`
		TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.mailer.RequestContact(ctx, project, args.From, args.To, args.Reason,
		time.Duration(args.TTLSeconds)*time.Second, true)
}

func (s *Server) toolRespondContact(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project    string `json:"project"`
		To         string `json:"to"`   // responder
		From       string `json:"from"` // original requester
		Accept     bool   `json:"accept"`
		TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.mailer.RespondContact(ctx, project, args.To, args.From, args.Accept,
		time.Duration(args.TTLSeconds)*time.Second)
}

func (s *Server) toolInstallGuard(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project     string `json:"project"`
		RepoPath    string `json:"repo_path"`
		InstalledBy string `json:"installed_by,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return guard.Install(ctx, s.store, s.arch, project, args.RepoPath, args.InstalledBy)
}

func (s *Server) toolUninstallGuard(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project  string `json:"project"`
		RepoPath string `json:"repo_path"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	if err := guard.Uninstall(ctx, s.store, project, args.RepoPath); err != nil {
		return nil, err
	}
	return map[string]string{"status": "uninstalled", "repo_path": args.RepoPath}, nil
}

func (s *Server) toolHealthCheck(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct{}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := s.store.UnderlyingDB().PingContext(ctx); err != nil {
		return nil, types.Internal(err)
	}
	return map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"db_response_ms": time.Since(start).Milliseconds(),
	}, nil
}

type agentArgs struct {
	Project string `json:"project"`
	Agent   string `json:"agent"`
}

func (s *Server) toolWhois(ctx context.Context, raw json.RawMessage) (any, error) {
	var args agentArgs
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.mailer.Whois(ctx, project, args.Agent)
}

func (s *Server) toolListContacts(ctx context.Context, raw json.RawMessage) (any, error) {
	var args agentArgs
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	contacts, err := s.mailer.ListContacts(ctx, project, args.Agent)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contacts": contacts}, nil
}

func (s *Server) toolFetchInbox(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project       string `json:"project"`
		Agent         string `json:"agent"`
		SinceTS       string `json:"since_ts,omitempty"`
		UrgentOnly    bool   `json:"urgent_only,omitempty"`
		UnreadOnly    bool   `json:"unread_only,omitempty"`
		IncludeBodies bool   `json:"include_bodies,omitempty"`
		Limit         int    `json:"limit,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	f := storage.InboxFilter{
		UrgentOnly:    args.UrgentOnly,
		UnreadOnly:    args.UnreadOnly,
		IncludeBodies: args.IncludeBodies,
		Limit:         args.Limit,
	}
	if args.SinceTS != "" {
		since, err := time.Parse(time.RFC3339, args.SinceTS)
		if err != nil {
			return nil, types.E(types.KindValidation, "invalid since_ts %q: %v", args.SinceTS, err)
		}
		f.Since = &since
	}
	items, err := s.mailer.FetchInbox(ctx, project, args.Agent, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": inboxViews(items, args.IncludeBodies)}, nil
}

func (s *Server) toolSearchMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project       string `json:"project"`
		Query         string `json:"query"`
		Scope         string `json:"scope,omitempty"` // subject | body | both
		Limit         int    `json:"limit,omitempty"`
		OrderByRecent bool   `json:"order_by_recent,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	results, err := digest.Search(ctx, s.store, project, args.Query,
		storage.SearchScope(args.Scope), args.Limit, args.OrderByRecent)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) toolSummarizeThread(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project  string `json:"project"`
		ThreadID string `json:"thread_id"`
		Refine   bool   `json:"refine,omitempty"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	d, err := digest.SummarizeThread(ctx, s.store, project, args.ThreadID)
	if err != nil {
		return nil, err
	}
	if args.Refine && s.refiner != nil {
		d = s.refiner.Refine(ctx, d)
	}
	return d, nil
}

func (s *Server) toolSummarizeThreads(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Project   string   `json:"project"`
		ThreadIDs []string `json:"thread_ids"`
	}
	if err := registry.Decode(raw, &args); err != nil {
		return nil, err
	}
	project, err := s.project(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return digest.SummarizeThreads(ctx, s.store, project, args.ThreadIDs)
}

func (s *Server) projectAgent(ctx context.Context, projectKey, agentName string) (*types.Project, *types.Agent, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, nil, err
	}
	agent, err := s.store.GetAgent(ctx, project.ID, agentName)
	if err != nil {
		return nil, nil, err
	}
	return project, agent, nil
}
