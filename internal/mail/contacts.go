package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// RequestContact creates or refreshes a pending contact link from one agent
// to another and delivers a small ack-required introduction. Introductions
// bypass policy for every recipient except block_all holders. When
// deliverIntro is false only the link is written.
func (e *Engine) RequestContact(ctx context.Context, project *types.Project, from, to, reason string, ttl time.Duration, deliverIntro bool) (*types.Contact, error) {
	if from == to {
		return nil, types.E(types.KindValidation, "cannot request contact with yourself")
	}
	sender, err := e.store.GetAgent(ctx, project.ID, from)
	if err != nil {
		return nil, err
	}
	recipient, err := e.store.GetAgent(ctx, project.ID, to)
	if err != nil {
		return nil, err
	}

	if e.settings.ContactEnforcementEnabled && recipient.ContactPolicy == types.ContactBlockAll {
		if existing, err := e.store.GetContact(ctx, project.ID, from, to); err == nil &&
			existing.State == types.ContactApproved {
			// approved link survives a later block_all
		} else {
			return nil, types.E(types.KindContactBlocked,
				"%s does not accept new contacts", to)
		}
	}

	now := time.Now().UTC()
	if ttl <= 0 {
		ttl = e.settings.ContactAutoTTL
	}
	expires := now.Add(ttl)
	link := &types.Contact{
		ProjectID: project.ID,
		AName:     from,
		BName:     to,
		State:     types.ContactPending,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: &expires,
	}
	if err := e.store.UpsertContactRequest(ctx, link); err != nil {
		return nil, err
	}
	if err := e.store.TouchAgent(ctx, sender.ID, now); err != nil {
		return nil, err
	}
	if !deliverIntro || link.State == types.ContactApproved {
		return link, nil
	}

	body := fmt.Sprintf("%s would like to open contact with you.", from)
	if reason != "" {
		body += "\n\nReason: " + reason
	}
	body += "\n\nRespond with respond_contact to accept or decline."

	msg := &types.Message{
		MsgID:       NewMsgID(now),
		ProjectID:   project.ID,
		Sender:      sender.Name,
		SenderID:    sender.ID,
		Subject:     "Contact request from " + from,
		BodyMD:      body,
		Importance:  types.ImportanceNormal,
		AckRequired: true,
		CreatedAt:   now,
	}
	recipients := []types.Recipient{{AgentID: recipient.ID, AgentName: recipient.Name, Kind: types.KindTo}}

	repo := e.arch.Repo(project.Slug)
	err = repo.Commit(ctx, archive.CommitInfo{
		Summary:   "send: contact request from " + from,
		Agent:     from,
		MessageID: msg.MsgID,
		Kind:      "send",
	}, func(s *archive.Session) error {
		return e.store.RunInTransaction(ctx, func(tx storage.Store) error {
			if derr := tx.CreateMessage(ctx, msg, recipients); derr != nil {
				return derr
			}
			return archive.WriteMessage(s, project.Slug, msg, msg.BodyMD, recipients)
		})
	})
	if err != nil {
		if types.KindOf(err) == types.KindCommitFailed && msg.ID != 0 {
			e.compensateMessage(ctx, msg)
		}
		return nil, err
	}
	return link, nil
}

// RespondContact transitions a pending link to approved or denied. Approval
// sets the expiry to now + ttl (default from configuration).
func (e *Engine) RespondContact(ctx context.Context, project *types.Project, to, from string, accept bool, ttl time.Duration) (*types.Contact, error) {
	responder, err := e.store.GetAgent(ctx, project.ID, to)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetAgent(ctx, project.ID, from); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state := types.ContactDenied
	var expires *time.Time
	if accept {
		state = types.ContactApproved
		if ttl <= 0 {
			ttl = e.settings.ContactApprovalTTL
		}
		t := now.Add(ttl)
		expires = &t
	}
	if err := e.store.DecideContact(ctx, project.ID, to, from, state, now, expires); err != nil {
		return nil, err
	}
	if err := e.store.TouchAgent(ctx, responder.ID, now); err != nil {
		return nil, err
	}
	return e.store.GetContact(ctx, project.ID, to, from)
}

// ListContacts returns the agent's links with state and expiry.
func (e *Engine) ListContacts(ctx context.Context, project *types.Project, agentName string) ([]*types.Contact, error) {
	return e.store.ListContacts(ctx, project.ID, agentName)
}
