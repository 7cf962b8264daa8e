// Package policy decides whether one agent may message another, based on the
// recipient's contact policy and the pair's history in the project.
package policy

import (
	"context"
	"time"

	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// Engine evaluates contact policy for (sender, recipient) pairs.
type Engine struct {
	store       storage.Store
	enforcement bool          // master switch; off collapses everything to open
	autoWindow  time.Duration // recent-correspondence window for the auto policy
}

// NewEngine builds a policy engine.
func NewEngine(store storage.Store, enforcement bool, autoWindow time.Duration) *Engine {
	return &Engine{store: store, enforcement: enforcement, autoWindow: autoWindow}
}

// Allow returns nil when sender may message recipient, a CONTACT_BLOCKED or
// CONTACT_CONSENT_REQUIRED error otherwise. threadID is the thread the
// message would join, empty for a fresh thread.
func (e *Engine) Allow(ctx context.Context, project *types.Project, sender, recipient *types.Agent, threadID string) error {
	if !e.enforcement || sender.ID == recipient.ID {
		return nil
	}

	switch recipient.ContactPolicy {
	case types.ContactOpen:
		return nil

	case types.ContactBlockAll:
		// An existing approved link still opens the door.
		if ok, err := e.approvedLink(ctx, project.ID, sender.Name, recipient.Name); err != nil {
			return err
		} else if ok {
			return nil
		}
		return types.E(types.KindContactBlocked,
			"%s does not accept new contacts", recipient.Name)

	case types.ContactsOnly:
		if ok, err := e.approvedLink(ctx, project.ID, sender.Name, recipient.Name); err != nil {
			return err
		} else if ok {
			return nil
		}
		return types.E(types.KindConsentRequired,
			"%s accepts contacts only; request contact first", recipient.Name)

	default: // auto
		ok, err := e.autoAllowed(ctx, project.ID, sender, recipient, threadID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return types.E(types.KindConsentRequired,
			"no prior relationship with %s; request contact first", recipient.Name)
	}
}

// autoAllowed implements the default policy: thread co-participation,
// overlapping active reservations, recent direct correspondence, or an
// approved link.
func (e *Engine) autoAllowed(ctx context.Context, projectID int64, sender, recipient *types.Agent, threadID string) (bool, error) {
	if threadID != "" {
		ids, err := e.store.ThreadParticipants(ctx, projectID, threadID)
		if err != nil {
			return false, err
		}
		if containsBoth(ids, sender.ID, recipient.ID) {
			return true, nil
		}
	}

	now := time.Now().UTC()
	active, err := e.store.ActiveReservations(ctx, projectID, now)
	if err != nil {
		return false, err
	}
	if holdersOverlap(active, sender.ID, recipient.ID) {
		return true, nil
	}

	since := now.Add(-e.autoWindow)
	if had, err := e.store.HadDirectMessage(ctx, projectID, sender.ID, recipient.ID, since); err != nil {
		return false, err
	} else if had {
		return true, nil
	}
	if had, err := e.store.HadDirectMessage(ctx, projectID, recipient.ID, sender.ID, since); err != nil {
		return false, err
	} else if had {
		return true, nil
	}

	return e.approvedLink(ctx, projectID, sender.Name, recipient.Name)
}

func (e *Engine) approvedLink(ctx context.Context, projectID int64, a, b string) (bool, error) {
	c, err := e.store.GetContact(ctx, projectID, a, b)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return c.State == types.ContactApproved, nil
}

func containsBoth(ids []int64, a, b int64) bool {
	var hasA, hasB bool
	for _, id := range ids {
		if id == a {
			hasA = true
		}
		if id == b {
			hasB = true
		}
	}
	return hasA && hasB
}

// holdersOverlap reports whether the two agents hold active leases over
// overlapping patterns.
func holdersOverlap(active []*types.Reservation, a, b int64) bool {
	for _, ra := range active {
		if ra.AgentID != a {
			continue
		}
		for _, rb := range active {
			if rb.AgentID != b {
				continue
			}
			if reserve.Overlap(ra.PathPattern, rb.PathPattern) {
				return true
			}
		}
	}
	return false
}
