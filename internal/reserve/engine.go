// Package reserve implements advisory TTL leases over path patterns:
// granting with overlap-based conflict detection, release, renewal and the
// stale-lease sweep.
package reserve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// MinTTL is the lower bound applied to every requested lease duration.
const MinTTL = 60 * time.Second

// Engine grants and releases leases, keeping the index and the claims
// artifacts in step.
type Engine struct {
	store storage.Store
	arch  *archive.Archive
}

// NewEngine builds a reservation engine over the given store and archive.
func NewEngine(store storage.Store, arch *archive.Archive) *Engine {
	return &Engine{store: store, arch: arch}
}

// Request is one reserve call.
type Request struct {
	Patterns     []string
	TTL          time.Duration
	Exclusive    bool
	Reason       string
	AllOrNothing bool
}

// Conflict names the live lease that blocked a requested pattern.
type Conflict struct {
	Pattern     string    `json:"pattern"`
	Holder      string    `json:"holder"`
	HeldPattern string    `json:"held_pattern"`
	Exclusive   bool      `json:"exclusive"`
	Expires     time.Time `json:"expires"`
}

// Grant is the outcome of a reserve call: what was granted and what was not.
type Grant struct {
	Granted   []*types.Reservation `json:"granted"`
	Conflicts []Conflict           `json:"conflicts"`
}

// Reserve sweeps stale leases, checks each requested pattern against the
// live ones, inserts the grantable set and commits one claims artifact per
// granted lease. With AllOrNothing set, any conflict grants nothing.
func (e *Engine) Reserve(ctx context.Context, project *types.Project, agent *types.Agent, req Request) (*Grant, error) {
	if len(req.Patterns) == 0 {
		return nil, types.E(types.KindValidation, "no patterns to reserve")
	}
	now := time.Now().UTC()
	ttl := req.TTL
	if ttl < MinTTL {
		ttl = MinTTL
	}

	grant := &Grant{Granted: []*types.Reservation{}, Conflicts: []Conflict{}}

	repo := e.arch.Repo(project.Slug)
	err := repo.Commit(ctx, archive.CommitInfo{
		Summary: fmt.Sprintf("reserve: %s claims %d pattern(s)", agent.Name, len(req.Patterns)),
		Agent:   agent.Name,
		Kind:    "reserve",
	}, func(s *archive.Session) error {
		return e.store.RunInTransaction(ctx, func(tx storage.Store) error {
			if _, err := tx.ExpireStaleReservations(ctx, project.ID, now); err != nil {
				return err
			}
			active, err := tx.ActiveReservations(ctx, project.ID, now)
			if err != nil {
				return err
			}

			var grantable []string
			for _, pattern := range req.Patterns {
				conflicts := findConflicts(pattern, req.Exclusive, agent.ID, active)
				if len(conflicts) > 0 {
					grant.Conflicts = append(grant.Conflicts, conflicts...)
					continue
				}
				grantable = append(grantable, pattern)
			}
			if req.AllOrNothing && len(grant.Conflicts) > 0 {
				return nil
			}

			for _, pattern := range grantable {
				r := &types.Reservation{
					ProjectID:   project.ID,
					AgentID:     agent.ID,
					AgentName:   agent.Name,
					PathPattern: pattern,
					Exclusive:   req.Exclusive,
					Reason:      req.Reason,
					CreatedAt:   now,
					ExpiresAt:   now.Add(ttl),
				}
				if err := tx.InsertReservation(ctx, r); err != nil {
					return err
				}
				if err := archive.WriteClaim(s, r); err != nil {
					return err
				}
				grant.Granted = append(grant.Granted, r)
			}
			return nil
		})
	})
	if err != nil {
		if types.KindOf(err) == types.KindCommitFailed && len(grant.Granted) > 0 {
			e.compensate(ctx, grant.Granted)
		}
		return nil, err
	}
	return grant, nil
}

// compensate releases index rows whose artifacts failed to commit, keeping
// the index from claiming leases the archive never recorded.
func (e *Engine) compensate(ctx context.Context, granted []*types.Reservation) {
	now := time.Now().UTC()
	for _, r := range granted {
		if err := e.store.ForceRelease(ctx, r.ID, now); err != nil {
			slog.Error("failed to compensate reservation", "id", r.ID, "error", err)
		}
	}
}

// findConflicts returns the live leases blocking one requested pattern.
func findConflicts(pattern string, exclusive bool, requesterID int64, active []*types.Reservation) []Conflict {
	var out []Conflict
	for _, held := range active {
		if held.AgentID == requesterID {
			continue
		}
		if !held.Exclusive && !exclusive {
			continue
		}
		if !Overlap(pattern, held.PathPattern) {
			continue
		}
		out = append(out, Conflict{
			Pattern:     pattern,
			Holder:      held.AgentName,
			HeldPattern: held.PathPattern,
			Exclusive:   held.Exclusive,
			Expires:     held.ExpiresAt,
		})
	}
	return out
}

// Release marks the agent's matching live leases released and refreshes
// their artifacts so the guard hook stops honoring them. Artifacts are never
// deleted; git history is the audit trail.
func (e *Engine) Release(ctx context.Context, project *types.Project, agent *types.Agent, patterns []string, ids []int64) (int64, error) {
	now := time.Now().UTC()
	var released int64
	var releasedIDs []int64

	repo := e.arch.Repo(project.Slug)
	err := repo.Commit(ctx, archive.CommitInfo{
		Summary: fmt.Sprintf("release: %s", agent.Name),
		Agent:   agent.Name,
		Kind:    "release",
	}, func(s *archive.Session) error {
		return e.store.RunInTransaction(ctx, func(tx storage.Store) error {
			n, err := tx.ReleaseReservations(ctx, project.ID, agent.ID, patterns, ids, now)
			if err != nil {
				return err
			}
			released = n
			rids, err := refreshReleasedArtifacts(ctx, tx, s, project.ID, agent.Name, now)
			if err != nil {
				return err
			}
			releasedIDs = rids
			return nil
		})
	})
	if err != nil {
		// A failed git commit lands after the index transaction committed;
		// put the leases back so index and archive agree.
		if types.KindOf(err) == types.KindCommitFailed && len(releasedIDs) > 0 {
			if uerr := e.store.UnreleaseReservations(ctx, releasedIDs); uerr != nil {
				slog.Error("failed to compensate release", "ids", releasedIDs, "error", uerr)
			}
		}
		return 0, err
	}
	return released, nil
}

// Renew extends the agent's matching live leases and rewrites their
// artifacts with the new expiry.
func (e *Engine) Renew(ctx context.Context, project *types.Project, agent *types.Agent, patterns []string, ids []int64, extend time.Duration) ([]*types.Reservation, error) {
	if extend <= 0 {
		return nil, types.E(types.KindValidation, "extend_seconds must be positive")
	}
	now := time.Now().UTC()
	var renewed []*types.Reservation

	repo := e.arch.Repo(project.Slug)
	err := repo.Commit(ctx, archive.CommitInfo{
		Summary: fmt.Sprintf("reserve: %s renews lease(s)", agent.Name),
		Agent:   agent.Name,
		Kind:    "reserve",
	}, func(s *archive.Session) error {
		return e.store.RunInTransaction(ctx, func(tx storage.Store) error {
			rs, err := tx.RenewReservations(ctx, project.ID, agent.ID, patterns, ids, extend, now)
			if err != nil {
				return err
			}
			if len(rs) == 0 {
				return types.E(types.KindNotFound, "no active leases to renew for %s", agent.Name)
			}
			renewed = rs
			for _, r := range rs {
				if err := archive.WriteClaim(s, r); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		if types.KindOf(err) == types.KindCommitFailed && len(renewed) > 0 {
			e.compensateRenew(ctx, project, agent, renewed, extend, now)
		}
		return nil, err
	}
	return renewed, nil
}

// compensateRenew walks renewed expiries back by the extension the archive
// never recorded.
func (e *Engine) compensateRenew(ctx context.Context, project *types.Project, agent *types.Agent, renewed []*types.Reservation, extend time.Duration, now time.Time) {
	ids := make([]int64, 0, len(renewed))
	for _, r := range renewed {
		ids = append(ids, r.ID)
	}
	if _, err := e.store.RenewReservations(ctx, project.ID, agent.ID, nil, ids, -extend, now); err != nil {
		slog.Error("failed to compensate renewal", "ids", ids, "error", err)
	}
}

// ForceRelease releases one lease regardless of holder. Writer-role only;
// the registry enforces the role.
func (e *Engine) ForceRelease(ctx context.Context, project *types.Project, reservationID int64) error {
	now := time.Now().UTC()
	var released bool

	repo := e.arch.Repo(project.Slug)
	err := repo.Commit(ctx, archive.CommitInfo{
		Summary: fmt.Sprintf("release: force-release lease %d", reservationID),
		Kind:    "release",
	}, func(s *archive.Session) error {
		return e.store.RunInTransaction(ctx, func(tx storage.Store) error {
			if err := tx.ForceRelease(ctx, reservationID, now); err != nil {
				return err
			}
			released = true
			all, err := tx.ListReservations(ctx, project.ID, false, now)
			if err != nil {
				return err
			}
			for _, r := range all {
				if r.ID == reservationID {
					return archive.WriteClaim(s, r)
				}
			}
			return nil
		})
	})
	if err != nil {
		if types.KindOf(err) == types.KindCommitFailed && released {
			if uerr := e.store.UnreleaseReservations(ctx, []int64{reservationID}); uerr != nil {
				slog.Error("failed to compensate force-release", "id", reservationID, "error", uerr)
			}
		}
		return err
	}
	return nil
}

// refreshReleasedArtifacts rewrites the artifacts of the agent's leases
// released at exactly now, recording released_ts for the guard hook. It
// returns the ids it touched so a failed commit can be compensated.
func refreshReleasedArtifacts(ctx context.Context, tx storage.Store, s *archive.Session, projectID int64, agentName string, now time.Time) ([]int64, error) {
	all, err := tx.ListReservations(ctx, projectID, false, now)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, r := range all {
		if r.AgentName != agentName || r.ReleasedAt == nil || !r.ReleasedAt.Equal(now) {
			continue
		}
		if err := archive.WriteClaim(s, r); err != nil {
			return nil, err
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}
