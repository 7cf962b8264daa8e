package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

// pairIDs orders two agent ids for the unordered-pair storage convention.
func pairIDs(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// agentPair resolves both names to ids in one project.
func (s *Store) agentPair(ctx context.Context, projectID int64, aName, bName string) (*types.Agent, *types.Agent, error) {
	a, err := s.GetAgent(ctx, projectID, aName)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.GetAgent(ctx, projectID, bName)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// UpsertContactRequest creates or refreshes a contact link back to pending.
// An approved link is left untouched.
func (s *Store) UpsertContactRequest(ctx context.Context, c *types.Contact) error {
	a, b, err := s.agentPair(ctx, c.ProjectID, c.AName, c.BName)
	if err != nil {
		return err
	}
	lo, hi := pairIDs(a.ID, b.ID)

	existing, err := s.GetContact(ctx, c.ProjectID, c.AName, c.BName)
	if err != nil && types.KindOf(err) != types.KindNotFound {
		return err
	}
	if existing != nil && existing.State == types.ContactApproved {
		*c = *existing
		return nil
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO contacts (project_id, a_id, b_id, state, reason, created_at, decided_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(project_id, a_id, b_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			created_at = excluded.created_at,
			decided_at = NULL,
			expires_at = excluded.expires_at
	`, c.ProjectID, lo, hi, string(types.ContactPending), c.Reason,
		c.CreatedAt.UTC(), timeArg(c.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	c.State = types.ContactPending
	return nil
}

// DecideContact transitions a pending link to approved or denied.
func (s *Store) DecideContact(ctx context.Context, projectID int64, aName, bName string, state types.ContactState, decidedAt time.Time, expiresAt *time.Time) error {
	a, b, err := s.agentPair(ctx, projectID, aName, bName)
	if err != nil {
		return err
	}
	lo, hi := pairIDs(a.ID, b.ID)

	res, err := s.q.ExecContext(ctx, `
		UPDATE contacts SET state = ?, decided_at = ?, expires_at = ?
		WHERE project_id = ? AND a_id = ? AND b_id = ? AND state = 'pending'
	`, string(state), decidedAt.UTC(), timeArg(expiresAt), projectID, lo, hi)
	if err != nil {
		return fmt.Errorf("failed to decide contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "no pending contact request between %s and %s", aName, bName)
	}
	return nil
}

// GetContact looks up the link for an unordered agent pair. An approved
// link past its expiry is reported as expired.
func (s *Store) GetContact(ctx context.Context, projectID int64, aName, bName string) (*types.Contact, error) {
	a, b, err := s.agentPair(ctx, projectID, aName, bName)
	if err != nil {
		return nil, err
	}
	lo, hi := pairIDs(a.ID, b.ID)

	row := s.q.QueryRowContext(ctx, `
		SELECT c.id, c.project_id, la.name, lb.name, c.state, c.reason,
		       c.created_at, c.decided_at, c.expires_at
		FROM contacts c
		JOIN agents la ON c.a_id = la.id
		JOIN agents lb ON c.b_id = lb.id
		WHERE c.project_id = ? AND c.a_id = ? AND c.b_id = ?
	`, projectID, lo, hi)

	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.E(types.KindNotFound, "no contact link between %s and %s", aName, bName)
		}
		return nil, err
	}
	markExpired(c, time.Now().UTC())
	return c, nil
}

// ListContacts returns all links the agent participates in.
func (s *Store) ListContacts(ctx context.Context, projectID int64, agentName string) ([]*types.Contact, error) {
	agent, err := s.GetAgent(ctx, projectID, agentName)
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT c.id, c.project_id, la.name, lb.name, c.state, c.reason,
		       c.created_at, c.decided_at, c.expires_at
		FROM contacts c
		JOIN agents la ON c.a_id = la.id
		JOIN agents lb ON c.b_id = lb.id
		WHERE c.project_id = ? AND (c.a_id = ? OR c.b_id = ?)
		ORDER BY c.created_at DESC
	`, projectID, agent.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()
	var out []*types.Contact
	for rows.Next() {
		c, err := scanContactRows(rows)
		if err != nil {
			return nil, err
		}
		markExpired(c, now)
		out = append(out, c)
	}
	return out, rows.Err()
}

func markExpired(c *types.Contact, now time.Time) {
	if c.State == types.ContactApproved && c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
		c.State = types.ContactExpired
	}
}

func scanContactInto(sc rowScanner) (*types.Contact, error) {
	var c types.Contact
	var state string
	var decided, expires sql.NullTime
	if err := sc.Scan(&c.ID, &c.ProjectID, &c.AName, &c.BName, &state, &c.Reason,
		&c.CreatedAt, &decided, &expires); err != nil {
		return nil, err
	}
	c.State = types.ContactState(state)
	c.CreatedAt = c.CreatedAt.UTC()
	c.DecidedAt = nullTime(decided)
	c.ExpiresAt = nullTime(expires)
	return &c, nil
}

func scanContact(row *sql.Row) (*types.Contact, error) {
	c, err := scanContactInto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	return c, nil
}

func scanContactRows(rows *sql.Rows) (*types.Contact, error) {
	c, err := scanContactInto(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	return c, nil
}
