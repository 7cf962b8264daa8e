package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

const reservationCols = `r.id, r.project_id, r.agent_id, a.name, r.path_pattern,
	r.exclusive, r.reason, r.created_at, r.expires_at, r.released_at`

// InsertReservation inserts a granted lease.
func (s *Store) InsertReservation(ctx context.Context, r *types.Reservation) error {
	excl := 0
	if r.Exclusive {
		excl = 1
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO reservations (project_id, agent_id, path_pattern, exclusive,
			reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ProjectID, r.AgentID, r.PathPattern, excl, r.Reason,
		r.CreatedAt.UTC(), r.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read reservation id: %w", err)
	}
	return nil
}

// ActiveReservations returns all live leases in the project.
func (s *Store) ActiveReservations(ctx context.Context, projectID int64, now time.Time) ([]*types.Reservation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+reservationCols+`
		FROM reservations r JOIN agents a ON r.agent_id = a.id
		WHERE r.project_id = ? AND r.released_at IS NULL AND r.expires_at > ?
		ORDER BY r.created_at, r.id
	`, projectID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list active reservations: %w", err)
	}
	return scanReservations(rows)
}

// ListReservations returns leases in the project, optionally active only.
func (s *Store) ListReservations(ctx context.Context, projectID int64, activeOnly bool, now time.Time) ([]*types.Reservation, error) {
	if activeOnly {
		return s.ActiveReservations(ctx, projectID, now)
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+reservationCols+`
		FROM reservations r JOIN agents a ON r.agent_id = a.id
		WHERE r.project_id = ?
		ORDER BY r.created_at DESC, r.id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return scanReservations(rows)
}

// ReleaseReservations releases the agent's live leases matching any of the
// given patterns or ids; with neither given, all of the agent's live leases
// are released. Returns the number released.
func (s *Store) ReleaseReservations(ctx context.Context, projectID, agentID int64, patterns []string, ids []int64, now time.Time) (int64, error) {
	query, args := reservationSelector(`
		UPDATE reservations SET released_at = ?
		WHERE project_id = ? AND agent_id = ? AND released_at IS NULL AND expires_at > ?`,
		[]any{now.UTC(), projectID, agentID, now.UTC()}, patterns, ids)

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to release reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released: %w", err)
	}
	return n, nil
}

// RenewReservations extends expires_at on the agent's live leases matching
// the selector and returns the renewed rows. Released and expired leases
// are not touched.
func (s *Store) RenewReservations(ctx context.Context, projectID, agentID int64, patterns []string, ids []int64, extend time.Duration, now time.Time) ([]*types.Reservation, error) {
	listQuery, listArgs := reservationSelector(`
		SELECT `+reservationCols+`
		FROM reservations r JOIN agents a ON r.agent_id = a.id
		WHERE r.project_id = ? AND r.agent_id = ? AND r.released_at IS NULL AND r.expires_at > ?`,
		[]any{projectID, agentID, now.UTC()}, patterns, ids)
	rows, err := s.q.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations to renew: %w", err)
	}
	live, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}

	for _, r := range live {
		r.ExpiresAt = r.ExpiresAt.Add(extend)
		if _, err := s.q.ExecContext(ctx, `
			UPDATE reservations SET expires_at = ? WHERE id = ?
		`, r.ExpiresAt.UTC(), r.ID); err != nil {
			return nil, fmt.Errorf("failed to renew reservation %d: %w", r.ID, err)
		}
	}
	return live, nil
}

// ForceRelease releases a lease regardless of holder. Operator path.
func (s *Store) ForceRelease(ctx context.Context, reservationID int64, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE reservations SET released_at = ? WHERE id = ? AND released_at IS NULL
	`, now.UTC(), reservationID)
	if err != nil {
		return fmt.Errorf("failed to force-release reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "reservation %d not found or already released", reservationID)
	}
	return nil
}

// UnreleaseReservations clears released_at on the given leases. Compensation
// path for a release whose archive commit failed; the original expiry is
// untouched so the lease resumes exactly where it was.
func (s *Store) UnreleaseReservations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.q.ExecContext(ctx,
		"UPDATE reservations SET released_at = NULL WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return fmt.Errorf("failed to unrelease reservations: %w", err)
	}
	return nil
}

// ExpireStaleReservations marks expired-but-unreleased leases as released
// within one project.
func (s *Store) ExpireStaleReservations(ctx context.Context, projectID int64, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE reservations SET released_at = ?
		WHERE project_id = ? AND released_at IS NULL AND expires_at < ?
	`, now.UTC(), projectID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire reservations: %w", err)
	}
	return res.RowsAffected()
}

// ExpireStaleReservationsAll sweeps every project. Used by the background
// cleanup worker.
func (s *Store) ExpireStaleReservationsAll(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE reservations SET released_at = ?
		WHERE released_at IS NULL AND expires_at < ?
	`, now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire reservations: %w", err)
	}
	return res.RowsAffected()
}

// reservationSelector appends pattern/id IN clauses to a base query. An
// empty selector matches everything the base query matches.
func reservationSelector(base string, args []any, patterns []string, ids []int64) (string, []any) {
	var sb strings.Builder
	sb.WriteString(base)
	// Column references work both for plain and aliased tables.
	col := "path_pattern"
	idCol := "id"
	if strings.Contains(base, " r ") || strings.Contains(base, " r\n") {
		col = "r.path_pattern"
		idCol = "r.id"
	}
	if len(patterns) > 0 {
		sb.WriteString(" AND " + col + " IN (" + placeholders(len(patterns)) + ")")
		for _, p := range patterns {
			args = append(args, p)
		}
	}
	if len(ids) > 0 {
		sb.WriteString(" AND " + idCol + " IN (" + placeholders(len(ids)) + ")")
		for _, id := range ids {
			args = append(args, id)
		}
	}
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanReservations(rows *sql.Rows) ([]*types.Reservation, error) {
	defer func() { _ = rows.Close() }()

	var out []*types.Reservation
	for rows.Next() {
		var r types.Reservation
		var excl int
		var released sql.NullTime
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.AgentName,
			&r.PathPattern, &excl, &r.Reason, &r.CreatedAt, &r.ExpiresAt, &released); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.Exclusive = excl != 0
		r.CreatedAt = r.CreatedAt.UTC()
		r.ExpiresAt = r.ExpiresAt.UTC()
		r.ReleasedAt = nullTime(released)
		out = append(out, &r)
	}
	return out, rows.Err()
}
