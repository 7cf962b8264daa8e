package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

// RecordBuild records a guard hook installation. Reinstalling into the same
// repo supersedes the previous record.
func (s *Store) RecordBuild(ctx context.Context, b *types.Build) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE builds SET removed_at = ?
		WHERE project_id = ? AND repo_path = ? AND removed_at IS NULL
	`, b.InstalledAt.UTC(), b.ProjectID, b.RepoPath); err != nil {
		return fmt.Errorf("failed to supersede builds: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO builds (project_id, repo_path, hook_path, installed_by, installed_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.ProjectID, b.RepoPath, b.HookPath, b.InstalledBy, b.InstalledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read build id: %w", err)
	}
	return nil
}

// RemoveBuild marks the active install for a repo as removed.
func (s *Store) RemoveBuild(ctx context.Context, projectID int64, repoPath string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE builds SET removed_at = ?
		WHERE project_id = ? AND repo_path = ? AND removed_at IS NULL
	`, now.UTC(), projectID, repoPath)
	if err != nil {
		return fmt.Errorf("failed to remove build: %w", err)
	}
	return nil
}

// ListBuilds returns all install records for a project, newest first.
func (s *Store) ListBuilds(ctx context.Context, projectID int64) ([]*types.Build, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, project_id, repo_path, hook_path, installed_by, installed_at, removed_at
		FROM builds WHERE project_id = ?
		ORDER BY installed_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Build
	for rows.Next() {
		var b types.Build
		var removed sql.NullTime
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.RepoPath, &b.HookPath,
			&b.InstalledBy, &b.InstalledAt, &removed); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		b.InstalledAt = b.InstalledAt.UTC()
		b.RemovedAt = nullTime(removed)
		out = append(out, &b)
	}
	return out, rows.Err()
}
