package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

// EnsureProject creates the project on first reference, idempotent on
// human_key. Concurrent first references are reconciled by the UNIQUE
// constraint.
func (s *Store) EnsureProject(ctx context.Context, humanKey, slug string) (*types.Project, error) {
	if p, err := s.GetProject(ctx, humanKey); err == nil {
		return p, nil
	} else if types.KindOf(err) != types.KindNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO projects (human_key, slug, created_at) VALUES (?, ?, ?)
	`, humanKey, slug, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return s.GetProject(ctx, humanKey)
		}
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read project id: %w", err)
	}
	return &types.Project{ID: id, HumanKey: humanKey, Slug: slug, CreatedAt: now}, nil
}

// GetProject resolves a project by human_key or slug; both resolve to the
// same row.
func (s *Store) GetProject(ctx context.Context, key string) (*types.Project, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, human_key, slug, created_at
		FROM projects WHERE human_key = ? OR slug = ?
	`, key, key)
	return scanProject(row)
}

// ListProjects returns all projects ordered by creation.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, human_key, slug, created_at FROM projects ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Project
	for rows.Next() {
		var p types.Project
		if err := rows.Scan(&p.ID, &p.HumanKey, &p.Slug, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

func scanProject(row *sql.Row) (*types.Project, error) {
	var p types.Project
	if err := row.Scan(&p.ID, &p.HumanKey, &p.Slug, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.E(types.KindNotFound, "project not found")
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
