package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

const agentCols = `id, project_id, name, program, model, task,
	inception_at, last_active_at, attachments_policy, contact_policy`

// CreateAgent inserts a new agent; (project_id, name) is unique.
func (s *Store) CreateAgent(ctx context.Context, agent *types.Agent) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO agents (project_id, name, program, model, task,
			inception_at, last_active_at, attachments_policy, contact_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ProjectID, agent.Name, agent.Program, agent.Model, agent.Task,
		agent.InceptionAt.UTC(), agent.LastActiveAt.UTC(),
		string(agent.AttachmentsPolicy), string(agent.ContactPolicy))
	if err != nil {
		if isUniqueConstraintError(err) {
			return types.E(types.KindValidation, "agent name %q already taken", agent.Name)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	agent.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read agent id: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent row. Compensation path for a freshly created
// agent whose profile commit failed.
func (s *Store) DeleteAgent(ctx context.Context, agentID int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// allowed agent update columns; anything else is a programming error.
var agentUpdateCols = map[string]bool{
	"program":            true,
	"model":              true,
	"task":               true,
	"attachments_policy": true,
	"contact_policy":     true,
	"last_active_at":     true,
}

// UpdateAgent applies a partial update to the agent row.
func (s *Store) UpdateAgent(ctx context.Context, agentID int64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	cols := make([]string, 0, len(updates))
	for col := range updates {
		if !agentUpdateCols[col] {
			return fmt.Errorf("unknown agent column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		val := updates[col]
		if t, ok := val.(time.Time); ok {
			val = t.UTC()
		}
		args = append(args, val)
	}
	args = append(args, agentID)

	_, err := s.q.ExecContext(ctx,
		"UPDATE agents SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return nil
}

// GetAgent looks up an agent by name within a project.
func (s *Store) GetAgent(ctx context.Context, projectID int64, name string) (*types.Agent, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+agentCols+` FROM agents WHERE project_id = ? AND name = ?
	`, projectID, name)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.E(types.KindNotFound, "agent %q not found in project", name)
		}
		return nil, err
	}
	return a, nil
}

// ListAgents returns a project's agents, most recently active first.
func (s *Store) ListAgents(ctx context.Context, projectID int64) ([]*types.Agent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+agentCols+` FROM agents
		WHERE project_id = ? ORDER BY last_active_at DESC, name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindAgentsByName resolves an agent name across all projects, for resource
// URIs where the project is omitted.
func (s *Store) FindAgentsByName(ctx context.Context, name string) ([]storage.AgentRef, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT a.id, a.project_id, a.name, a.program, a.model, a.task,
		       a.inception_at, a.last_active_at, a.attachments_policy, a.contact_policy,
		       p.id, p.human_key, p.slug, p.created_at
		FROM agents a JOIN projects p ON a.project_id = p.id
		WHERE a.name = ?
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.AgentRef
	for rows.Next() {
		var ref storage.AgentRef
		var attach, contact string
		if err := rows.Scan(&ref.Agent.ID, &ref.Agent.ProjectID, &ref.Agent.Name,
			&ref.Agent.Program, &ref.Agent.Model, &ref.Agent.Task,
			&ref.Agent.InceptionAt, &ref.Agent.LastActiveAt, &attach, &contact,
			&ref.Project.ID, &ref.Project.HumanKey, &ref.Project.Slug, &ref.Project.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent ref: %w", err)
		}
		ref.Agent.AttachmentsPolicy = types.AttachmentsPolicy(attach)
		ref.Agent.ContactPolicy = types.ContactPolicy(contact)
		ref.Agent.InceptionAt = ref.Agent.InceptionAt.UTC()
		ref.Agent.LastActiveAt = ref.Agent.LastActiveAt.UTC()
		ref.Project.CreatedAt = ref.Project.CreatedAt.UTC()
		out = append(out, ref)
	}
	return out, rows.Err()
}

// TouchAgent advances last_active_at, keeping it monotonic.
func (s *Store) TouchAgent(ctx context.Context, agentID int64, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE agents SET last_active_at = ? WHERE id = ? AND last_active_at < ?
	`, now.UTC(), agentID, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	return nil
}

// UnreadCount returns how many delivered messages the agent has not read.
func (s *Store) UnreadCount(ctx context.Context, agentID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_recipients WHERE agent_id = ? AND read_at IS NULL
	`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAgentInto(sc rowScanner) (*types.Agent, error) {
	var a types.Agent
	var attach, contact string
	if err := sc.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.Task,
		&a.InceptionAt, &a.LastActiveAt, &attach, &contact); err != nil {
		return nil, err
	}
	a.AttachmentsPolicy = types.AttachmentsPolicy(attach)
	a.ContactPolicy = types.ContactPolicy(contact)
	a.InceptionAt = a.InceptionAt.UTC()
	a.LastActiveAt = a.LastActiveAt.UTC()
	return &a, nil
}

func scanAgent(row *sql.Row) (*types.Agent, error) {
	a, err := scanAgentInto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return a, nil
}

func scanAgentRows(rows *sql.Rows) (*types.Agent, error) {
	a, err := scanAgentInto(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return a, nil
}
