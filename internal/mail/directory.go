package mail

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/names"
	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// EnsureProject resolves or idempotently creates the project for a human
// key (typically an absolute repo path).
func (e *Engine) EnsureProject(ctx context.Context, humanKey string) (*types.Project, error) {
	if humanKey == "" {
		return nil, types.E(types.KindValidation, "human_key must not be empty")
	}
	return e.store.EnsureProject(ctx, humanKey, names.Slugify(humanKey))
}

// RegisterAgent creates an agent identity in the project, or refreshes the
// descriptors of an existing one when the hint names it. The profile
// document is committed alongside.
func (e *Engine) RegisterAgent(ctx context.Context, project *types.Project, hint, program, model, task string) (*types.Agent, error) {
	now := time.Now().UTC()

	if sanitized := names.Sanitize(hint); sanitized != "" {
		if existing, err := e.store.GetAgent(ctx, project.ID, sanitized); err == nil {
			prev := *existing
			updates := map[string]any{"last_active_at": now}
			if program != "" {
				updates["program"] = program
				existing.Program = program
			}
			if model != "" {
				updates["model"] = model
				existing.Model = model
			}
			if task != "" {
				updates["task"] = task
				existing.Task = task
			}
			if err := e.store.UpdateAgent(ctx, existing.ID, updates); err != nil {
				return nil, err
			}
			existing.LastActiveAt = now
			if err := e.commitProfile(ctx, project, existing); err != nil {
				e.restoreAgent(ctx, &prev)
				return nil, err
			}
			return existing, nil
		}
	}

	taken := func(name string) bool {
		_, err := e.store.GetAgent(ctx, project.ID, name)
		return err == nil
	}
	name, err := names.Unique(taken, hint)
	if err != nil {
		return nil, err
	}

	agent := &types.Agent{
		ProjectID:         project.ID,
		Name:              name,
		Program:           program,
		Model:             model,
		Task:              task,
		InceptionAt:       now,
		LastActiveAt:      now,
		AttachmentsPolicy: types.AttachAuto,
		ContactPolicy:     types.ContactAuto,
	}
	if err := e.store.RunInTransaction(ctx, func(tx storage.Store) error {
		return tx.CreateAgent(ctx, agent)
	}); err != nil {
		return nil, err
	}
	if err := e.commitProfile(ctx, project, agent); err != nil {
		// No profile in the archive means no agent in the index.
		if derr := e.store.DeleteAgent(ctx, agent.ID); derr != nil {
			slog.Error("failed to compensate agent after commit failure",
				"agent", agent.Name, "error", derr)
		}
		return nil, err
	}
	return agent, nil
}

// SetContactPolicy updates one agent's contact policy and recommits the
// profile.
func (e *Engine) SetContactPolicy(ctx context.Context, project *types.Project, agentName string, pol types.ContactPolicy) (*types.Agent, error) {
	if !types.ValidContactPolicy(string(pol)) {
		return nil, types.E(types.KindValidation, "unknown contact policy %q", pol)
	}
	agent, err := e.store.GetAgent(ctx, project.ID, agentName)
	if err != nil {
		return nil, err
	}
	prev := *agent
	now := time.Now().UTC()
	if err := e.store.UpdateAgent(ctx, agent.ID, map[string]any{
		"contact_policy": string(pol),
		"last_active_at": now,
	}); err != nil {
		return nil, err
	}
	agent.ContactPolicy = pol
	agent.LastActiveAt = now
	if err := e.commitProfile(ctx, project, agent); err != nil {
		e.restoreAgent(ctx, &prev)
		return nil, err
	}
	return agent, nil
}

// restoreAgent puts an agent row back to its pre-update state after a failed
// profile commit.
func (e *Engine) restoreAgent(ctx context.Context, prev *types.Agent) {
	err := e.store.UpdateAgent(ctx, prev.ID, map[string]any{
		"program":        prev.Program,
		"model":          prev.Model,
		"task":           prev.Task,
		"contact_policy": string(prev.ContactPolicy),
		"last_active_at": prev.LastActiveAt,
	})
	if err != nil {
		slog.Error("failed to restore agent after commit failure",
			"agent", prev.Name, "error", err)
	}
}

// WhoisResult is the agent profile plus activity counters.
type WhoisResult struct {
	Agent        *types.Agent `json:"agent"`
	Project      string       `json:"project"`
	Active       bool         `json:"active"`
	UnreadCount  int          `json:"unread_count"`
	ActiveLeases int          `json:"active_leases"`
}

// Whois looks up an agent's profile and recent activity.
func (e *Engine) Whois(ctx context.Context, project *types.Project, agentName string) (*WhoisResult, error) {
	agent, err := e.store.GetAgent(ctx, project.ID, agentName)
	if err != nil {
		return nil, err
	}
	unread, err := e.store.UnreadCount(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	active, err := e.store.ActiveReservations(ctx, project.ID, now)
	if err != nil {
		return nil, err
	}
	held := 0
	for _, r := range active {
		if r.AgentID == agent.ID {
			held++
		}
	}
	return &WhoisResult{
		Agent:        agent,
		Project:      project.Slug,
		Active:       agent.Active(now),
		UnreadCount:  unread,
		ActiveLeases: held,
	}, nil
}

func (e *Engine) commitProfile(ctx context.Context, project *types.Project, agent *types.Agent) error {
	repo := e.arch.Repo(project.Slug)
	return repo.Commit(ctx, archive.CommitInfo{
		Summary: "profile: " + agent.Name,
		Agent:   agent.Name,
		Kind:    "profile",
	}, func(s *archive.Session) error {
		return archive.WriteProfile(s, agent)
	})
}
