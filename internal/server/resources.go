package server

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// readResource routes a resource:// URI to its projection. The URI host
// selects the resource; positional segments and query parameters narrow it.
func (s *Server) readResource(ctx context.Context, uri string) (any, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "resource" {
		return nil, types.E(types.KindValidation, "invalid resource uri %q", uri)
	}
	rest := strings.Trim(u.Path, "/")
	q := u.Query()

	switch u.Host {
	case "projects":
		return s.resProjects(ctx)
	case "project":
		return s.resProject(ctx, rest)
	case "agents":
		return s.resAgents(ctx, rest)
	case "inbox":
		return s.resInbox(ctx, rest, q, false)
	case "outbox":
		return s.resInbox(ctx, rest, q, true)
	case "message":
		return s.resMessage(ctx, rest, q)
	case "thread":
		return s.resThread(ctx, rest, q)
	case "claims":
		return s.resClaims(ctx, rest, q)
	case "views":
		return s.resView(ctx, rest, q)
	case "tooling":
		return s.resTooling(rest)
	}
	return nil, types.E(types.KindNotFound, "unknown resource %q", uri)
}

func (s *Server) resProjects(ctx context.Context) (any, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": projects}, nil
}

func (s *Server) resProject(ctx context.Context, slug string) (any, error) {
	project, err := s.project(ctx, slug)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project, "agents": agents}, nil
}

// resAgents lists every agent registered under the given name across
// projects, with unread counts.
func (s *Server) resAgents(ctx context.Context, name string) (any, error) {
	if name == "" {
		return nil, types.E(types.KindValidation, "agent name required")
	}
	refs, err := s.store.FindAgentsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, types.E(types.KindNotFound, "no agent named %s", name)
	}
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		unread, err := s.store.UnreadCount(ctx, ref.Agent.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"agent":   ref.Agent,
			"project": ref.Project.Slug,
			"active":  ref.Agent.Active(now),
			"unread":  unread,
		})
	}
	return map[string]any{"agents": out}, nil
}

// resolveAgent finds the agent either within ?project or, absent that, by
// name across all projects provided the name is unambiguous.
func (s *Server) resolveAgent(ctx context.Context, name string, q url.Values) (*types.Project, *types.Agent, error) {
	if name == "" {
		return nil, nil, types.E(types.KindValidation, "agent name required")
	}
	if key := q.Get("project"); key != "" {
		project, err := s.project(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		agent, err := s.store.GetAgent(ctx, project.ID, name)
		if err != nil {
			return nil, nil, err
		}
		return project, agent, nil
	}
	refs, err := s.store.FindAgentsByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	switch len(refs) {
	case 0:
		return nil, nil, types.E(types.KindNotFound, "no agent named %s", name)
	case 1:
		return &refs[0].Project, &refs[0].Agent, nil
	default:
		return nil, nil, types.E(types.KindValidation,
			"agent %s exists in %d projects; pass ?project=", name, len(refs))
	}
}

func (s *Server) resInbox(ctx context.Context, name string, q url.Values, outbox bool) (any, error) {
	project, agent, err := s.resolveAgent(ctx, name, q)
	if err != nil {
		return nil, err
	}
	f, err := filterFromQuery(q)
	if err != nil {
		return nil, err
	}
	var items []storage.InboxItem
	if outbox {
		items, err = s.store.ListOutbox(ctx, project.ID, agent.ID, f)
	} else {
		items, err = s.store.ListInbox(ctx, project.ID, agent.ID, f)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent":    agent.Name,
		"project":  project.Slug,
		"count":    len(items),
		"messages": inboxViews(items, f.IncludeBodies),
	}, nil
}

// resMessage finds a message by its external id. Without ?project every
// project is tried; msg ids are globally unique.
func (s *Server) resMessage(ctx context.Context, msgID string, q url.Values) (any, error) {
	project, msg, body, err := s.findMessage(ctx, msgID, q)
	if err != nil {
		return nil, err
	}
	recipients, err := s.store.Recipients(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"project":    project.Slug,
		"message":    msg,
		"body_md":    body,
		"recipients": recipients,
	}, nil
}

func (s *Server) resThread(ctx context.Context, threadID string, q url.Values) (any, error) {
	includeBodies := q.Get("include_bodies") == "true"
	projects, err := s.candidateProjects(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		msgs, bodies, err := s.store.ListThread(ctx, p.ID, threadID)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		out := make([]map[string]any, 0, len(msgs))
		for i, m := range msgs {
			item := map[string]any{"message": m}
			if includeBodies {
				item["body_md"] = bodies[i]
			}
			out = append(out, item)
		}
		return map[string]any{"project": p.Slug, "thread_id": threadID, "messages": out}, nil
	}
	return nil, types.E(types.KindNotFound, "thread %s not found", threadID)
}

func (s *Server) resClaims(ctx context.Context, slug string, q url.Values) (any, error) {
	project, err := s.project(ctx, slug)
	if err != nil {
		return nil, err
	}
	activeOnly := q.Get("active_only") == "true"
	rs, err := s.store.ListReservations(ctx, project.ID, activeOnly, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project.Slug, "claims": rs}, nil
}

// resView serves the canned inbox projections: urgent-unread, ack-required
// and ack-overdue.
func (s *Server) resView(ctx context.Context, rest string, q url.Values) (any, error) {
	view, name, _ := strings.Cut(rest, "/")
	project, agent, err := s.resolveAgent(ctx, name, q)
	if err != nil {
		return nil, err
	}
	f, err := filterFromQuery(q)
	if err != nil {
		return nil, err
	}
	switch view {
	case "urgent-unread":
		f.UrgentOnly = true
		f.UnreadOnly = true
	case "ack-required":
		f.AckPending = true
	case "ack-overdue":
		f.AckPending = true
		minutes := int64(30)
		if v := q.Get("ttl_minutes"); v != "" {
			minutes, err = strconv.ParseInt(v, 10, 64)
			if err != nil || minutes <= 0 {
				return nil, types.E(types.KindValidation, "invalid ttl_minutes %q", v)
			}
		}
		cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
		f.AckOverdueBy = &cutoff
	default:
		return nil, types.E(types.KindNotFound, "unknown view %q", view)
	}
	items, err := s.store.ListInbox(ctx, project.ID, agent.ID, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"view":     view,
		"agent":    agent.Name,
		"project":  project.Slug,
		"count":    len(items),
		"messages": inboxViews(items, f.IncludeBodies),
	}, nil
}

func (s *Server) resTooling(which string) (any, error) {
	switch which {
	case "directory":
		return map[string]any{"tools": s.reg.Directory()}, nil
	case "metrics":
		return map[string]any{
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
			"tools":          s.reg.Metrics(),
		}, nil
	case "recent":
		return map[string]any{"recent": s.reg.Recent()}, nil
	}
	return nil, types.E(types.KindNotFound, "unknown tooling resource %q", which)
}

func (s *Server) findMessage(ctx context.Context, msgID string, q url.Values) (*types.Project, *types.Message, string, error) {
	projects, err := s.candidateProjects(ctx, q)
	if err != nil {
		return nil, nil, "", err
	}
	for _, p := range projects {
		msg, body, err := s.store.GetMessage(ctx, p.ID, msgID)
		if err == nil {
			return p, msg, body, nil
		}
		if types.KindOf(err) != types.KindNotFound {
			return nil, nil, "", err
		}
	}
	return nil, nil, "", types.E(types.KindNotFound, "message %s not found", msgID)
}

func (s *Server) candidateProjects(ctx context.Context, q url.Values) ([]*types.Project, error) {
	if key := q.Get("project"); key != "" {
		p, err := s.project(ctx, key)
		if err != nil {
			return nil, err
		}
		return []*types.Project{p}, nil
	}
	return s.store.ListProjects(ctx)
}

func filterFromQuery(q url.Values) (storage.InboxFilter, error) {
	f := storage.InboxFilter{
		UrgentOnly:    q.Get("urgent_only") == "true",
		UnreadOnly:    q.Get("unread_only") == "true",
		IncludeBodies: q.Get("include_bodies") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, types.E(types.KindValidation, "invalid limit %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("since_ts"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, types.E(types.KindValidation, "invalid since_ts %q: %v", v, err)
		}
		f.Since = &since
	}
	return f, nil
}

// inboxView is one inbox entry on the wire.
type inboxView struct {
	ID          string              `json:"id"`
	ThreadID    string              `json:"thread_id,omitempty"`
	From        string              `json:"from"`
	Subject     string              `json:"subject"`
	Importance  types.Importance    `json:"importance"`
	AckRequired bool                `json:"ack_required"`
	Created     time.Time           `json:"created"`
	Kind        types.RecipientKind `json:"kind"`
	ReadAt      *time.Time          `json:"read_ts,omitempty"`
	AckAt       *time.Time          `json:"ack_ts,omitempty"`
	BodyMD      string              `json:"body_md,omitempty"`
	Attachments []types.Attachment  `json:"attachments,omitempty"`
}

func inboxViews(items []storage.InboxItem, includeBodies bool) []inboxView {
	out := make([]inboxView, 0, len(items))
	for _, it := range items {
		v := inboxView{
			ID:          it.Message.MsgID,
			ThreadID:    it.Message.ThreadID,
			From:        it.Message.Sender,
			Subject:     it.Message.Subject,
			Importance:  it.Message.Importance,
			AckRequired: it.Message.AckRequired,
			Created:     it.Message.CreatedAt,
			Kind:        it.Kind,
			ReadAt:      it.ReadAt,
			AckAt:       it.AckAt,
			Attachments: it.Message.Attachments,
		}
		if includeBodies {
			v.BodyMD = it.Message.BodyMD
		}
		out = append(out, v)
	}
	return out
}
