package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agentmail/agentmail/internal/storage"
)

const defaultSearchLimit = 20

// Search runs a project-scoped message search. With FTS5 present it builds a
// MATCH expression ranked by bm25; otherwise it degrades to LIKE over subject
// and body ordered by recency.
func (s *Store) Search(ctx context.Context, projectID int64, q storage.SearchQuery) ([]storage.SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if s.fts {
		results, err := s.searchFTS(ctx, projectID, q, limit)
		if err == nil {
			return results, nil
		}
		// A malformed MATCH expression or a missing shadow table should not
		// surface to the caller when LIKE can still answer.
	}
	return s.searchLike(ctx, projectID, q, limit)
}

func (s *Store) searchFTS(ctx context.Context, projectID int64, q storage.SearchQuery, limit int) ([]storage.SearchResult, error) {
	match := buildMatchExpr(q)
	if match == "" {
		return nil, nil
	}

	order := "rank"
	if q.OrderByRecent {
		order = "m.created_at DESC"
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT m.msg_id, m.subject, a.name, m.thread_id, m.created_at,
		       snippet(messages_fts, 1, '[', ']', '…', 12)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN agents a ON m.sender_id = a.id
		WHERE messages_fts MATCH ? AND m.project_id = ?
		ORDER BY `+order+`
		LIMIT ?
	`, match, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run fts search: %w", err)
	}
	return scanSearchResults(rows, true)
}

func (s *Store) searchLike(ctx context.Context, projectID int64, q storage.SearchQuery, limit int) ([]storage.SearchResult, error) {
	var conds []string
	var args []any
	args = append(args, projectID)

	add := func(cols []string, terms []string) {
		for _, t := range terms {
			pat := "%" + t + "%"
			var ors []string
			for _, c := range cols {
				ors = append(ors, c+" LIKE ?")
				args = append(args, pat)
			}
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	switch q.Scope {
	case storage.ScopeSubject:
		add([]string{"m.subject"}, q.Terms)
	case storage.ScopeBody:
		add([]string{"m.body_md"}, q.Terms)
	default:
		add([]string{"m.subject", "m.body_md"}, q.Terms)
	}
	add([]string{"m.subject"}, q.SubjectTerms)
	add([]string{"m.body_md"}, q.BodyTerms)

	if len(conds) == 0 {
		return nil, nil
	}

	query := `
		SELECT m.msg_id, m.subject, a.name, m.thread_id, m.created_at
		FROM messages m JOIN agents a ON m.sender_id = a.id
		WHERE m.project_id = ? AND ` + strings.Join(conds, " AND ") + `
		ORDER BY m.created_at DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run search: %w", err)
	}
	return scanSearchResults(rows, false)
}

// buildMatchExpr assembles an FTS5 MATCH expression from the parsed query.
// Terms are quoted so user input never reads as query syntax.
func buildMatchExpr(q storage.SearchQuery) string {
	var parts []string
	for _, t := range q.Terms {
		quoted := quoteFTSTerm(t)
		switch q.Scope {
		case storage.ScopeSubject:
			parts = append(parts, "subject:"+quoted)
		case storage.ScopeBody:
			parts = append(parts, "body_md:"+quoted)
		default:
			parts = append(parts, quoted)
		}
	}
	for _, t := range q.SubjectTerms {
		parts = append(parts, "subject:"+quoteFTSTerm(t))
	}
	for _, t := range q.BodyTerms {
		parts = append(parts, "body_md:"+quoteFTSTerm(t))
	}
	return strings.Join(parts, " AND ")
}

func quoteFTSTerm(t string) string {
	return `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
}

func scanSearchResults(rows *sql.Rows, withSnippet bool) ([]storage.SearchResult, error) {
	defer func() { _ = rows.Close() }()

	var out []storage.SearchResult
	for rows.Next() {
		var r storage.SearchResult
		dest := []any{&r.MsgID, &r.Subject, &r.Sender, &r.ThreadID, &r.CreatedAt}
		if withSnippet {
			dest = append(dest, &r.Snippet)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
