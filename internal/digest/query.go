// Package digest provides message search (query parsing over the FTS index)
// and heuristic thread summarization, with optional LLM refinement.
package digest

import (
	"context"
	"strings"

	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// ParseQuery tokenizes a raw search string into bare terms, quoted phrases
// and subject:/body: qualified terms.
func ParseQuery(raw string, scope storage.SearchScope, limit int, orderRecent bool) storage.SearchQuery {
	q := storage.SearchQuery{Scope: scope, Limit: limit, OrderByRecent: orderRecent}
	if q.Scope == "" {
		q.Scope = storage.ScopeBoth
	}

	for _, tok := range tokenize(raw) {
		switch {
		case strings.HasPrefix(strings.ToLower(tok), "subject:"):
			if t := tok[len("subject:"):]; t != "" {
				q.SubjectTerms = append(q.SubjectTerms, unquote(t))
			}
		case strings.HasPrefix(strings.ToLower(tok), "body:"):
			if t := tok[len("body:"):]; t != "" {
				q.BodyTerms = append(q.BodyTerms, unquote(t))
			}
		default:
			q.Terms = append(q.Terms, unquote(tok))
		}
	}
	return q
}

// tokenize splits on whitespace but keeps double-quoted phrases together,
// including a qualifier prefix like subject:"exact phrase".
func tokenize(raw string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

func unquote(t string) string {
	return strings.Trim(t, `"`)
}

// Search parses the raw query and runs it against the project's index.
func Search(ctx context.Context, store storage.Store, project *types.Project, raw string, scope storage.SearchScope, limit int, orderRecent bool) ([]storage.SearchResult, error) {
	q := ParseQuery(raw, scope, limit, orderRecent)
	if len(q.Terms) == 0 && len(q.SubjectTerms) == 0 && len(q.BodyTerms) == 0 {
		return nil, types.E(types.KindValidation, "empty search query")
	}
	return store.Search(ctx, project.ID, q)
}
