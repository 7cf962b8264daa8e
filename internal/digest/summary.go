package digest

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

const maxDigestItems = 12

// ThreadDigest is the heuristic summary of one thread.
type ThreadDigest struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	Participants []string  `json:"participants"`
	KeyPoints    []string  `json:"key_points"`
	Actions      []string  `json:"actions"`
	MessageCount int       `json:"message_count"`
	FirstAt      time.Time `json:"first_ts"`
	LastAt       time.Time `json:"last_ts"`
	Refined      string    `json:"refined,omitempty"`
}

// MultiDigest aggregates several thread digests with cross-thread mentions.
type MultiDigest struct {
	Threads     []*ThreadDigest `json:"threads"`
	TopMentions []Mention       `json:"top_mentions,omitempty"`
}

// Mention counts how often one participant appears across the digested
// threads.
type Mention struct {
	Agent string `json:"agent"`
	Count int    `json:"count"`
}

var actionLine = regexp.MustCompile(`(?i)^\s*(?:-|\*|\d+\.)?\s*(?:\[(?: |x)\]\s*)?(TODO|ACTION|FIXME|NEXT|BLOCKED)[:\-]\s*(.+)$`)

// SummarizeThread collects the thread's messages in order and extracts
// participants, key points and action items.
func SummarizeThread(ctx context.Context, store storage.Store, project *types.Project, threadID string) (*ThreadDigest, error) {
	msgs, bodies, err := store.ListThread(ctx, project.ID, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, types.E(types.KindNotFound, "thread %s not found", threadID)
	}

	d := &ThreadDigest{
		ThreadID:     threadID,
		Subject:      msgs[0].Subject,
		MessageCount: len(msgs),
		FirstAt:      msgs[0].CreatedAt,
		LastAt:       msgs[len(msgs)-1].CreatedAt,
	}

	seenPart := map[string]bool{}
	seenPoint := map[string]bool{}
	seenAction := map[string]bool{}
	for i, m := range msgs {
		if !seenPart[m.Sender] {
			seenPart[m.Sender] = true
			d.Participants = append(d.Participants, m.Sender)
		}
		for _, line := range strings.Split(bodies[i], "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if m := actionLine.FindStringSubmatch(line); m != nil {
				item := strings.TrimSpace(m[2])
				if len(d.Actions) < maxDigestItems && !seenAction[item] {
					seenAction[item] = true
					d.Actions = append(d.Actions, item)
				}
				continue
			}
			if isKeyPoint(trimmed) {
				point := trimKeyPoint(trimmed)
				if point != "" && len(d.KeyPoints) < maxDigestItems && !seenPoint[point] {
					seenPoint[point] = true
					d.KeyPoints = append(d.KeyPoints, point)
				}
			}
		}
	}
	return d, nil
}

func isKeyPoint(line string) bool {
	return strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") ||
		strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ")
}

func trimKeyPoint(line string) string {
	for _, prefix := range []string{"## ", "# ", "- ", "* "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return line
}

// SummarizeThreads digests several threads and ranks cross-thread mentions:
// participants that show up in the most threads first.
func SummarizeThreads(ctx context.Context, store storage.Store, project *types.Project, threadIDs []string) (*MultiDigest, error) {
	if len(threadIDs) == 0 {
		return nil, types.E(types.KindValidation, "no thread ids given")
	}

	out := &MultiDigest{}
	mentions := map[string]int{}
	for _, id := range threadIDs {
		d, err := SummarizeThread(ctx, store, project, id)
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				continue
			}
			return nil, err
		}
		out.Threads = append(out.Threads, d)
		for _, p := range d.Participants {
			mentions[p]++
		}
	}
	if len(out.Threads) == 0 {
		return nil, types.E(types.KindNotFound, "none of the threads exist")
	}

	for agent, n := range mentions {
		out.TopMentions = append(out.TopMentions, Mention{Agent: agent, Count: n})
	}
	sort.Slice(out.TopMentions, func(i, j int) bool {
		if out.TopMentions[i].Count != out.TopMentions[j].Count {
			return out.TopMentions[i].Count > out.TopMentions[j].Count
		}
		return out.TopMentions[i].Agent < out.TopMentions[j].Agent
	})
	if len(out.TopMentions) > maxDigestItems {
		out.TopMentions = out.TopMentions[:maxDigestItems]
	}
	return out, nil
}
