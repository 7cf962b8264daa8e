// Package registry is the verb table behind the JSON-RPC surface: named
// tools with typed inputs, writer/reader roles, call counters and a
// recent-usage ring. Composite verbs call back through the registry by name
// rather than holding direct references, since verb names can collide with
// parameter names inside one call scope.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

const recentRingSize = 50

// Handler executes one verb over its raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Verb is one named tool.
type Verb struct {
	Name        string
	Description string
	Writer      bool // mutating verbs; transport signals the caller's role
	Handler     Handler
}

// Usage is one entry of the recent-call ring.
type Usage struct {
	Tool string    `json:"tool"`
	At   time.Time `json:"at"`
	OK   bool      `json:"ok"`
}

// Stats are one verb's lifetime counters.
type Stats struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

type entry struct {
	verb  Verb
	stats Stats
}

// Registry holds the verb table. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	verbs  map[string]*entry
	recent []Usage
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{verbs: make(map[string]*entry)}
}

// Register adds a verb. Later registrations under the same name replace
// earlier ones.
func (r *Registry) Register(v Verb) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbs[v.Name] = &entry{verb: v}
}

// Call dispatches a verb by name, bumping counters and the recent ring.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.Lock()
	e, ok := r.verbs[name]
	r.mu.Unlock()
	if !ok {
		return nil, types.E(types.KindNotFound, "unknown tool %q", name)
	}

	result, err := e.verb.Handler(ctx, args)

	r.mu.Lock()
	e.stats.Calls++
	if err != nil {
		e.stats.Errors++
	}
	r.recent = append(r.recent, Usage{Tool: name, At: time.Now().UTC(), OK: err == nil})
	if len(r.recent) > recentRingSize {
		r.recent = r.recent[len(r.recent)-recentRingSize:]
	}
	r.mu.Unlock()

	return result, err
}

// IsWriter reports whether the named verb mutates state.
func (r *Registry) IsWriter(name string) (writer, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.verbs[name]
	if !ok {
		return false, false
	}
	return e.verb.Writer, true
}

// DirectoryEntry describes one verb for the tooling directory resource.
type DirectoryEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Role        string `json:"role"` // writer | reader
}

// Directory lists every registered verb, sorted by name.
func (r *Registry) Directory() []DirectoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DirectoryEntry, 0, len(r.verbs))
	for _, e := range r.verbs {
		role := "reader"
		if e.verb.Writer {
			role = "writer"
		}
		out = append(out, DirectoryEntry{Name: e.verb.Name, Description: e.verb.Description, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Metrics returns per-verb counters, keyed by verb name.
func (r *Registry) Metrics() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.verbs))
	for name, e := range r.verbs {
		out[name] = e.stats
	}
	return out
}

// Recent returns the recent-usage ring, newest last.
func (r *Registry) Recent() []Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Usage, len(r.recent))
	copy(out, r.recent)
	return out
}

// Decode strictly unmarshals verb arguments: unknown fields and trailing
// garbage are VALIDATION_ERROR.
func Decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return types.E(types.KindValidation, "invalid arguments: %v", err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return types.E(types.KindValidation, "invalid arguments: trailing data")
	}
	return nil
}
