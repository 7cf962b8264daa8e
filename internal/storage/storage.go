// Package storage defines the interface for the relational index backing
// the archive. The filesystem tree plus git history is the durable record;
// the index is the query surface kept in lockstep with it.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

// InboxFilter narrows an inbox or view listing.
type InboxFilter struct {
	Since         *time.Time // created strictly after
	UrgentOnly    bool       // importance in {high, urgent}
	UnreadOnly    bool       // read_at IS NULL
	AckPending    bool       // ack_required AND ack_at IS NULL
	AckOverdueBy  *time.Time // with AckPending: created before this instant
	IncludeBodies bool
	Limit         int // 0 means the default of 20
}

// InboxItem is one message as seen from a recipient's inbox.
type InboxItem struct {
	Message types.Message
	Kind    types.RecipientKind
	ReadAt  *time.Time
	AckAt   *time.Time
}

// SearchScope selects which columns a search matches against.
type SearchScope string

const (
	ScopeSubject SearchScope = "subject"
	ScopeBody    SearchScope = "body"
	ScopeBoth    SearchScope = "both"
)

// SearchQuery is a parsed, project-scoped message search.
type SearchQuery struct {
	Terms         []string // bare terms and quoted phrases
	SubjectTerms  []string // subject: qualified
	BodyTerms     []string // body: qualified
	Scope         SearchScope
	Limit         int
	OrderByRecent bool // false = relevance (bm25)
}

// SearchResult is one search hit.
type SearchResult struct {
	MsgID     string    `json:"id"`
	Subject   string    `json:"subject"`
	Sender    string    `json:"from"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created"`
	Snippet   string    `json:"snippet,omitempty"`
}

// OverdueAck identifies a recipient who has not acknowledged a message that
// required it.
type OverdueAck struct {
	ProjectID   int64
	ProjectSlug string
	MsgID       string
	Subject     string
	Sender      string
	Recipient   string
	RecipientID int64
	CreatedAt   time.Time
}

// AgentRef pairs an agent with its project, for name resolution across
// projects.
type AgentRef struct {
	Agent   types.Agent
	Project types.Project
}

// Store is the relational index. All write methods that participate in an
// archive commit are expected to run inside RunInTransaction bounded by the
// per-project lock.
type Store interface {
	// Projects
	EnsureProject(ctx context.Context, humanKey, slug string) (*types.Project, error)
	GetProject(ctx context.Context, key string) (*types.Project, error) // by human_key or slug
	ListProjects(ctx context.Context) ([]*types.Project, error)

	// Agents
	CreateAgent(ctx context.Context, agent *types.Agent) error
	DeleteAgent(ctx context.Context, agentID int64) error // compensation for failed archive commits
	UpdateAgent(ctx context.Context, agentID int64, updates map[string]any) error
	GetAgent(ctx context.Context, projectID int64, name string) (*types.Agent, error)
	ListAgents(ctx context.Context, projectID int64) ([]*types.Agent, error)
	FindAgentsByName(ctx context.Context, name string) ([]AgentRef, error)
	TouchAgent(ctx context.Context, agentID int64, now time.Time) error
	UnreadCount(ctx context.Context, agentID int64) (int, error)

	// Messages
	CreateMessage(ctx context.Context, msg *types.Message, recipients []types.Recipient) error
	DeleteMessage(ctx context.Context, messageID int64) error // compensation for failed archive commits
	GetMessage(ctx context.Context, projectID int64, msgID string) (*types.Message, string, error) // message, body_md
	Recipients(ctx context.Context, messageID int64) ([]types.Recipient, error)
	ListInbox(ctx context.Context, projectID, agentID int64, f InboxFilter) ([]InboxItem, error)
	ListOutbox(ctx context.Context, projectID, senderID int64, f InboxFilter) ([]InboxItem, error)
	ListThread(ctx context.Context, projectID int64, threadID string) ([]types.Message, []string, error) // messages, bodies
	MarkRead(ctx context.Context, messageID, agentID int64, now time.Time) error
	Acknowledge(ctx context.Context, messageID, agentID int64, now time.Time) error
	ThreadParticipants(ctx context.Context, projectID int64, threadID string) ([]int64, error)
	HadDirectMessage(ctx context.Context, projectID, senderID, recipientID int64, since time.Time) (bool, error)
	OverdueAcks(ctx context.Context, before time.Time) ([]OverdueAck, error)
	Search(ctx context.Context, projectID int64, q SearchQuery) ([]SearchResult, error)

	// Reservations
	InsertReservation(ctx context.Context, r *types.Reservation) error
	ActiveReservations(ctx context.Context, projectID int64, now time.Time) ([]*types.Reservation, error)
	ListReservations(ctx context.Context, projectID int64, activeOnly bool, now time.Time) ([]*types.Reservation, error)
	ReleaseReservations(ctx context.Context, projectID, agentID int64, patterns []string, ids []int64, now time.Time) (int64, error)
	RenewReservations(ctx context.Context, projectID, agentID int64, patterns []string, ids []int64, extend time.Duration, now time.Time) ([]*types.Reservation, error)
	ForceRelease(ctx context.Context, reservationID int64, now time.Time) error
	UnreleaseReservations(ctx context.Context, ids []int64) error // compensation for failed archive commits
	ExpireStaleReservations(ctx context.Context, projectID int64, now time.Time) (int64, error)
	ExpireStaleReservationsAll(ctx context.Context, now time.Time) (int64, error)

	// Contacts
	UpsertContactRequest(ctx context.Context, c *types.Contact) error
	DecideContact(ctx context.Context, projectID int64, aName, bName string, state types.ContactState, decidedAt time.Time, expiresAt *time.Time) error
	GetContact(ctx context.Context, projectID int64, aName, bName string) (*types.Contact, error)
	ListContacts(ctx context.Context, projectID int64, agentName string) ([]*types.Contact, error)

	// Builds (guard hook installs)
	RecordBuild(ctx context.Context, b *types.Build) error
	RemoveBuild(ctx context.Context, projectID int64, repoPath string, now time.Time) error
	ListBuilds(ctx context.Context, projectID int64) ([]*types.Build, error)

	// Transactions. fn runs against the same Store API on a single
	// connection; an error rolls everything back.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
	Path() string
	UnderlyingDB() *sql.DB
}
