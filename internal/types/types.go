// Package types defines the core entities shared across the agentmail server:
// projects, agents, messages, file reservations and contact links.
package types

import "time"

// Importance levels for a message.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// ValidImportance reports whether s is a recognized importance level.
func ValidImportance(s string) bool {
	switch Importance(s) {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return true
	}
	return false
}

// ContactPolicy controls who may message an agent.
type ContactPolicy string

const (
	ContactOpen     ContactPolicy = "open"
	ContactAuto     ContactPolicy = "auto"
	ContactsOnly    ContactPolicy = "contacts_only"
	ContactBlockAll ContactPolicy = "block_all"
)

// ValidContactPolicy reports whether s is a recognized contact policy.
func ValidContactPolicy(s string) bool {
	switch ContactPolicy(s) {
	case ContactOpen, ContactAuto, ContactsOnly, ContactBlockAll:
		return true
	}
	return false
}

// AttachmentsPolicy controls how images are embedded in an agent's mail.
type AttachmentsPolicy string

const (
	AttachAuto   AttachmentsPolicy = "auto"
	AttachFile   AttachmentsPolicy = "file"
	AttachInline AttachmentsPolicy = "inline"
)

// ValidAttachmentsPolicy reports whether s is a recognized embedding policy.
func ValidAttachmentsPolicy(s string) bool {
	switch AttachmentsPolicy(s) {
	case AttachAuto, AttachFile, AttachInline:
		return true
	}
	return false
}

// RecipientKind distinguishes to/cc/bcc delivery.
type RecipientKind string

const (
	KindTo  RecipientKind = "to"
	KindCC  RecipientKind = "cc"
	KindBCC RecipientKind = "bcc"
)

// ContactState is the lifecycle state of a contact link.
type ContactState string

const (
	ContactPending  ContactState = "pending"
	ContactApproved ContactState = "approved"
	ContactDenied   ContactState = "denied"
	ContactExpired  ContactState = "expired"
)

// Project is a unit of isolation: its own archive tree, git repository,
// agents, messages and reservations.
type Project struct {
	ID        int64     `json:"id"`
	HumanKey  string    `json:"human_key"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a memorable named identity scoped to one project.
type Agent struct {
	ID                int64             `json:"id"`
	ProjectID         int64             `json:"project_id"`
	Name              string            `json:"name"`
	Program           string            `json:"program,omitempty"`
	Model             string            `json:"model,omitempty"`
	Task              string            `json:"task,omitempty"`
	InceptionAt       time.Time         `json:"inception_ts"`
	LastActiveAt      time.Time         `json:"last_active_ts"`
	AttachmentsPolicy AttachmentsPolicy `json:"attachments_policy"`
	ContactPolicy     ContactPolicy     `json:"contact_policy"`
}

// ActiveWindow defines how recently an agent must have interacted to count
// as active.
const ActiveWindow = 7 * 24 * time.Hour

// Active reports whether the agent interacted within the active window.
func (a *Agent) Active(now time.Time) bool {
	return now.Sub(a.LastActiveAt) <= ActiveWindow
}

// Attachment describes one attachment of a message, either stored as a file
// under the project archive or inlined as a data URI.
type Attachment struct {
	Type             string `json:"type"` // "file" or "inline"
	MediaType        string `json:"media_type"`
	Path             string `json:"path,omitempty"`     // repo-relative, file type only
	DataURI          string `json:"data_uri,omitempty"` // inline type only
	Bytes            int64  `json:"bytes"`
	SHA1             string `json:"sha1,omitempty"`
	OriginalPath     string `json:"original_path,omitempty"` // attachments/originals/... when retained
	ConversionFailed bool   `json:"conversion_failed,omitempty"`
}

// Message is one piece of Markdown mail.
type Message struct {
	ID          int64        `json:"-"`
	MsgID       string       `json:"id"` // external id, msg_<yyyymmdd>_<hex8>
	ProjectID   int64        `json:"-"`
	ThreadID    string       `json:"thread_id,omitempty"`
	Sender      string       `json:"from"`
	SenderID    int64        `json:"-"`
	Subject     string       `json:"subject"`
	BodyMD      string       `json:"-"`
	Importance  Importance   `json:"importance"`
	AckRequired bool         `json:"ack_required"`
	CreatedAt   time.Time    `json:"created"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Recipient is one delivery leg of a message.
type Recipient struct {
	MessageID int64         `json:"-"`
	AgentID   int64         `json:"-"`
	AgentName string        `json:"agent"`
	Kind      RecipientKind `json:"kind"`
	ReadAt    *time.Time    `json:"read_ts,omitempty"`
	AckAt     *time.Time    `json:"ack_ts,omitempty"`
}

// Reservation is an advisory TTL lease over a path pattern.
type Reservation struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"-"`
	AgentID     int64      `json:"-"`
	AgentName   string     `json:"agent"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created"`
	ExpiresAt   time.Time  `json:"expires"`
	ReleasedAt  *time.Time `json:"released_ts,omitempty"`
}

// ActiveAt reports whether the lease is live at the given instant.
func (r *Reservation) ActiveAt(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// Contact is a per-pair permission record gating messaging under
// non-open policies. The pair (A, B) is stored unordered.
type Contact struct {
	ID        int64        `json:"-"`
	ProjectID int64        `json:"-"`
	AName     string       `json:"a"`
	BName     string       `json:"b"`
	State     ContactState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_ts"`
	DecidedAt *time.Time   `json:"decided_ts,omitempty"`
	ExpiresAt *time.Time   `json:"expires_ts,omitempty"`
}

// Build records a guard hook installation into a target code repository.
type Build struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"-"`
	RepoPath    string    `json:"repo_path"`
	HookPath    string    `json:"hook_path"`
	InstalledBy string    `json:"installed_by,omitempty"`
	InstalledAt time.Time `json:"installed_ts"`
	RemovedAt   *time.Time `json:"removed_ts,omitempty"`
}

// Delivery summarizes one recipient's leg of a freshly sent message.
type Delivery struct {
	Agent string        `json:"agent"`
	Kind  RecipientKind `json:"kind"`
}
