package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmail/agentmail/internal/types"
)

// Profile mirrors the agent entity on disk, minus surrogate ids.
type Profile struct {
	Name              string                  `json:"name"`
	Program           string                  `json:"program,omitempty"`
	Model             string                  `json:"model,omitempty"`
	Task              string                  `json:"task,omitempty"`
	InceptionTS       string                  `json:"inception_ts"`
	LastActiveTS      string                  `json:"last_active_ts"`
	AttachmentsPolicy types.AttachmentsPolicy `json:"attachments_policy"`
	ContactPolicy     types.ContactPolicy     `json:"contact_policy"`
}

// WriteProfile writes the agent's profile document into the session.
func WriteProfile(s *Session, agent *types.Agent) error {
	p := Profile{
		Name:              agent.Name,
		Program:           agent.Program,
		Model:             agent.Model,
		Task:              agent.Task,
		InceptionTS:       isoUTC(agent.InceptionAt),
		LastActiveTS:      isoUTC(agent.LastActiveAt),
		AttachmentsPolicy: agent.AttachmentsPolicy,
		ContactPolicy:     agent.ContactPolicy,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	return s.WriteFile(ProfilePath(agent.Name), append(data, '\n'))
}

// Claim is the on-disk reservation artifact. The guard hook reads these
// without touching the database.
type Claim struct {
	Agent       string `json:"agent"`
	PathPattern string `json:"path_pattern"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	Created     string `json:"created"`
	Expires     string `json:"expires"`
	ReleasedTS  string `json:"released_ts,omitempty"`
}

// WriteClaim writes one reservation artifact into the session.
func WriteClaim(s *Session, r *types.Reservation) error {
	c := Claim{
		Agent:       r.AgentName,
		PathPattern: r.PathPattern,
		Exclusive:   r.Exclusive,
		Reason:      r.Reason,
		Created:     isoUTC(r.CreatedAt),
		Expires:     isoUTC(r.ExpiresAt),
	}
	if r.ReleasedAt != nil {
		c.ReleasedTS = isoUTC(*r.ReleasedAt)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal claim: %w", err)
	}
	return s.WriteFile(ClaimPath(r.PathPattern), append(data, '\n'))
}

// ReadClaims loads every artifact under the repo's claims directory.
// Unparseable files are skipped; the index is authoritative anyway.
func ReadClaims(repoDir string) ([]Claim, error) {
	dir := filepath.Join(repoDir, "claims")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read claims directory: %w", err)
	}

	var out []Claim
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) // #nosec G304 - our own tree
		if err != nil {
			continue
		}
		var c Claim
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ActiveAt reports whether the artifact describes a live lease.
func (c Claim) ActiveAt(now time.Time) bool {
	if c.ReleasedTS != "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, c.Expires)
	if err != nil {
		return false
	}
	return exp.After(now)
}

func isoUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
