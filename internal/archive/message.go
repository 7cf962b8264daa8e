package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmail/agentmail/internal/types"
)

const (
	frontmatterOpen  = "---json"
	frontmatterClose = "---"
)

// Frontmatter is the JSON header of a message file. All four copies of a
// message (canonical, outbox, inboxes) carry the identical header; bcc
// recipients are deliberately absent from it.
type Frontmatter struct {
	ID          string             `json:"id"`
	Project     string             `json:"project"`
	ThreadID    string             `json:"thread_id,omitempty"`
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc,omitempty"`
	Subject     string             `json:"subject"`
	Importance  types.Importance   `json:"importance"`
	AckRequired bool               `json:"ack_required"`
	Created     string             `json:"created"` // ISO-8601 UTC
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// NewFrontmatter builds the header from a message and its recipient legs.
func NewFrontmatter(slug string, msg *types.Message, recipients []types.Recipient) Frontmatter {
	fm := Frontmatter{
		ID:          msg.MsgID,
		Project:     slug,
		ThreadID:    msg.ThreadID,
		From:        msg.Sender,
		To:          []string{},
		Subject:     msg.Subject,
		Importance:  msg.Importance,
		AckRequired: msg.AckRequired,
		Created:     msg.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Attachments: msg.Attachments,
	}
	for _, r := range recipients {
		switch r.Kind {
		case types.KindTo:
			fm.To = append(fm.To, r.AgentName)
		case types.KindCC:
			fm.CC = append(fm.CC, r.AgentName)
		}
	}
	return fm
}

// RenderMessage produces the on-disk message document: JSON frontmatter
// delimited by ---json / ---, then the Markdown body.
func RenderMessage(fm Frontmatter, bodyMD string) ([]byte, error) {
	header, err := json.MarshalIndent(fm, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterOpen + "\n")
	buf.Write(header)
	buf.WriteString("\n" + frontmatterClose + "\n\n")
	buf.WriteString(bodyMD)
	if !strings.HasSuffix(bodyMD, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// ParseMessage splits a message document back into frontmatter and body.
func ParseMessage(data []byte) (Frontmatter, string, error) {
	var fm Frontmatter
	text := string(data)
	if !strings.HasPrefix(text, frontmatterOpen+"\n") {
		return fm, "", fmt.Errorf("missing %s frontmatter delimiter", frontmatterOpen)
	}
	rest := text[len(frontmatterOpen)+1:]
	idx := strings.Index(rest, "\n"+frontmatterClose+"\n")
	if idx < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter block")
	}
	if err := json.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return fm, "", fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	body := strings.TrimPrefix(rest[idx+len(frontmatterClose)+2:], "\n")
	return fm, body, nil
}

// WriteMessage writes the canonical file, the sender's outbox copy and one
// inbox copy per recipient, all with identical content.
func WriteMessage(s *Session, slug string, msg *types.Message, bodyMD string, recipients []types.Recipient) error {
	doc, err := RenderMessage(NewFrontmatter(slug, msg, recipients), bodyMD)
	if err != nil {
		return err
	}

	paths := []string{
		MessagePath(msg.MsgID, msg.CreatedAt),
		OutboxPath(msg.Sender, msg.MsgID, msg.CreatedAt),
	}
	for _, r := range recipients {
		paths = append(paths, InboxPath(r.AgentName, msg.MsgID, msg.CreatedAt))
	}
	for _, p := range paths {
		if err := s.WriteFile(p, doc); err != nil {
			return err
		}
	}
	return nil
}
