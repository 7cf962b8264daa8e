package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentmail/agentmail/internal/storage"
	"github.com/agentmail/agentmail/internal/types"
)

// CreateMessage inserts the message row plus one recipient row per delivery
// leg. Callers run this inside RunInTransaction bounded by the project lock.
func (s *Store) CreateMessage(ctx context.Context, msg *types.Message, recipients []types.Recipient) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}
	if msg.Attachments == nil {
		attachments = []byte("[]")
	}

	ack := 0
	if msg.AckRequired {
		ack = 1
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (msg_id, project_id, thread_id, sender_id,
			subject, body_md, importance, ack_required, attachments_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.MsgID, msg.ProjectID, msg.ThreadID, msg.SenderID,
		msg.Subject, msg.BodyMD, string(msg.Importance), ack,
		string(attachments), msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}

	for i := range recipients {
		r := &recipients[i]
		r.MessageID = msg.ID
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO message_recipients (message_id, agent_id, kind)
			VALUES (?, ?, ?)
		`, r.MessageID, r.AgentID, string(r.Kind))
		if err != nil {
			return fmt.Errorf("failed to insert recipient %s: %w", r.AgentName, err)
		}
	}
	return nil
}

// DeleteMessage removes a message row; recipient rows cascade and the FTS
// delete trigger unindexes it. Compensation path for a message whose archive
// copies failed to commit.
func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

const messageCols = `m.id, m.msg_id, m.project_id, m.thread_id, m.sender_id,
	a.name, m.subject, m.importance, m.ack_required, m.attachments_json, m.created_at`

// GetMessage fetches one message by external id, returning the body
// separately so listings can omit it.
func (s *Store) GetMessage(ctx context.Context, projectID int64, msgID string) (*types.Message, string, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+messageCols+`, m.body_md
		FROM messages m JOIN agents a ON m.sender_id = a.id
		WHERE m.project_id = ? AND m.msg_id = ?
	`, projectID, msgID)

	var m types.Message
	var body, importance, attachments string
	var ack int
	err := row.Scan(&m.ID, &m.MsgID, &m.ProjectID, &m.ThreadID, &m.SenderID,
		&m.Sender, &m.Subject, &importance, &ack, &attachments, &m.CreatedAt, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", types.E(types.KindNotFound, "message %s not found", msgID)
		}
		return nil, "", fmt.Errorf("failed to scan message: %w", err)
	}
	finishMessage(&m, importance, ack, attachments)
	m.BodyMD = body
	return &m, body, nil
}

// Recipients returns all delivery legs of a message.
func (s *Store) Recipients(ctx context.Context, messageID int64) ([]types.Recipient, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT r.message_id, r.agent_id, a.name, r.kind, r.read_at, r.ack_at
		FROM message_recipients r JOIN agents a ON r.agent_id = a.id
		WHERE r.message_id = ?
		ORDER BY r.kind, a.name
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Recipient
	for rows.Next() {
		var r types.Recipient
		var kind string
		var readAt, ackAt sql.NullTime
		if err := rows.Scan(&r.MessageID, &r.AgentID, &r.AgentName, &kind, &readAt, &ackAt); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		r.Kind = types.RecipientKind(kind)
		r.ReadAt = nullTime(readAt)
		r.AckAt = nullTime(ackAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListInbox lists messages delivered to the agent, newest first.
// It never mutates read or ack state.
func (s *Store) ListInbox(ctx context.Context, projectID, agentID int64, f storage.InboxFilter) ([]storage.InboxItem, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageCols + `, r.kind, r.read_at, r.ack_at`)
	if f.IncludeBodies {
		sb.WriteString(", m.body_md")
	}
	sb.WriteString(`
		FROM message_recipients r
		JOIN messages m ON r.message_id = m.id
		JOIN agents a ON m.sender_id = a.id
		WHERE m.project_id = ? AND r.agent_id = ?`)
	args := []any{projectID, agentID}

	if f.Since != nil {
		sb.WriteString(" AND m.created_at > ?")
		args = append(args, f.Since.UTC())
	}
	if f.UrgentOnly {
		sb.WriteString(" AND m.importance IN ('high', 'urgent')")
	}
	if f.UnreadOnly {
		sb.WriteString(" AND r.read_at IS NULL")
	}
	if f.AckPending {
		sb.WriteString(" AND m.ack_required = 1 AND r.ack_at IS NULL")
	}
	if f.AckOverdueBy != nil {
		sb.WriteString(" AND m.created_at < ?")
		args = append(args, f.AckOverdueBy.UTC())
	}

	sb.WriteString(" ORDER BY m.created_at DESC, m.id DESC LIMIT ?")
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	return s.scanInboxItems(ctx, sb.String(), f.IncludeBodies, args...)
}

// ListOutbox lists messages the agent sent, newest first. The recipient
// columns are synthesized since the sender has no recipient row.
func (s *Store) ListOutbox(ctx context.Context, projectID, senderID int64, f storage.InboxFilter) ([]storage.InboxItem, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + messageCols + `, 'to' AS kind, NULL AS read_at, NULL AS ack_at`)
	if f.IncludeBodies {
		sb.WriteString(", m.body_md")
	}
	sb.WriteString(`
		FROM messages m
		JOIN agents a ON m.sender_id = a.id
		WHERE m.project_id = ? AND m.sender_id = ?`)
	args := []any{projectID, senderID}

	if f.Since != nil {
		sb.WriteString(" AND m.created_at > ?")
		args = append(args, f.Since.UTC())
	}

	sb.WriteString(" ORDER BY m.created_at DESC, m.id DESC LIMIT ?")
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	return s.scanInboxItems(ctx, sb.String(), f.IncludeBodies, args...)
}

func (s *Store) scanInboxItems(ctx context.Context, query string, withBody bool, args ...any) ([]storage.InboxItem, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.InboxItem
	for rows.Next() {
		var item storage.InboxItem
		var importance, attachments, kind string
		var ack int
		var readAt, ackAt sql.NullTime
		var body sql.NullString

		dest := []any{
			&item.Message.ID, &item.Message.MsgID, &item.Message.ProjectID,
			&item.Message.ThreadID, &item.Message.SenderID, &item.Message.Sender,
			&item.Message.Subject, &importance, &ack, &attachments,
			&item.Message.CreatedAt, &kind, &readAt, &ackAt,
		}
		if withBody {
			dest = append(dest, &body)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan inbox item: %w", err)
		}
		finishMessage(&item.Message, importance, ack, attachments)
		if withBody {
			item.Message.BodyMD = body.String
		}
		item.Kind = types.RecipientKind(kind)
		item.ReadAt = nullTime(readAt)
		item.AckAt = nullTime(ackAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListThread returns all messages in a thread, oldest first. A message
// belongs to the thread when its thread_id matches, or when it is the root
// message whose external id is the thread id.
func (s *Store) ListThread(ctx context.Context, projectID int64, threadID string) ([]types.Message, []string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+messageCols+`, m.body_md
		FROM messages m JOIN agents a ON m.sender_id = a.id
		WHERE m.project_id = ? AND (m.msg_id = ? OR m.thread_id = ?)
		ORDER BY m.created_at ASC, m.id ASC
	`, projectID, threadID, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list thread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []types.Message
	var bodies []string
	for rows.Next() {
		var m types.Message
		var importance, attachments, body string
		var ack int
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ProjectID, &m.ThreadID, &m.SenderID,
			&m.Sender, &m.Subject, &importance, &ack, &attachments, &m.CreatedAt, &body); err != nil {
			return nil, nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		finishMessage(&m, importance, ack, attachments)
		m.BodyMD = body
		msgs = append(msgs, m)
		bodies = append(bodies, body)
	}
	return msgs, bodies, rows.Err()
}

// MarkRead sets read_at on the agent's recipient row. Idempotent: a row
// already read keeps its original timestamp.
func (s *Store) MarkRead(ctx context.Context, messageID, agentID int64, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE message_recipients SET read_at = ?
		WHERE message_id = ? AND agent_id = ? AND read_at IS NULL
	`, now.UTC(), messageID, agentID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already read (fine) or not a recipient at all.
		var exists int
		err := s.q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM message_recipients WHERE message_id = ? AND agent_id = ?
		`, messageID, agentID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check recipient: %w", err)
		}
		if exists == 0 {
			return types.E(types.KindNotFound, "agent is not a recipient of this message")
		}
	}
	return nil
}

// Acknowledge sets ack_at (and read_at when still null). Idempotent.
func (s *Store) Acknowledge(ctx context.Context, messageID, agentID int64, now time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE message_recipients
		SET ack_at = ?, read_at = COALESCE(read_at, ?)
		WHERE message_id = ? AND agent_id = ? AND ack_at IS NULL
	`, now.UTC(), now.UTC(), messageID, agentID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM message_recipients WHERE message_id = ? AND agent_id = ?
		`, messageID, agentID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check recipient: %w", err)
		}
		if exists == 0 {
			return types.E(types.KindNotFound, "agent is not a recipient of this message")
		}
	}
	return nil
}

// ThreadParticipants returns the agent ids of everyone who sent or received
// a message in the thread.
func (s *Store) ThreadParticipants(ctx context.Context, projectID int64, threadID string) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT m.sender_id
		FROM messages m
		WHERE m.project_id = ? AND (m.msg_id = ? OR m.thread_id = ?)
		UNION
		SELECT DISTINCT r.agent_id
		FROM message_recipients r JOIN messages m ON r.message_id = m.id
		WHERE m.project_id = ? AND (m.msg_id = ? OR m.thread_id = ?)
	`, projectID, threadID, threadID, projectID, threadID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HadDirectMessage reports whether either agent delivered a message to the
// other after the given instant.
func (s *Store) HadDirectMessage(ctx context.Context, projectID, senderID, recipientID int64, since time.Time) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m JOIN message_recipients r ON r.message_id = m.id
		WHERE m.project_id = ? AND m.created_at > ?
		  AND ((m.sender_id = ? AND r.agent_id = ?) OR (m.sender_id = ? AND r.agent_id = ?))
	`, projectID, since.UTC(), senderID, recipientID, recipientID, senderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query direct history: %w", err)
	}
	return n > 0, nil
}

// OverdueAcks finds recipients who have not acknowledged an ack_required
// message created before the cutoff, across all projects.
func (s *Store) OverdueAcks(ctx context.Context, before time.Time) ([]storage.OverdueAck, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT m.project_id, p.slug, m.msg_id, m.subject, sa.name, ra.name, ra.id, m.created_at
		FROM message_recipients r
		JOIN messages m ON r.message_id = m.id
		JOIN projects p ON m.project_id = p.id
		JOIN agents sa ON m.sender_id = sa.id
		JOIN agents ra ON r.agent_id = ra.id
		WHERE m.ack_required = 1 AND r.ack_at IS NULL AND m.created_at < ?
		ORDER BY m.created_at ASC
	`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue acks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.OverdueAck
	for rows.Next() {
		var o storage.OverdueAck
		if err := rows.Scan(&o.ProjectID, &o.ProjectSlug, &o.MsgID, &o.Subject,
			&o.Sender, &o.Recipient, &o.RecipientID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan overdue ack: %w", err)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func finishMessage(m *types.Message, importance string, ack int, attachments string) {
	m.Importance = types.Importance(importance)
	m.AckRequired = ack != 0
	m.CreatedAt = m.CreatedAt.UTC()
	if attachments != "" && attachments != "[]" {
		_ = json.Unmarshal([]byte(attachments), &m.Attachments)
	}
}
