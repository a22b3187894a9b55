package mailbus

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/types"
)

// SendInput describes an outgoing message.
type SendInput struct {
	From        string
	To          []string
	Subject     string
	Body        string
	ThreadID    string // empty starts a new thread
	Importance  types.Importance
	AckRequired bool
}

// SendMessage delivers a message to each recipient's inbox. Recipients
// must be registered agents; the recipient rows carry a real foreign key
// to the message, so the engine enforces referential integrity. A message
// without a thread ID starts a new thread with a generated "th-" ID.
func (b *Bus) SendMessage(ctx context.Context, projectKey string, in SendInput) (*types.Message, error) {
	const op = "mailbus.SendMessage"

	if in.From == "" {
		return nil, errs.Validation(op, "from", "sender is required")
	}
	if len(in.To) == 0 {
		return nil, errs.Validation(op, "to", "at least one recipient is required")
	}
	if in.Importance == "" {
		in.Importance = types.ImportanceNormal
	}
	if !in.Importance.IsValid() {
		return nil, errs.Validation(op, "importance", fmt.Sprintf("invalid importance %q", in.Importance))
	}

	msg := &types.Message{
		ProjectKey:  projectKey,
		FromAgent:   in.From,
		Subject:     in.Subject,
		Body:        in.Body,
		ThreadID:    in.ThreadID,
		Importance:  in.Importance,
		AckRequired: in.AckRequired,
		CreatedAt:   time.Now().UTC(),
	}

	err := b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, to := range in.To {
			var one int
			err := conn.QueryRowContext(ctx,
				`SELECT 1 FROM agents WHERE project_key = ? AND name = ?`, projectKey, to).Scan(&one)
			if err == sql.ErrNoRows {
				return errs.NotFound(op, fmt.Sprintf("recipient agent %q", to))
			}
			if err != nil {
				return err
			}
		}

		if msg.ThreadID == "" {
			msg.ThreadID = "th-" + uuid.NewString()[:8]
		}

		res, err := conn.ExecContext(ctx, `
			INSERT INTO messages (project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			projectKey, msg.FromAgent, msg.Subject, msg.Body, msg.ThreadID,
			string(msg.Importance), msg.AckRequired, types.Millis(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, to := range in.To {
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO recipients (message_id, agent) VALUES (?, ?)`, msg.ID, to); err != nil {
				return fmt.Errorf("insert recipient %s: %w", to, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// InboxFilter narrows a GetInbox call.
type InboxFilter struct {
	UnreadOnly  bool
	UnackedOnly bool // messages with ack_required still awaiting this agent's ack
	Importance  types.Importance
	Limit       int
}

// InboxEntry is a message plus this agent's read/ack state.
type InboxEntry struct {
	Message *types.Message `json:"message"`
	ReadAt  *time.Time     `json:"read_at,omitempty"`
	AckedAt *time.Time     `json:"acked_at,omitempty"`
}

// GetInbox returns the agent's received messages, newest first.
func (b *Bus) GetInbox(ctx context.Context, projectKey, agent string, filter InboxFilter) ([]*InboxEntry, error) {
	where := []string{"m.project_key = ?", "r.agent = ?"}
	args := []any{projectKey, agent}

	if filter.UnreadOnly {
		where = append(where, "r.read_at IS NULL")
	}
	if filter.UnackedOnly {
		where = append(where, "m.ack_required = 1", "r.acked_at IS NULL")
	}
	if filter.Importance != "" {
		where = append(where, "m.importance = ?")
		args = append(args, string(filter.Importance))
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.project_key, m.from_agent, m.subject, m.body, m.thread_id,
			m.importance, m.ack_required, m.created_at, r.read_at, r.acked_at
		FROM messages m
		JOIN recipients r ON r.message_id = m.id
		WHERE %s
		ORDER BY m.created_at DESC, m.id DESC`, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := b.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inbox of %s: %w", agent, err)
	}
	defer rows.Close()

	var entries []*InboxEntry
	for rows.Next() {
		entry, err := scanInboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanInboxEntry(rows *sql.Rows) (*InboxEntry, error) {
	var (
		createdAt       int64
		threadID        sql.NullString
		readAt, ackedAt sql.NullInt64
		msg             types.Message
	)
	if err := rows.Scan(&msg.ID, &msg.ProjectKey, &msg.FromAgent, &msg.Subject, &msg.Body,
		&threadID, &msg.Importance, &msg.AckRequired, &createdAt, &readAt, &ackedAt); err != nil {
		return nil, err
	}
	msg.ThreadID = threadID.String
	msg.CreatedAt = types.FromMillis(createdAt)

	entry := &InboxEntry{Message: &msg}
	if readAt.Valid {
		entry.ReadAt = types.FromMillisPtr(&readAt.Int64)
	}
	if ackedAt.Valid {
		entry.AckedAt = types.FromMillisPtr(&ackedAt.Int64)
	}
	return entry, nil
}

// MarkRead stamps the agent's read timestamp on a message. Already-read
// messages keep their original timestamp.
func (b *Bus) MarkRead(ctx context.Context, projectKey string, messageID int64, agent string) error {
	const op = "mailbus.MarkRead"

	return b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE recipients SET read_at = ?
			WHERE message_id = ? AND agent = ? AND read_at IS NULL`,
			types.Millis(time.Now().UTC()), messageID, agent)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			// Either already read (fine) or not a recipient (not found).
			var one int
			err := conn.QueryRowContext(ctx,
				`SELECT 1 FROM recipients WHERE message_id = ? AND agent = ?`, messageID, agent).Scan(&one)
			if err == sql.ErrNoRows {
				return errs.NotFound(op, fmt.Sprintf("message %d for agent %q", messageID, agent))
			}
			return err
		}
		return nil
	})
}

// Ack acknowledges a message that required it, implicitly marking it read.
func (b *Bus) Ack(ctx context.Context, projectKey string, messageID int64, agent string) error {
	const op = "mailbus.Ack"

	return b.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := types.Millis(time.Now().UTC())
		res, err := conn.ExecContext(ctx, `
			UPDATE recipients SET acked_at = ?, read_at = COALESCE(read_at, ?)
			WHERE message_id = ? AND agent = ? AND acked_at IS NULL`,
			now, now, messageID, agent)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			var one int
			err := conn.QueryRowContext(ctx,
				`SELECT 1 FROM recipients WHERE message_id = ? AND agent = ?`, messageID, agent).Scan(&one)
			if err == sql.ErrNoRows {
				return errs.NotFound(op, fmt.Sprintf("message %d for agent %q", messageID, agent))
			}
			return err
		}
		return nil
	})
}

// GetThreadMessages returns a thread's messages ordered by created_at,
// ties broken by message ID.
func (b *Bus) GetThreadMessages(ctx context.Context, projectKey, threadID string) ([]*types.Message, error) {
	rows, err := b.store.DB().QueryContext(ctx, `
		SELECT id, project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at
		FROM messages
		WHERE project_key = ? AND thread_id = ?
		ORDER BY created_at, id`, projectKey, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		var (
			msg       types.Message
			threadCol sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ProjectKey, &msg.FromAgent, &msg.Subject, &msg.Body,
			&threadCol, &msg.Importance, &msg.AckRequired, &createdAt); err != nil {
			return nil, err
		}
		msg.ThreadID = threadCol.String
		msg.CreatedAt = types.FromMillis(createdAt)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}
