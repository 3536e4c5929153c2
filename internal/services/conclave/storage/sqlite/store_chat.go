package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

const messageColumns = `id, session_id, author_id, author_name, body, client_message_id, created_at, hidden`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg       chat.Message
		createdAt int64
		hidden    int
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.AuthorID, &msg.AuthorName, &msg.Body, &msg.ClientMessageID, &createdAt, &hidden); err != nil {
		return chat.Message{}, err
	}
	msg.CreatedAt = fromMillis(createdAt)
	msg.Hidden = hidden != 0
	return msg, nil
}

// AppendMessage inserts msg. A duplicate id or client message id returns the
// stored copy and publishes nothing. The insert is rejected with
// storage.ErrSessionEnded once the session has ended.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.SessionID) == "" {
		return chat.Message{}, fmt.Errorf("append message: id and session id are required")
	}
	var (
		stored   chat.Message
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, msg.SessionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if status == session.StatusEnded.String() {
			return storage.ErrSessionEnded
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (`+messageColumns+`)
SELECT ?, ?, ?, ?, ?, ?, ?, 0
WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ? AND status <> ?)
ON CONFLICT DO NOTHING`,
			msg.ID, msg.SessionID, msg.AuthorID, msg.AuthorName, msg.Body, msg.ClientMessageID, toMillis(msg.CreatedAt),
			msg.SessionID, session.StatusEnded.String(),
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		inserted = affected > 0

		stored, err = scanMessage(tx.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM chat_messages
WHERE id = ?
   OR (session_id = ? AND author_id = ? AND client_message_id = ? AND client_message_id <> '')
ORDER BY seq LIMIT 1`,
			msg.ID, msg.SessionID, msg.AuthorID, msg.ClientMessageID,
		))
		if err != nil {
			return fmt.Errorf("load appended message: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	if inserted {
		change, buildErr := storage.MessageChange(storage.OpInsert, stored)
		s.publish(ctx, change, buildErr)
	}
	return stored, nil
}

// HideMessage sets the hidden flag. The body is retained.
func (s *Store) HideMessage(ctx context.Context, sessionID, messageID string) (chat.Message, error) {
	var stored chat.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chat_messages SET hidden = 1 WHERE session_id = ? AND id = ?`, sessionID, messageID)
		if err != nil {
			return fmt.Errorf("hide message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("hide message: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}
		stored, err = scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, messageID))
		if err != nil {
			return fmt.Errorf("load hidden message: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	change, buildErr := storage.MessageChange(storage.OpUpdate, stored)
	s.publish(ctx, change, buildErr)
	return stored, nil
}

// ListMessages returns the most recent non-hidden messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+messageColumns+` FROM (
    SELECT seq, `+messageColumns+` FROM chat_messages
    WHERE session_id = ? AND hidden = 0
    ORDER BY seq DESC
    LIMIT ?
) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}
