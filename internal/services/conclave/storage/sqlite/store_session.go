package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(ctx context.Context, sess session.Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	op := storage.OpUpdate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
		if isNoRows(err) {
			op = storage.OpInsert
		} else if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, content_id, host_id, mode, status, created_at, updated_at, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    content_id = excluded.content_id,
    host_id = excluded.host_id,
    mode = excluded.mode,
    status = excluded.status,
    updated_at = excluded.updated_at,
    started_at = excluded.started_at,
    ended_at = excluded.ended_at`,
			sess.ID, sess.ContentID, sess.HostID, string(sess.Mode), sess.Status.String(),
			toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
			toNullMillis(sess.StartedAt), toNullMillis(sess.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("put session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	change, buildErr := storage.SessionChange(op, sess)
	s.publish(ctx, change, buildErr)
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	var (
		sess      session.Session
		mode      string
		status    string
		createdAt int64
		updatedAt int64
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, content_id, host_id, mode, status, created_at, updated_at, started_at, ended_at
FROM sessions WHERE id = ?`, sessionID).Scan(
		&sess.ID, &sess.ContentID, &sess.HostID, &mode, &status,
		&createdAt, &updatedAt, &startedAt, &endedAt,
	)
	if isNoRows(err) {
		return session.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	parsedStatus, ok := session.ParseStatus(status)
	if !ok {
		return session.Session{}, fmt.Errorf("get session: unknown status %q", status)
	}
	parsedMode, ok := session.NormalizeMediaMode(mode)
	if !ok {
		return session.Session{}, fmt.Errorf("get session: unknown mode %q", mode)
	}
	sess.Status = parsedStatus
	sess.Mode = parsedMode
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.StartedAt = fromNullMillis(startedAt)
	sess.EndedAt = fromNullMillis(endedAt)
	return sess, nil
}

// PutRole records participantID's role in sessionID.
func (s *Store) PutRole(ctx context.Context, sessionID, participantID string, r role.Role) error {
	if !r.Valid() {
		return fmt.Errorf("put role: unknown role %q", r)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO session_roles (session_id, participant_id, role, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id, participant_id) DO UPDATE SET
    role = excluded.role,
    updated_at = excluded.updated_at`,
		sessionID, participantID, string(r), toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put role: %w", err)
	}
	change, buildErr := storage.RoleChange(storage.OpUpdate, sessionID, participantID, r)
	s.publish(ctx, change, buildErr)
	return nil
}

// ListRoles returns every recorded role in sessionID.
func (s *Store) ListRoles(ctx context.Context, sessionID string) (map[string]role.Role, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT participant_id, role FROM session_roles WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]role.Role)
	for rows.Next() {
		var participantID, label string
		if err := rows.Scan(&participantID, &label); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if r, ok := role.Parse(label); ok {
			out[participantID] = r
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return out, nil
}

// ClearRoles forgets every role recorded for sessionID.
func (s *Store) ClearRoles(ctx context.Context, sessionID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM session_roles WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear roles: %w", err)
	}
	return nil
}
