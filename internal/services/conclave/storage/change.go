package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
)

// Table names a change source.
type Table string

const (
	TableSessions     Table = "sessions"
	TableRoles        Table = "roles"
	TableSpotlights   Table = "spotlights"
	TableChatMessages Table = "chat_messages"
)

// Op names the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one committed row change.
type Change struct {
	Table     Table           `json:"table"`
	Op        Op              `json:"op"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher fans out committed changes.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Feed is a change notification source. Subscribing with an empty sessionID
// receives every session's changes. The returned cancel func releases the
// subscription; the channel is closed once released or ctx ends.
type Feed interface {
	Publisher
	Subscribe(ctx context.Context, sessionID string) (<-chan Change, func(), error)
}

// SessionRecord is the change payload for TableSessions.
type SessionRecord struct {
	ID        string     `json:"id"`
	ContentID string     `json:"content_id"`
	HostID    string     `json:"host_id"`
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RoleRecord is the change payload for TableRoles.
type RoleRecord struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
}

// SpotlightRecord is the change payload for TableSpotlights.
type SpotlightRecord struct {
	ParticipantID string    `json:"participant_id"`
	UpdatedBy     string    `json:"updated_by"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MessageRecord is the change payload for TableChatMessages.
type MessageRecord struct {
	ID              string    `json:"id"`
	AuthorID        string    `json:"author_id"`
	AuthorName      string    `json:"author_name"`
	Body            string    `json:"body"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Hidden          bool      `json:"hidden"`
}

// SessionChange builds the change for a session write.
func SessionChange(op Op, sess session.Session) (Change, error) {
	return newChange(TableSessions, op, sess.ID, SessionRecord{
		ID:        sess.ID,
		ContentID: sess.ContentID,
		HostID:    sess.HostID,
		Mode:      string(sess.Mode),
		Status:    sess.Status.String(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		StartedAt: sess.StartedAt,
		EndedAt:   sess.EndedAt,
	})
}

// RoleChange builds the change for a role write.
func RoleChange(op Op, sessionID, participantID string, r role.Role) (Change, error) {
	return newChange(TableRoles, op, sessionID, RoleRecord{ParticipantID: participantID, Role: string(r)})
}

// SpotlightChange builds the change for a spotlight write.
func SpotlightChange(sessionID string, state spotlight.State) (Change, error) {
	return newChange(TableSpotlights, OpUpdate, sessionID, SpotlightRecord{
		ParticipantID: state.ParticipantID,
		UpdatedBy:     state.UpdatedBy,
		UpdatedAt:     state.UpdatedAt,
	})
}

// MessageChange builds the change for a chat message write.
func MessageChange(op Op, msg chat.Message) (Change, error) {
	return newChange(TableChatMessages, op, msg.SessionID, MessageRecord{
		ID:              msg.ID,
		AuthorID:        msg.AuthorID,
		AuthorName:      msg.AuthorName,
		Body:            msg.Body,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       msg.CreatedAt,
		Hidden:          msg.Hidden,
	})
}

func newChange(table Table, op Op, sessionID string, record any) (Change, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return Change{}, fmt.Errorf("encode %s change: %w", table, err)
	}
	return Change{Table: table, Op: op, SessionID: sessionID, Payload: payload}, nil
}

// DecodeSpotlight reads a TableSpotlights payload.
func (c Change) DecodeSpotlight() (spotlight.State, error) {
	var record SpotlightRecord
	if err := c.decode(TableSpotlights, &record); err != nil {
		return spotlight.State{}, err
	}
	return spotlight.State{ParticipantID: record.ParticipantID, UpdatedBy: record.UpdatedBy, UpdatedAt: record.UpdatedAt}, nil
}

// DecodeRole reads a TableRoles payload.
func (c Change) DecodeRole() (string, role.Role, error) {
	var record RoleRecord
	if err := c.decode(TableRoles, &record); err != nil {
		return "", "", err
	}
	r, ok := role.Parse(record.Role)
	if !ok {
		return "", "", fmt.Errorf("decode roles change: unknown role %q", record.Role)
	}
	return record.ParticipantID, r, nil
}

// DecodeMessage reads a TableChatMessages payload.
func (c Change) DecodeMessage() (chat.Message, error) {
	var record MessageRecord
	if err := c.decode(TableChatMessages, &record); err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:              record.ID,
		SessionID:       c.SessionID,
		AuthorID:        record.AuthorID,
		AuthorName:      record.AuthorName,
		Body:            record.Body,
		ClientMessageID: record.ClientMessageID,
		CreatedAt:       record.CreatedAt,
		Hidden:          record.Hidden,
	}, nil
}

// DecodeSession reads a TableSessions payload.
func (c Change) DecodeSession() (session.Session, error) {
	var record SessionRecord
	if err := c.decode(TableSessions, &record); err != nil {
		return session.Session{}, err
	}
	status, ok := session.ParseStatus(record.Status)
	if !ok {
		return session.Session{}, fmt.Errorf("decode sessions change: unknown status %q", record.Status)
	}
	mode, _ := session.NormalizeMediaMode(record.Mode)
	return session.Session{
		ID:        record.ID,
		ContentID: record.ContentID,
		HostID:    record.HostID,
		Mode:      mode,
		Status:    status,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		StartedAt: record.StartedAt,
		EndedAt:   record.EndedAt,
	}, nil
}

func (c Change) decode(table Table, target any) error {
	if c.Table != table {
		return fmt.Errorf("decode %s change: got table %s", table, c.Table)
	}
	if err := json.Unmarshal(c.Payload, target); err != nil {
		return fmt.Errorf("decode %s change: %w", table, err)
	}
	return nil
}
