// Package storage defines the durable store and change notification
// contracts used by the conclave facade.
//
// The durable store is the writer-of-record for sessions, roles, spotlight
// and chat messages. Every committed write is published as a Change; the
// change stream is the only ordering authority participants converge on.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrSessionEnded is returned when a write targets an ended session.
	ErrSessionEnded = errors.New("storage: session ended")
)

// SessionStore persists session lifecycle records.
type SessionStore interface {
	PutSession(ctx context.Context, sess session.Session) error
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
}

// RoleStore persists session-scoped roles. Roles are cleared when the
// session ends.
type RoleStore interface {
	PutRole(ctx context.Context, sessionID, participantID string, r role.Role) error
	ListRoles(ctx context.Context, sessionID string) (map[string]role.Role, error)
	ClearRoles(ctx context.Context, sessionID string) error
}

// SpotlightStore holds the spotlight pointer of each session.
type SpotlightStore interface {
	// PutSpotlight atomically replaces the spotlight and returns the stored
	// value.
	PutSpotlight(ctx context.Context, sessionID string, state spotlight.State) (spotlight.State, error)
	GetSpotlight(ctx context.Context, sessionID string) (spotlight.State, error)
}

// ChatStore is the append-only chat log.
type ChatStore interface {
	// AppendMessage inserts msg. Appending a message whose id already exists
	// returns the stored copy without publishing a change. Appending to an
	// ended session returns ErrSessionEnded.
	AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	HideMessage(ctx context.Context, sessionID, messageID string) (chat.Message, error)
	// ListMessages returns up to limit of the most recent non-hidden messages,
	// oldest first.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
}

// Store is the full durable store.
type Store interface {
	SessionStore
	RoleStore
	SpotlightStore
	ChatStore
}
