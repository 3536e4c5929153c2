// Package chat defines session chat messages and their validation rules.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
)

const (
	// MaxBodyRunes bounds a single chat message.
	MaxBodyRunes = 2000
	// MaxClientMessageIDRunes bounds the sender-chosen idempotency key.
	MaxClientMessageIDRunes = 128
)

// Message is one chat line.
type Message struct {
	ID              string
	SessionID       string
	AuthorID        string
	AuthorName      string
	Body            string
	ClientMessageID string
	CreatedAt       time.Time
	Hidden          bool
}

// Normalize trims and validates a send request.
func Normalize(body, clientMessageID string) (string, string, error) {
	body = strings.TrimSpace(body)
	clientMessageID = strings.TrimSpace(clientMessageID)
	if body == "" {
		return "", "", apperrors.WithMetadata(apperrors.CodeMessageInvalid, "message body is required", map[string]string{"Reason": "empty"})
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return "", "", apperrors.WithMetadata(apperrors.CodeMessageInvalid, "message body is too long", map[string]string{"Reason": "too_long"})
	}
	if utf8.RuneCountInString(clientMessageID) > MaxClientMessageIDRunes {
		return "", "", apperrors.WithMetadata(apperrors.CodeMessageInvalid, "client message id is too long", map[string]string{"Reason": "client_id_too_long"})
	}
	return body, clientMessageID, nil
}

// SameContent reports whether a and b were likely produced by the same send:
// same author, same body and created within window of each other.
func SameContent(a, b Message, window time.Duration) bool {
	if a.AuthorID != b.AuthorID || a.Body != b.Body {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
