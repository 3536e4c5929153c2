package server

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/live"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

func TestCodeName(t *testing.T) {
	tests := []struct {
		code codes.Code
		want string
	}{
		{codes.OK, "OK"},
		{codes.Internal, "INTERNAL"},
		{codes.InvalidArgument, "INVALID_ARGUMENT"},
		{codes.PermissionDenied, "PERMISSION_DENIED"},
		{codes.FailedPrecondition, "FAILED_PRECONDITION"},
		{codes.ResourceExhausted, "RESOURCE_EXHAUSTED"},
	}
	for _, tc := range tests {
		if got := codeName(tc.code); got != tc.want {
			t.Fatalf("codeName(%v) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestErrorPayload(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		code       string
		domainCode string
		retryable  bool
	}{
		{
			name:       "domain error",
			err:        apperrors.New(apperrors.CodeUnauthorized, "nope"),
			code:       "PERMISSION_DENIED",
			domainCode: "UNAUTHORIZED",
		},
		{
			name:       "wrapped transport failure",
			err:        fmt.Errorf("grant: %w", apperrors.New(apperrors.CodeTransportFailure, "down")),
			code:       "UNAVAILABLE",
			domainCode: "TRANSPORT_FAILURE",
			retryable:  true,
		},
		{
			name: "payload decode",
			err:  fmt.Errorf("%w: bad", errInvalidPayload),
			code: "INVALID_ARGUMENT",
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			code: "INTERNAL",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := errorPayload("en-US", tc.err)
			if got.Code != tc.code || got.DomainCode != tc.domainCode || got.Retryable != tc.retryable {
				t.Fatalf("payload = %+v", got)
			}
			if got.Message == "" {
				t.Fatal("expected message")
			}
		})
	}
}

func TestEventFrame(t *testing.T) {
	msg := chat.Message{ID: "m1", SessionID: "s1", AuthorID: "u1", Body: "hi", Hidden: true}
	tests := []struct {
		event live.Event
		want  string
		ok    bool
	}{
		{live.Event{Type: live.EventParticipantLeft, ParticipantID: "u1"}, wire.TypeParticipantLeft, true},
		{live.Event{Type: live.EventParticipantKicked, ParticipantID: "u1", ActorID: "h"}, wire.TypeParticipantKicked, true},
		{live.Event{Type: live.EventRoleChanged, ParticipantID: "u1", Role: role.Speaker}, wire.TypeRoleChanged, true},
		{live.Event{Type: live.EventChatHidden, Message: &msg}, wire.TypeChatHidden, true},
		{live.Event{Type: live.EventChatPersisted, Message: &msg}, wire.TypeChatPersisted, true},
		{live.Event{Type: live.EventSpotlightChanged}, "", false},
		{live.Event{Type: live.EventSessionEnded}, "", false},
		{live.Event{Type: "unknown"}, "", false},
	}
	for _, tc := range tests {
		frame, ok := eventFrame(tc.event)
		if ok != tc.ok || frame.Type != tc.want {
			t.Fatalf("eventFrame(%s) = %q, %v", tc.event.Type, frame.Type, ok)
		}
	}

	frame, _ := eventFrame(live.Event{Type: live.EventChatHidden, Message: &msg})
	var hidden wire.ChatMessage
	if err := frame.Decode(&hidden); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hidden.ID != "m1" || !hidden.Hidden {
		t.Fatalf("hidden = %+v", hidden)
	}
}
