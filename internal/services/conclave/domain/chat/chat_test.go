package chat

import (
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
)

func TestNormalize(t *testing.T) {
	body, clientID, err := Normalize("  hello  ", " c-1 ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if body != "hello" || clientID != "c-1" {
		t.Fatalf("got %q, %q", body, clientID)
	}

	tests := []struct {
		name     string
		body     string
		clientID string
	}{
		{name: "empty", body: "   "},
		{name: "too long", body: strings.Repeat("é", MaxBodyRunes+1)},
		{name: "client id too long", body: "ok", clientID: strings.Repeat("x", MaxClientMessageIDRunes+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Normalize(tt.body, tt.clientID); !apperrors.HasCode(err, apperrors.CodeMessageInvalid) {
				t.Fatalf("expected message invalid, got %v", err)
			}
		})
	}
}

func TestNormalizeCountsRunes(t *testing.T) {
	if _, _, err := Normalize(strings.Repeat("é", MaxBodyRunes), ""); err != nil {
		t.Fatalf("expected limit to count runes, got %v", err)
	}
}

func TestSameContent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Message{AuthorID: "u", Body: "hi", CreatedAt: base}
	if !SameContent(a, Message{AuthorID: "u", Body: "hi", CreatedAt: base.Add(-2 * time.Second)}, 5*time.Second) {
		t.Fatal("expected match inside window")
	}
	if SameContent(a, Message{AuthorID: "u", Body: "hi", CreatedAt: base.Add(6 * time.Second)}, 5*time.Second) {
		t.Fatal("expected no match outside window")
	}
	if SameContent(a, Message{AuthorID: "v", Body: "hi", CreatedAt: base}, 5*time.Second) {
		t.Fatal("expected no match for different author")
	}
}
