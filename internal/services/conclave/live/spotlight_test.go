package live

import (
	"context"
	"testing"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
)

func TestSetSpotlightToggles(t *testing.T) {
	h := newHarness(t, session.MediaModeAudioVideo, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	h.join(t, "u2")

	steps := []struct {
		target string
		want   string
	}{
		{target: "u1", want: "u1"},
		{target: "u2", want: "u2"},
		{target: "u2", want: ""},
		{target: "u1", want: "u1"},
		{target: "", want: ""},
	}
	previous := ""
	for i, step := range steps {
		change, err := h.svc.SetSpotlight(ctx, testSession, testHost, step.target)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if change.Previous.ParticipantID != previous || change.Current.ParticipantID != step.want {
			t.Fatalf("step %d: change = %+v", i, change)
		}
		if step.want != "" && change.Current.UpdatedBy != testHost {
			t.Fatalf("step %d: updated by %q", i, change.Current.UpdatedBy)
		}
		previous = step.want
	}
	state, _ := h.svc.Spotlight(ctx, testSession)
	if state.Active() {
		t.Fatalf("spotlight = %+v, want cleared", state)
	}
}

func TestSetSpotlightRules(t *testing.T) {
	h := newHarness(t, session.MediaModeAudioVideo, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")

	if _, err := h.svc.SetSpotlight(ctx, testSession, "u1", "u1"); !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("speaker spotlight: expected unauthorized, got %v", err)
	}
	if _, err := h.svc.SetSpotlight(ctx, testSession, testHost, "ghost"); !apperrors.HasCode(err, apperrors.CodeTargetNotFound) {
		t.Fatalf("expected target not found, got %v", err)
	}
}

func TestSetSpotlightFailureReturnsPrevious(t *testing.T) {
	h := newHarness(t, session.MediaModeAudioVideo, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	h.join(t, "u2")
	if _, err := h.svc.SetSpotlight(ctx, testSession, testHost, "u1"); err != nil {
		t.Fatalf("spotlight u1: %v", err)
	}
	h.store.setFail(func(f *fakeStore) { f.failSpotlight = true })

	change, err := h.svc.SetSpotlight(ctx, testSession, testHost, "u2")
	if !apperrors.HasCode(err, apperrors.CodePersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if change.Previous.ParticipantID != "u1" || change.Current != change.Previous {
		t.Fatalf("change = %+v", change)
	}
	state, _ := h.svc.Spotlight(ctx, testSession)
	if state.ParticipantID != "u1" {
		t.Fatalf("spotlight moved on failure: %+v", state)
	}
}

func TestSpotlightChangeNotifies(t *testing.T) {
	h := newHarness(t, session.MediaModeAudioVideo, testConfig())
	h.forwardChanges(t)
	h.join(t, testHost)
	h.join(t, "u1")
	if _, err := h.svc.SetSpotlight(context.Background(), testSession, testHost, "u1"); err != nil {
		t.Fatalf("spotlight: %v", err)
	}
	event := h.events.waitFor(t, EventSpotlightChanged)
	if event.Spotlight == nil || event.Spotlight.ParticipantID != "u1" || event.ActorID != testHost {
		t.Fatalf("event = %+v", event)
	}
}
