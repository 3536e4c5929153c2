package live

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
)

func TestPromotionGrantsBeforeCommitAndLowersHand(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	if err := h.svc.RaiseHand(ctx, testSession, "u1"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	hands, _ := h.svc.ListRaised(ctx, testSession)
	if len(hands) != 1 || hands[0].ParticipantID != "u1" {
		t.Fatalf("hands = %+v", hands)
	}

	got, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Speaker)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got != role.Speaker {
		t.Fatalf("role = %q", got)
	}
	grant := h.log.index("grant:u1:audio")
	commit := h.log.index("put_role:u1:speaker")
	if grant < 0 || commit < 0 || grant > commit {
		t.Fatalf("grant must precede commit: grant=%d commit=%d", grant, commit)
	}
	hands, _ = h.svc.ListRaised(ctx, testSession)
	if len(hands) != 0 {
		t.Fatalf("promoted participant still queued: %+v", hands)
	}
	if got := h.permissions("u1"); !reflect.DeepEqual(got, []string{"audio", "data"}) {
		t.Fatalf("permissions = %v", got)
	}
}

func TestPromotionRetriesGrantOnce(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	h.join(t, testHost)
	h.join(t, "u1")
	h.transport.set(func(ft *fakeTransport) { ft.grantFailures = 1 })
	if _, err := h.svc.SetRole(context.Background(), testSession, testHost, "u1", role.Speaker); err != nil {
		t.Fatalf("promote after one failure: %v", err)
	}
}

func TestPromotionTransportFailureKeepsListenerAndHand(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	if err := h.svc.RaiseHand(ctx, testSession, "u1"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	h.transport.set(func(ft *fakeTransport) { ft.grantFailures = 2 })

	_, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Speaker)
	if !apperrors.HasCode(err, apperrors.CodeTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if !errors.Is(err, media.ErrUnavailable) {
		t.Fatalf("expected wrapped transport cause, got %v", err)
	}
	assertListenerWithHand(t, h)
	if h.log.index("put_role:u1:speaker") >= 0 {
		t.Fatal("role must not be committed when the grant fails")
	}
}

func TestPromotionPersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	if err := h.svc.RaiseHand(ctx, testSession, "u1"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	h.store.setFail(func(f *fakeStore) { f.failPutRole = true })

	_, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Speaker)
	if !apperrors.HasCode(err, apperrors.CodePersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	assertListenerWithHand(t, h)
	if got := h.permissions("u1"); !reflect.DeepEqual(got, []string{"data"}) {
		t.Fatalf("grant not rolled back: %v", got)
	}
}

func assertListenerWithHand(t *testing.T, h *harness) {
	t.Helper()
	participants, _ := h.svc.Participants(context.Background(), testSession)
	for _, p := range participants {
		if p.ID == "u1" {
			if p.Role != role.Listener || !p.HandRaised {
				t.Fatalf("u1 = %+v, want listener with raised hand", p)
			}
		}
	}
	hands, _ := h.svc.ListRaised(context.Background(), testSession)
	if len(hands) != 1 || hands[0].ParticipantID != "u1" {
		t.Fatalf("hand dequeued on failed promotion: %+v", hands)
	}
}

func TestDemotionIsBestEffortAndReconciled(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	if _, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Speaker); err != nil {
		t.Fatalf("promote: %v", err)
	}
	h.transport.set(func(ft *fakeTransport) { ft.revokeErr = media.ErrUnavailable })

	got, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Listener)
	if err != nil {
		t.Fatalf("demote with failing revoke: %v", err)
	}
	if got != role.Listener || h.store.storedRole(testSession, "u1") != role.Listener {
		t.Fatalf("role = %q, stored = %q", got, h.store.storedRole(testSession, "u1"))
	}
	if perms := h.permissions("u1"); !reflect.DeepEqual(perms, []string{"audio", "data"}) {
		t.Fatalf("permissions before reconcile = %v", perms)
	}

	h.transport.set(func(ft *fakeTransport) { ft.revokeErr = nil })
	h.svc.reconcile(ctx)
	if perms := h.permissions("u1"); !reflect.DeepEqual(perms, []string{"data"}) {
		t.Fatalf("permissions after reconcile = %v", perms)
	}
}

func TestDemotionNeverRequeuesHand(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	_ = h.svc.RaiseHand(ctx, testSession, "u1")
	if _, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Speaker); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := h.svc.SetRole(ctx, testSession, "u1", "u1", role.Listener); err != nil {
		t.Fatalf("self demotion: %v", err)
	}
	hands, _ := h.svc.ListRaised(ctx, testSession)
	if len(hands) != 0 {
		t.Fatalf("demotion re-added hand: %+v", hands)
	}
}

func TestSetRoleRules(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, testAdmin)
	h.join(t, "u1")
	h.join(t, "u2")

	tests := []struct {
		name   string
		actor  string
		target string
		role   role.Role
		code   apperrors.Code
	}{
		{name: "listener promotes other", actor: "u1", target: "u2", role: role.Speaker, code: apperrors.CodeUnauthorized},
		{name: "listener promotes self", actor: "u1", target: "u1", role: role.Speaker, code: apperrors.CodeUnauthorized},
		{name: "admin demotes host", actor: testAdmin, target: testHost, role: role.Listener, code: apperrors.CodeInvalidTransition},
		{name: "host makes admin", actor: testHost, target: "u1", role: role.Admin, code: apperrors.CodeInvalidTransition},
		{name: "missing target", actor: testHost, target: "ghost", role: role.Speaker, code: apperrors.CodeTargetNotFound},
		{name: "absent actor", actor: "ghost", target: "u1", role: role.Speaker, code: apperrors.CodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.SetRole(ctx, testSession, tt.actor, tt.target, tt.role); !apperrors.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}

	if got, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Listener); err != nil || got != role.Listener {
		t.Fatalf("same-role change = %q, %v", got, err)
	}
}

func TestHostRoleNeverChanges(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, testAdmin)
	for _, target := range []role.Role{role.Listener, role.Speaker, role.Admin} {
		_, _ = h.svc.SetRole(ctx, testSession, testAdmin, testHost, target)
	}
	participants, _ := h.svc.Participants(ctx, testSession)
	hosts := 0
	for _, p := range participants {
		if p.Role == role.Host {
			hosts++
			if p.ID != testHost {
				t.Fatalf("unexpected host %q", p.ID)
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("hosts = %d, want 1", hosts)
	}
}

func TestRoleChangeReachesNotifierThroughFeed(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	h.forwardChanges(t)
	h.join(t, testHost)
	h.join(t, "u1")
	if _, err := h.svc.SetRole(context.Background(), testSession, testHost, "u1", role.Speaker); err != nil {
		t.Fatalf("promote: %v", err)
	}
	eventually(t, "role.changed for u1", func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		for _, event := range h.events.events {
			if event.Type == EventRoleChanged && event.ParticipantID == "u1" && event.Role == role.Speaker {
				return true
			}
		}
		return false
	})
}

func TestPromotionBroadcastsMetadata(t *testing.T) {
	h := newHarness(t, session.MediaModeAudio, testConfig())
	ctx := context.Background()
	h.join(t, testHost)
	h.join(t, "u1")
	if _, err := h.svc.SetRole(ctx, testSession, testHost, "u1", role.Speaker); err != nil {
		t.Fatalf("promote: %v", err)
	}
	var meta struct {
		Role       string `json:"role"`
		HandRaised bool   `json:"hand_raised"`
	}
	if err := json.Unmarshal(h.transport.Metadata(testSession, "u1"), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Role != "speaker" || meta.HandRaised {
		t.Fatalf("metadata = %+v", meta)
	}
}
