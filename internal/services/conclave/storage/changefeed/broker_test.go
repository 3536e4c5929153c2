package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

func receive(t *testing.T, ch <-chan storage.Change) storage.Change {
	t.Helper()
	select {
	case change, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return change
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return storage.Change{}
}

func TestBrokerFiltersBySession(t *testing.T) {
	ctx := context.Background()
	b := New(4)
	sessionCh, cancelSession, err := b.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelSession()
	allCh, cancelAll, err := b.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	defer cancelAll()

	_ = b.Publish(ctx, storage.Change{Table: storage.TableRoles, SessionID: "s2"})
	_ = b.Publish(ctx, storage.Change{Table: storage.TableSpotlights, SessionID: "s1"})

	if got := receive(t, sessionCh); got.Table != storage.TableSpotlights {
		t.Fatalf("session subscriber got %+v", got)
	}
	if got := receive(t, allCh); got.SessionID != "s2" {
		t.Fatalf("first all-session change = %+v", got)
	}
	if got := receive(t, allCh); got.SessionID != "s1" {
		t.Fatalf("second all-session change = %+v", got)
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := New(1)
	ch, cancel, err := b.Subscribe(context.Background(), "s")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if err := b.Publish(context.Background(), storage.Change{SessionID: "s"}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestBrokerContextEndsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New(1)
	ch, _, err := b.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not released on context end")
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	b := New(1)
	ch, cancel, _ := b.Subscribe(ctx, "")
	defer cancel()
	_ = b.Publish(ctx, storage.Change{SessionID: "a"})
	_ = b.Publish(ctx, storage.Change{SessionID: "b"})
	if got := receive(t, ch); got.SessionID != "a" {
		t.Fatalf("got %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected overflow drop, got %+v", extra)
	default:
	}
}
