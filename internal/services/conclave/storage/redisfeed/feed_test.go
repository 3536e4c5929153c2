package redisfeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

func TestDecodeMessage(t *testing.T) {
	payload, err := json.Marshal(storage.Change{Table: storage.TableRoles, Op: storage.OpUpdate, SessionID: "s", Payload: json.RawMessage(`{"participant_id":"u","role":"speaker"}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	change, err := DecodeMessage(string(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	participantID, r, err := change.DecodeRole()
	if err != nil || participantID != "u" || r != "speaker" {
		t.Fatalf("DecodeRole = %q, %q, %v", participantID, r, err)
	}

	for _, bad := range []string{"not json", `{"table":"roles"}`, `{"session_id":"s"}`} {
		if _, err := DecodeMessage(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestChannelNaming(t *testing.T) {
	feed := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	defer feed.Close()
	if got := feed.Channel("abc"); got != "conclave:changes:abc" {
		t.Fatalf("channel = %q", got)
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), " "); err == nil {
		t.Fatal("expected error for blank url")
	}
	if _, err := Dial(context.Background(), "http://not-redis"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func newTestFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	feed, err := Dial(context.Background(), "redis://"+server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })
	return feed, server
}

func receive(t *testing.T, ch <-chan storage.Change) storage.Change {
	t.Helper()
	select {
	case change, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return storage.Change{}
}

func TestPublishReachesSessionAndGlobalSubscribers(t *testing.T) {
	ctx := context.Background()
	feed, _ := newTestFeed(t)

	session, releaseSession, err := feed.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe s1: %v", err)
	}
	defer releaseSession()
	all, releaseAll, err := feed.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	defer releaseAll()

	other := storage.Change{Table: storage.TableSessions, Op: storage.OpUpdate, SessionID: "s2", Payload: json.RawMessage(`{}`)}
	mine := storage.Change{Table: storage.TableRoles, Op: storage.OpUpdate, SessionID: "s1", Payload: json.RawMessage(`{"participant_id":"u","role":"speaker"}`)}
	for _, change := range []storage.Change{other, mine} {
		if err := feed.Publish(ctx, change); err != nil {
			t.Fatalf("publish %s: %v", change.SessionID, err)
		}
	}

	if got := receive(t, session); got.SessionID != "s1" || got.Table != storage.TableRoles {
		t.Fatalf("session subscriber got %+v", got)
	}
	first, second := receive(t, all), receive(t, all)
	if first.SessionID != "s2" || second.SessionID != "s1" {
		t.Fatalf("global subscriber order = %q, %q", first.SessionID, second.SessionID)
	}
	participantID, r, err := second.DecodeRole()
	if err != nil || participantID != "u" || r != "speaker" {
		t.Fatalf("DecodeRole = %q, %q, %v", participantID, r, err)
	}
}

func TestSubscriptionSkipsMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	feed, server := newTestFeed(t)

	ch, release, err := feed.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	server.Publish(feed.Channel("s1"), "not json")
	if err := feed.Publish(ctx, storage.Change{Table: storage.TableSpotlights, Op: storage.OpUpdate, SessionID: "s1", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, ch); got.Table != storage.TableSpotlights {
		t.Fatalf("got %+v", got)
	}
}

func TestReleaseClosesSubscription(t *testing.T) {
	feed, _ := newTestFeed(t)
	ch, release, err := feed.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	release()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after release")
	}
}
