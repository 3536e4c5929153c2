package handraise

import (
	"testing"
	"time"
)

func TestQueueOrderAndDedup(t *testing.T) {
	var q Queue
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !q.Raise("a", base) {
		t.Fatal("expected first raise to add")
	}
	q.Raise("b", base.Add(time.Second))
	if q.Raise("a", base.Add(2*time.Second)) {
		t.Fatal("expected duplicate raise to be ignored")
	}
	got := q.List()
	if len(got) != 2 || got[0].ParticipantID != "a" || got[1].ParticipantID != "b" {
		t.Fatalf("unexpected queue: %+v", got)
	}
	if !got[0].RaisedAt.Equal(base) {
		t.Fatalf("duplicate raise moved timestamp: %v", got[0].RaisedAt)
	}
}

func TestQueueLower(t *testing.T) {
	var q Queue
	now := time.Now()
	q.Raise("a", now)
	q.Raise("b", now)
	q.Raise("c", now)
	if !q.Lower("b") {
		t.Fatal("expected lower to remove b")
	}
	if q.Lower("b") {
		t.Fatal("expected second lower to be a no-op")
	}
	if q.Contains("b") || q.Len() != 2 {
		t.Fatalf("unexpected queue: %+v", q.List())
	}
	if got := q.List(); got[0].ParticipantID != "a" || got[1].ParticipantID != "c" {
		t.Fatalf("unexpected order after lower: %+v", got)
	}
}

func TestQueueListIsCopy(t *testing.T) {
	var q Queue
	q.Raise("a", time.Now())
	list := q.List()
	list[0].ParticipantID = "z"
	if !q.Contains("a") {
		t.Fatal("List must not alias internal storage")
	}
}
