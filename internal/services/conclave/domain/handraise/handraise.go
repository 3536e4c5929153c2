// Package handraise implements the ordered set of raised hands.
package handraise

import "time"

// Entry is one raised hand.
type Entry struct {
	ParticipantID string
	RaisedAt      time.Time
}

// Queue is an ordered set of raised hands, oldest first. A participant
// appears at most once. Not safe for concurrent use.
type Queue struct {
	entries []Entry
}

// Raise appends id. Raising an already-raised hand keeps its original
// position and returns false.
func (q *Queue) Raise(id string, at time.Time) bool {
	if q.Contains(id) {
		return false
	}
	q.entries = append(q.entries, Entry{ParticipantID: id, RaisedAt: at})
	return true
}

// Lower removes id and reports whether it was present.
func (q *Queue) Lower(id string) bool {
	for i, entry := range q.entries {
		if entry.ParticipantID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether id has a raised hand.
func (q *Queue) Contains(id string) bool {
	for _, entry := range q.entries {
		if entry.ParticipantID == id {
			return true
		}
	}
	return false
}

// List returns a copy of the queue in raise order.
func (q *Queue) List() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of raised hands.
func (q *Queue) Len() int {
	return len(q.entries)
}
