// Package spotlight resolves the single featured participant of a session.
package spotlight

import "time"

// State is the current spotlight of a session. An empty ParticipantID
// means nobody is featured.
type State struct {
	ParticipantID string
	UpdatedBy     string
	UpdatedAt     time.Time
}

// Active reports whether someone is spotlighted.
func (s State) Active() bool {
	return s.ParticipantID != ""
}

// Toggle returns the participant that should be spotlighted after a
// request for target: requesting the current holder clears the spotlight,
// anything else replaces it.
func Toggle(current, target string) string {
	if target == current {
		return ""
	}
	return target
}

// Change is the outcome of applying a spotlight request.
type Change struct {
	Previous State
	Current  State
}

// Changed reports whether the featured participant moved.
func (c Change) Changed() bool {
	return c.Previous.ParticipantID != c.Current.ParticipantID
}

// Apply toggles state for target on behalf of actor.
func Apply(state State, target, actor string, now time.Time) Change {
	next := State{
		ParticipantID: Toggle(state.ParticipantID, target),
		UpdatedBy:     actor,
		UpdatedAt:     now.UTC(),
	}
	return Change{Previous: state, Current: next}
}

// Clear removes the spotlight if it is held by participantID.
func Clear(state State, participantID string, now time.Time) (Change, bool) {
	if participantID == "" || state.ParticipantID != participantID {
		return Change{Previous: state, Current: state}, false
	}
	return Change{Previous: state, Current: State{UpdatedAt: now.UTC()}}, true
}
