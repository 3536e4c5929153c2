package live

import (
	"log"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

// EventType names a session event.
type EventType string

const (
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventParticipantKicked EventType = "participant.kicked"
	EventRoleChanged       EventType = "role.changed"
	EventSpotlightChanged  EventType = "spotlight.changed"
	EventChatPersisted     EventType = "chat.persisted"
	EventChatHidden        EventType = "chat.hidden"
	EventSessionEnded      EventType = "session.ended"
)

// Event is delivered to the Notifier for every session change participants
// must observe. Only the fields relevant to Type are set.
type Event struct {
	Type          EventType
	SessionID     string
	ParticipantID string
	ActorID       string
	Participant   *participant.Participant
	Role          role.Role
	Spotlight     *spotlight.State
	Message       *chat.Message
	Session       *session.Session
}

// Notifier receives session events. Implementations must not block.
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(event Event) {
	f(event)
}

func (s *Service) notify(event Event) {
	s.notifier.Notify(event)
}

// applyChange turns a committed store change into an event. Changes written
// by another process also update the local room: the store's latest value
// wins.
func (s *Service) applyChange(change storage.Change) {
	event, ok := eventFromChange(change)
	if !ok {
		return
	}
	if r := s.existingRoom(change.SessionID); r != nil {
		r.mu.Lock()
		switch event.Type {
		case EventSpotlightChanged:
			state := *event.Spotlight
			if !state.UpdatedAt.Before(r.spotlight.UpdatedAt) && (!state.Active() || r.participants.Has(state.ParticipantID)) {
				r.spotlight = state
			}
		case EventSessionEnded:
			if r.session.Status != session.StatusEnded {
				r.session = *event.Session
				r.stopTimersLocked()
			}
		}
		r.mu.Unlock()
	}
	s.notify(event)
}

func eventFromChange(change storage.Change) (Event, bool) {
	event := Event{SessionID: change.SessionID}
	switch change.Table {
	case storage.TableRoles:
		participantID, r, err := change.DecodeRole()
		if err != nil {
			log.Printf("conclave: decode role change failed session=%q err=%v", change.SessionID, err)
			return Event{}, false
		}
		event.Type = EventRoleChanged
		event.ParticipantID = participantID
		event.Role = r
	case storage.TableSpotlights:
		state, err := change.DecodeSpotlight()
		if err != nil {
			log.Printf("conclave: decode spotlight change failed session=%q err=%v", change.SessionID, err)
			return Event{}, false
		}
		event.Type = EventSpotlightChanged
		event.ActorID = state.UpdatedBy
		event.Spotlight = &state
	case storage.TableChatMessages:
		msg, err := change.DecodeMessage()
		if err != nil {
			log.Printf("conclave: decode chat change failed session=%q err=%v", change.SessionID, err)
			return Event{}, false
		}
		switch {
		case change.Op == storage.OpInsert:
			event.Type = EventChatPersisted
		case msg.Hidden:
			event.Type = EventChatHidden
		default:
			return Event{}, false
		}
		event.Message = &msg
	case storage.TableSessions:
		sess, err := change.DecodeSession()
		if err != nil {
			log.Printf("conclave: decode session change failed session=%q err=%v", change.SessionID, err)
			return Event{}, false
		}
		if sess.Status != session.StatusEnded {
			return Event{}, false
		}
		event.Type = EventSessionEnded
		event.Session = &sess
	default:
		return Event{}, false
	}
	return event, true
}
