package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/handraise"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

// DefaultMatchWindow bounds how far apart a pending message and its durable
// copy may be timestamped and still be merged.
const DefaultMatchWindow = 10 * time.Second

// Message is a chat line as the local client displays it. Pending messages
// were sent by this client and have not been confirmed yet.
type Message struct {
	chat.Message
	Pending bool
}

// SpotlightAttempt is the state captured by an optimistic spotlight apply.
type SpotlightAttempt struct {
	Previous spotlight.State
	Applied  spotlight.State
	epoch    uint64
}

// Mirror is the client's copy of one session's shared state. Server frames
// are authoritative; local optimistic changes are reconciled against them.
type Mirror struct {
	mu sync.Mutex

	selfID       string
	matchWindow  time.Duration
	now          func() time.Time
	session      session.Session
	participants *participant.Registry
	hands        handraise.Queue
	spotlight    spotlight.State
	// spotlightEpoch counts authoritative spotlight updates so a rollback
	// never clobbers a newer server value.
	spotlightEpoch uint64
	messages       []Message
	muted          bool
}

// MirrorOption customizes a Mirror.
type MirrorOption func(*Mirror)

// WithMatchWindow overrides DefaultMatchWindow.
func WithMatchWindow(window time.Duration) MirrorOption {
	return func(m *Mirror) {
		if window > 0 {
			m.matchWindow = window
		}
	}
}

// WithClock overrides the clock used to stamp pending messages.
func WithClock(now func() time.Time) MirrorOption {
	return func(m *Mirror) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMirror returns an empty mirror for selfID.
func NewMirror(selfID string, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		selfID:       selfID,
		matchWindow:  DefaultMatchWindow,
		now:          time.Now,
		participants: participant.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplySnapshot replaces the mirrored state. Pending messages not present in
// the snapshot history are kept.
func (m *Mirror) ApplySnapshot(snap wire.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Self.ID != "" {
		m.selfID = snap.Self.ID
	}
	m.session = sessionFromWire(snap.Session)
	m.participants = participant.NewRegistry()
	for _, p := range snap.Participants {
		m.participants.Add(p.Domain())
	}
	m.hands = handraise.Queue{}
	for _, entry := range snap.RaisedHands {
		m.hands.Raise(entry.ParticipantID, entry.RaisedAt)
	}
	m.spotlight = snap.Spotlight.Domain()
	m.spotlightEpoch++
	m.muted = snap.Muted

	pending := make([]Message, 0)
	for _, msg := range m.messages {
		if msg.Pending {
			pending = append(pending, msg)
		}
	}
	m.messages = make([]Message, 0, len(snap.History)+len(pending))
	for _, msg := range snap.History {
		m.messages = append(m.messages, Message{Message: msg.Domain()})
	}
	for _, msg := range pending {
		if !m.confirmedLocked(msg.Message) {
			m.messages = append(m.messages, msg)
		}
	}
}

// confirmedLocked reports whether a pending message already appears as a
// confirmed one.
func (m *Mirror) confirmedLocked(pending chat.Message) bool {
	for _, existing := range m.messages {
		if existing.Pending {
			continue
		}
		if pending.ClientMessageID != "" && existing.AuthorID == pending.AuthorID && existing.ClientMessageID == pending.ClientMessageID {
			return true
		}
		if chat.SameContent(existing.Message, pending, m.matchWindow) {
			return true
		}
	}
	return false
}

// ApplyFrame folds a server event frame into the mirror. Frames that carry
// no shared state (acks, errors) are ignored.
func (m *Mirror) ApplyFrame(frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeSnapshot:
		var snap wire.Snapshot
		if err := frame.Decode(&snap); err != nil {
			return err
		}
		m.ApplySnapshot(snap)
	case wire.TypeParticipantJoined:
		var p wire.Participant
		if err := frame.Decode(&p); err != nil {
			return err
		}
		m.mu.Lock()
		m.participants.Add(p.Domain())
		m.mu.Unlock()
	case wire.TypeParticipantLeft, wire.TypeParticipantKicked:
		var ref wire.ParticipantRef
		if err := frame.Decode(&ref); err != nil {
			return err
		}
		m.removeParticipant(ref.ParticipantID)
	case wire.TypeParticipantMetadata:
		var payload wire.MetadataPayload
		if err := frame.Decode(&payload); err != nil {
			return err
		}
		m.applyMetadata(payload)
	case wire.TypeRoleChanged:
		var payload wire.RoleChangedPayload
		if err := frame.Decode(&payload); err != nil {
			return err
		}
		m.applyRole(payload)
	case wire.TypeSpotlightChanged:
		var state wire.Spotlight
		if err := frame.Decode(&state); err != nil {
			return err
		}
		m.mu.Lock()
		m.spotlight = state.Domain()
		m.spotlightEpoch++
		m.mu.Unlock()
	case wire.TypeChatMessage, wire.TypeChatPersisted:
		var msg wire.ChatMessage
		if err := frame.Decode(&msg); err != nil {
			return err
		}
		m.mu.Lock()
		m.mergeLocked(msg.Domain())
		m.mu.Unlock()
	case wire.TypeChatHidden:
		var msg wire.ChatMessage
		if err := frame.Decode(&msg); err != nil {
			return err
		}
		// Retractions only apply to displayed messages.
		m.mu.Lock()
		if i := m.matchLocked(msg.Domain()); i >= 0 {
			m.messages[i].Hidden = true
		}
		m.mu.Unlock()
	case wire.TypeSessionEnded:
		var payload wire.SessionEndedPayload
		if err := frame.Decode(&payload); err != nil {
			return err
		}
		m.mu.Lock()
		m.session.Status = session.StatusEnded
		endedAt := payload.EndedAt
		m.session.EndedAt = &endedAt
		m.mu.Unlock()
	case wire.TypeAck, wire.TypeError:
	default:
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	return nil
}

func (m *Mirror) removeParticipant(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants.Remove(id)
	m.hands.Lower(id)
}

func (m *Mirror) applyMetadata(payload wire.MetadataPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := payload.Metadata
	m.participants.Update(payload.ParticipantID, func(p *participant.Participant) {
		if meta.HandRaised != nil {
			p.HandRaised = *meta.HandRaised
		}
		if meta.MicEnabled != nil {
			p.MicEnabled = *meta.MicEnabled
		}
		if meta.CameraEnabled != nil {
			p.CameraEnabled = *meta.CameraEnabled
		}
	})
	if meta.HandRaised == nil {
		return
	}
	if *meta.HandRaised {
		at := m.now().UTC()
		if meta.HandRaisedAt != nil {
			at = *meta.HandRaisedAt
		}
		m.hands.Raise(payload.ParticipantID, at)
		return
	}
	m.hands.Lower(payload.ParticipantID)
}

func (m *Mirror) applyRole(payload wire.RoleChangedPayload) {
	next, ok := role.Parse(payload.Role)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants.Update(payload.ParticipantID, func(p *participant.Participant) {
		p.Role = next
		if next != role.Listener {
			p.HandRaised = false
		}
	})
	if next != role.Listener {
		m.hands.Lower(payload.ParticipantID)
	}
}

// BeginSpotlight applies a spotlight request for target locally, toggling
// like the server does, and returns what is needed to undo it.
func (m *Mirror) BeginSpotlight(target string) SpotlightAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	change := spotlight.Apply(m.spotlight, target, m.selfID, m.now())
	m.spotlight = change.Current
	return SpotlightAttempt{Previous: change.Previous, Applied: change.Current, epoch: m.spotlightEpoch}
}

// RollbackSpotlight restores the value captured by attempt. It does nothing
// when a server update arrived after the attempt began.
func (m *Mirror) RollbackSpotlight(attempt SpotlightAttempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spotlightEpoch != attempt.epoch {
		return false
	}
	m.spotlight = attempt.Previous
	return true
}

// AddPending shows a locally sent message before the server confirms it.
func (m *Mirror) AddPending(body, clientMessageID string) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := Message{
		Message: chat.Message{
			SessionID:       m.session.ID,
			AuthorID:        m.selfID,
			Body:            body,
			ClientMessageID: clientMessageID,
			CreatedAt:       m.now().UTC(),
		},
		Pending: true,
	}
	if self, ok := m.participants.Get(m.selfID); ok {
		msg.AuthorName = self.Display.Name
	}
	m.messages = append(m.messages, msg)
	return msg
}

// DropPending removes a pending message whose broadcast failed.
func (m *Mirror) DropPending(clientMessageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.Pending && msg.ClientMessageID == clientMessageID {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Merge folds a confirmed message into the list, replacing the pending copy
// it confirms. It never adds a second copy of a message.
func (m *Mirror) Merge(msg chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeLocked(msg)
}

func (m *Mirror) mergeLocked(msg chat.Message) {
	if i := m.matchLocked(msg); i >= 0 {
		hidden := m.messages[i].Hidden || msg.Hidden
		if msg.ID == "" {
			msg.ID = m.messages[i].ID
		}
		m.messages[i] = Message{Message: msg, Pending: msg.ID == ""}
		m.messages[i].Hidden = hidden
		return
	}
	m.messages = append(m.messages, Message{Message: msg, Pending: msg.ID == ""})
}

// matchLocked finds the displayed message msg confirms: the same id, else a
// pending message with the same client id, else a pending message with the
// same author and body sent within the match window.
func (m *Mirror) matchLocked(msg chat.Message) int {
	if msg.ID != "" {
		for i, existing := range m.messages {
			if existing.ID == msg.ID {
				return i
			}
		}
	}
	if msg.ClientMessageID != "" {
		for i, existing := range m.messages {
			if existing.Pending && existing.AuthorID == msg.AuthorID && existing.ClientMessageID == msg.ClientMessageID {
				return i
			}
		}
	}
	for i, existing := range m.messages {
		if existing.Pending && chat.SameContent(existing.Message, msg, m.matchWindow) {
			return i
		}
	}
	return -1
}

// SelfID returns the local participant identity.
func (m *Mirror) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// Session returns the mirrored session record.
func (m *Mirror) Session() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Participants returns present participants in join order.
func (m *Mirror) Participants() []participant.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants.List()
}

// Participant returns one present participant.
func (m *Mirror) Participant(id string) (participant.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants.Get(id)
}

// RaisedHands returns the hand-raise queue, oldest first.
func (m *Mirror) RaisedHands() []handraise.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hands.List()
}

// Spotlight returns the displayed spotlight, including an unconfirmed
// optimistic value.
func (m *Mirror) Spotlight() spotlight.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spotlight
}

// Messages returns the displayed chat lines in display order.
func (m *Mirror) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Muted reports whether the local participant was muted at join.
func (m *Mirror) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func sessionFromWire(s wire.Session) session.Session {
	out := session.Session{
		ID:        s.ID,
		ContentID: s.ContentID,
		HostID:    s.HostID,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
	if mode, ok := session.NormalizeMediaMode(s.Mode); ok {
		out.Mode = mode
	}
	if status, ok := session.ParseStatus(s.Status); ok {
		out.Status = status
	}
	return out
}
