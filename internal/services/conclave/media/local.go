package media

import (
	"context"
	"encoding/json"
	"sync"
)

// Sink receives transport deliveries for one attached participant.
// Implementations must not block.
type Sink interface {
	DeliverData(senderID string, payload []byte)
	DeliverMetadata(participantID string, metadata json.RawMessage)
	Close()
}

// Local is an in-process Transport. Participants attach a Sink per
// connection; grants are tracked independently of attachment so they may be
// issued before a participant connects.
type Local struct {
	mu           sync.Mutex
	sessions     map[string]*localSession
	onDisconnect []DisconnectFunc
	onMetadata   []MetadataFunc
}

type localSession struct {
	grants   map[string]map[Kind]bool
	sinks    map[string]Sink
	metadata map[string]json.RawMessage
}

// NewLocal builds an empty in-process transport.
func NewLocal() *Local {
	return &Local{sessions: make(map[string]*localSession)}
}

var _ Transport = (*Local)(nil)

func (l *Local) session(sessionID string) *localSession {
	sess, ok := l.sessions[sessionID]
	if !ok {
		sess = &localSession{
			grants:   make(map[string]map[Kind]bool),
			sinks:    make(map[string]Sink),
			metadata: make(map[string]json.RawMessage),
		}
		l.sessions[sessionID] = sess
	}
	return sess
}

// Attach connects sink as participantID's delivery endpoint. A previous sink
// for the same participant is closed without a disconnect notification.
func (l *Local) Attach(sessionID, participantID string, sink Sink) {
	l.mu.Lock()
	sess := l.session(sessionID)
	previous := sess.sinks[participantID]
	sess.sinks[participantID] = sink
	l.mu.Unlock()

	if previous != nil && previous != sink {
		previous.Close()
	}
}

// Detach disconnects sink. When sink is still the participant's current
// endpoint, disconnect handlers run.
func (l *Local) Detach(sessionID, participantID string, sink Sink) {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if !ok || sess.sinks[participantID] != sink {
		l.mu.Unlock()
		return
	}
	delete(sess.sinks, participantID)
	delete(sess.metadata, participantID)
	handlers := append([]DisconnectFunc(nil), l.onDisconnect...)
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(sessionID, participantID)
	}
}

// Permissions returns the kinds participantID may currently publish.
func (l *Local) Permissions(sessionID, participantID string) map[Kind]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Kind]bool)
	if sess, ok := l.sessions[sessionID]; ok {
		for kind, granted := range sess.grants[participantID] {
			if granted {
				out[kind] = true
			}
		}
	}
	return out
}

// Metadata returns the last metadata set for participantID.
func (l *Local) Metadata(sessionID, participantID string) json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess, ok := l.sessions[sessionID]; ok {
		return append(json.RawMessage(nil), sess.metadata[participantID]...)
	}
	return nil
}

func (l *Local) GrantPublish(ctx context.Context, sessionID, participantID string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sess := l.session(sessionID)
	grants, ok := sess.grants[participantID]
	if !ok {
		grants = make(map[Kind]bool)
		sess.grants[participantID] = grants
	}
	grants[kind] = true
	return nil
}

func (l *Local) RevokePublish(ctx context.Context, sessionID, participantID string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess, ok := l.sessions[sessionID]; ok {
		delete(sess.grants[participantID], kind)
	}
	return nil
}

func (l *Local) SetParticipantMetadata(ctx context.Context, sessionID, participantID string, metadata json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	sess := l.session(sessionID)
	sess.metadata[participantID] = append(json.RawMessage(nil), metadata...)
	sinks := sess.sinkList()
	l.mu.Unlock()

	for _, sink := range sinks {
		sink.DeliverMetadata(participantID, metadata)
	}
	return nil
}

// BroadcastMetadata hands participant-originated metadata, such as a client
// toggling its microphone, to the metadata handlers. Nothing reaches peers
// until a handler republishes it through SetParticipantMetadata.
func (l *Local) BroadcastMetadata(sessionID, participantID string, metadata json.RawMessage) {
	l.mu.Lock()
	handlers := append([]MetadataFunc(nil), l.onMetadata...)
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(sessionID, participantID, metadata)
	}
}

func (l *Local) PublishData(ctx context.Context, sessionID, senderID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if !ok || !sess.grants[senderID][KindData] {
		l.mu.Unlock()
		return ErrNotPermitted
	}
	sinks := sess.sinkList()
	l.mu.Unlock()

	for _, sink := range sinks {
		sink.DeliverData(senderID, payload)
	}
	return nil
}

func (l *Local) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	sink := sess.sinks[participantID]
	delete(sess.sinks, participantID)
	delete(sess.grants, participantID)
	delete(sess.metadata, participantID)
	l.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
	return nil
}

// CloseSession drops all state for sessionID and closes its sinks.
func (l *Local) CloseSession(sessionID string) {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	delete(l.sessions, sessionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	for _, sink := range sess.sinkList() {
		sink.Close()
	}
}

func (l *Local) OnParticipantDisconnected(fn DisconnectFunc) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.onDisconnect = append(l.onDisconnect, fn)
	l.mu.Unlock()
}

func (l *Local) OnMetadataBroadcastReceived(fn MetadataFunc) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.onMetadata = append(l.onMetadata, fn)
	l.mu.Unlock()
}

func (s *localSession) sinkList() []Sink {
	out := make([]Sink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		out = append(out, sink)
	}
	return out
}
