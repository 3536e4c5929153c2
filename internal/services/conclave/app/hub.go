package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/conclave/internal/platform/timeouts"
	"github.com/louisbranch/conclave/internal/services/conclave/live"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

const peerQueueSize = 128

// Hub fans session events out to connected peers. It is the facade's
// Notifier.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*wsPeer]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[*wsPeer]struct{})}
}

var _ live.Notifier = (*Hub)(nil)

func (h *Hub) add(sessionID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.sessions[sessionID]
	if !ok {
		peers = make(map[*wsPeer]struct{})
		h.sessions[sessionID] = peers
	}
	peers[peer] = struct{}{}
}

func (h *Hub) remove(sessionID string, peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(h.sessions, sessionID)
	}
}

func (h *Hub) peers(sessionID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsPeer, 0, len(h.sessions[sessionID]))
	for peer := range h.sessions[sessionID] {
		out = append(out, peer)
	}
	return out
}

// Notify converts event to a frame and queues it for every peer in the
// event's session.
func (h *Hub) Notify(event live.Event) {
	frame, ok := eventFrame(event)
	if !ok {
		return
	}
	for _, peer := range h.peers(event.SessionID) {
		peer.send(frame)
	}
}

func eventFrame(event live.Event) (wire.Frame, bool) {
	var (
		frameType string
		payload   any
	)
	switch event.Type {
	case live.EventParticipantJoined:
		if event.Participant == nil {
			return wire.Frame{}, false
		}
		frameType, payload = wire.TypeParticipantJoined, wire.FromParticipant(*event.Participant)
	case live.EventParticipantLeft:
		frameType, payload = wire.TypeParticipantLeft, wire.ParticipantRef{ParticipantID: event.ParticipantID}
	case live.EventParticipantKicked:
		frameType, payload = wire.TypeParticipantKicked, wire.ParticipantRef{ParticipantID: event.ParticipantID, ActorID: event.ActorID}
	case live.EventRoleChanged:
		frameType, payload = wire.TypeRoleChanged, wire.RoleChangedPayload{ParticipantID: event.ParticipantID, Role: string(event.Role)}
	case live.EventSpotlightChanged:
		if event.Spotlight == nil {
			return wire.Frame{}, false
		}
		frameType, payload = wire.TypeSpotlightChanged, wire.FromSpotlight(*event.Spotlight)
	case live.EventChatPersisted, live.EventChatHidden:
		if event.Message == nil {
			return wire.Frame{}, false
		}
		frameType = wire.TypeChatPersisted
		if event.Type == live.EventChatHidden {
			frameType = wire.TypeChatHidden
		}
		payload = wire.FromChat(*event.Message)
	case live.EventSessionEnded:
		if event.Session == nil {
			return wire.Frame{}, false
		}
		ended := wire.SessionEndedPayload{SessionID: event.Session.ID}
		if event.Session.EndedAt != nil {
			ended.EndedAt = *event.Session.EndedAt
		}
		frameType, payload = wire.TypeSessionEnded, ended
	default:
		return wire.Frame{}, false
	}
	frame, err := wire.NewFrame(frameType, "", payload)
	if err != nil {
		log.Printf("conclave: encode event frame failed type=%s err=%v", event.Type, err)
		return wire.Frame{}, false
	}
	return frame, true
}

// wsPeer is one WebSocket connection. Writes go through a bounded queue
// drained by a single writer so notifications never block the facade; a peer
// that falls behind is disconnected.
type wsPeer struct {
	conn       *websocket.Conn
	out        chan wire.Frame
	done       chan struct{}
	drain      chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	drainOnce  sync.Once
}

var _ media.Sink = (*wsPeer)(nil)

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		conn:       conn,
		out:        make(chan wire.Frame, peerQueueSize),
		done:       make(chan struct{}),
		drain:      make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// writeLoop encodes queued frames until the peer closes. After finish it
// flushes what is queued and closes the connection.
func (p *wsPeer) writeLoop() {
	defer close(p.writerDone)
	encoder := json.NewEncoder(p.conn)
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			if err := encoder.Encode(frame); err != nil {
				p.Close()
				return
			}
		case <-p.drain:
			for {
				select {
				case frame := <-p.out:
					if err := encoder.Encode(frame); err != nil {
						p.Close()
						return
					}
				default:
					p.Close()
					return
				}
			}
		}
	}
}

// finish flushes queued frames and waits for the writer to exit.
func (p *wsPeer) finish() {
	p.drainOnce.Do(func() { close(p.drain) })
	select {
	case <-p.writerDone:
	case <-time.After(timeouts.Shutdown):
		p.Close()
	}
}

func (p *wsPeer) send(frame wire.Frame) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.out <- frame:
	default:
		log.Printf("conclave: websocket peer queue full, disconnecting type=%s", frame.Type)
		p.Close()
	}
}

// DeliverData forwards a data-channel payload. Chat payloads are complete
// frames already.
func (p *wsPeer) DeliverData(senderID string, payload []byte) {
	var frame wire.Frame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Type == "" {
		log.Printf("conclave: drop malformed data payload sender=%q err=%v", senderID, err)
		return
	}
	p.send(frame)
}

// DeliverMetadata forwards another participant's transport metadata.
func (p *wsPeer) DeliverMetadata(participantID string, metadata json.RawMessage) {
	var meta wire.ParticipantMetadata
	if err := json.Unmarshal(metadata, &meta); err != nil {
		log.Printf("conclave: drop malformed metadata participant=%q err=%v", participantID, err)
		return
	}
	frame, err := wire.NewFrame(wire.TypeParticipantMetadata, "", wire.MetadataPayload{ParticipantID: participantID, Metadata: meta})
	if err != nil {
		return
	}
	p.send(frame)
}

// Close ends the connection. The transport calls it when the participant is
// removed.
func (p *wsPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
