// Package wire defines the JSON frames exchanged between conclave servers and
// clients over WebSocket, and the payloads carried on the media transport's
// data channel and participant metadata.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/handraise"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
)

// Inbound frame types.
const (
	TypeSessionJoin     = "session.join"
	TypeSessionLeave    = "session.leave"
	TypeSessionEnd      = "session.end"
	TypeRoleSet         = "role.set"
	TypeParticipantKick = "participant.kick"
	TypeHandRaise       = "hand.raise"
	TypeHandLower       = "hand.lower"
	TypeSpotlightSet    = "spotlight.set"
	TypeChatSend        = "chat.send"
	TypeChatHide        = "chat.hide"
	TypeChatMute        = "chat.mute"
	TypeChatUnmute      = "chat.unmute"
	TypeMetadataUpdate  = "participant.metadata.update"
)

// Outbound frame types.
const (
	TypeSnapshot            = "session.snapshot"
	TypeAck                 = "ack"
	TypeError               = "error"
	TypeParticipantJoined   = "participant.joined"
	TypeParticipantLeft     = "participant.left"
	TypeParticipantKicked   = "participant.kicked"
	TypeParticipantMetadata = "participant.metadata"
	TypeRoleChanged         = "role.changed"
	TypeSpotlightChanged    = "spotlight.changed"
	TypeChatMessage         = "chat.message"
	TypeChatPersisted       = "chat.persisted"
	TypeChatHidden          = "chat.hidden"
	TypeSessionEnded        = "session.ended"
)

// Frame is the envelope of every WebSocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame encodes payload into a frame. A nil payload leaves it empty.
func NewFrame(frameType, requestID string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	frame.Payload = data
	return frame, nil
}

// Decode unmarshals the frame payload into target.
func (f Frame) Decode(target any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s payload is required", f.Type)
	}
	if err := json.Unmarshal(f.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// JoinPayload requests entry into a session. Identity comes from the join
// grant; display fields override the grant's profile when set.
type JoinPayload struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// TargetPayload names a participant.
type TargetPayload struct {
	TargetID string `json:"target_id"`
}

// SetRolePayload changes a participant's role.
type SetRolePayload struct {
	TargetID string `json:"target_id"`
	Role     string `json:"role"`
}

// SpotlightPayload requests a spotlight toggle. An empty target clears it.
type SpotlightPayload struct {
	TargetID string `json:"target_id"`
}

// ChatSendPayload sends a chat line.
type ChatSendPayload struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// ChatHidePayload hides a persisted chat message.
type ChatHidePayload struct {
	MessageID string `json:"message_id"`
}

// MutePayload mutes a participant's chat. DurationSeconds <= 0 mutes until
// unmuted.
type MutePayload struct {
	TargetID        string `json:"target_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// ErrorPayload reports a failed request.
type ErrorPayload struct {
	Code       string `json:"code"`
	DomainCode string `json:"domain_code,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// Participant is the wire form of a present participant.
type Participant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Role          string    `json:"role"`
	HandRaised    bool      `json:"hand_raised"`
	MicEnabled    bool      `json:"mic_enabled"`
	CameraEnabled bool      `json:"camera_enabled"`
	JoinedAt      time.Time `json:"joined_at"`
}

// FromParticipant converts a domain participant.
func FromParticipant(p participant.Participant) Participant {
	return Participant{
		ID:            p.ID,
		Name:          p.Display.Name,
		AvatarURL:     p.Display.AvatarURL,
		Role:          string(p.Role),
		HandRaised:    p.HandRaised,
		MicEnabled:    p.MicEnabled,
		CameraEnabled: p.CameraEnabled,
		JoinedAt:      p.JoinedAt,
	}
}

// Domain converts back to a domain participant.
func (p Participant) Domain() participant.Participant {
	r, _ := role.Parse(p.Role)
	return participant.Participant{
		ID:            p.ID,
		Display:       participant.DisplayMetadata{Name: p.Name, AvatarURL: p.AvatarURL},
		Role:          r,
		HandRaised:    p.HandRaised,
		MicEnabled:    p.MicEnabled,
		CameraEnabled: p.CameraEnabled,
		JoinedAt:      p.JoinedAt,
	}
}

// ParticipantRef names a participant in left/kicked frames.
type ParticipantRef struct {
	ParticipantID string `json:"participant_id"`
	ActorID       string `json:"actor_id,omitempty"`
}

// RoleChangedPayload announces a committed role.
type RoleChangedPayload struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
}

// Spotlight is the wire form of the spotlight pointer.
type Spotlight struct {
	ParticipantID string    `json:"participant_id,omitempty"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// FromSpotlight converts a domain spotlight.
func FromSpotlight(state spotlight.State) Spotlight {
	return Spotlight{ParticipantID: state.ParticipantID, UpdatedBy: state.UpdatedBy, UpdatedAt: state.UpdatedAt}
}

// Domain converts back to a domain spotlight.
func (s Spotlight) Domain() spotlight.State {
	return spotlight.State{ParticipantID: s.ParticipantID, UpdatedBy: s.UpdatedBy, UpdatedAt: s.UpdatedAt}
}

// SpotlightResult acknowledges a spotlight request with the previous value,
// so callers can roll back an optimistic apply.
type SpotlightResult struct {
	Previous Spotlight `json:"previous"`
	Current  Spotlight `json:"current"`
}

// ChatMessage is the wire form of a chat line.
type ChatMessage struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	AuthorID        string    `json:"author_id"`
	AuthorName      string    `json:"author_name"`
	Body            string    `json:"body"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Hidden          bool      `json:"hidden,omitempty"`
}

// FromChat converts a domain chat message.
func FromChat(msg chat.Message) ChatMessage {
	return ChatMessage{
		ID:              msg.ID,
		SessionID:       msg.SessionID,
		AuthorID:        msg.AuthorID,
		AuthorName:      msg.AuthorName,
		Body:            msg.Body,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       msg.CreatedAt,
		Hidden:          msg.Hidden,
	}
}

// Domain converts back to a domain chat message.
func (m ChatMessage) Domain() chat.Message {
	return chat.Message{
		ID:              m.ID,
		SessionID:       m.SessionID,
		AuthorID:        m.AuthorID,
		AuthorName:      m.AuthorName,
		Body:            m.Body,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt,
		Hidden:          m.Hidden,
	}
}

// HandEntry is one raised hand.
type HandEntry struct {
	ParticipantID string    `json:"participant_id"`
	RaisedAt      time.Time `json:"raised_at"`
}

// FromHands converts the hand-raise queue.
func FromHands(entries []handraise.Entry) []HandEntry {
	out := make([]HandEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, HandEntry{ParticipantID: entry.ParticipantID, RaisedAt: entry.RaisedAt})
	}
	return out
}

// Session is the wire form of a session record.
type Session struct {
	ID        string     `json:"id"`
	ContentID string     `json:"content_id,omitempty"`
	HostID    string     `json:"host_id"`
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// FromSession converts a domain session.
func FromSession(sess session.Session) Session {
	return Session{
		ID:        sess.ID,
		ContentID: sess.ContentID,
		HostID:    sess.HostID,
		Mode:      string(sess.Mode),
		Status:    sess.Status.String(),
		StartedAt: sess.StartedAt,
		EndedAt:   sess.EndedAt,
	}
}

// Snapshot is the state a joiner needs to render the session without
// replaying history.
type Snapshot struct {
	Session      Session       `json:"session"`
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
	Spotlight    Spotlight     `json:"spotlight"`
	RaisedHands  []HandEntry   `json:"raised_hands"`
	History      []ChatMessage `json:"history"`
	Muted        bool          `json:"muted,omitempty"`
}

// ParticipantMetadata is the lightweight state piggybacked on the media
// transport's participant metadata.
type ParticipantMetadata struct {
	Role          string     `json:"role,omitempty"`
	HandRaised    *bool      `json:"hand_raised,omitempty"`
	HandRaisedAt  *time.Time `json:"hand_raised_at,omitempty"`
	MicEnabled    *bool      `json:"mic_enabled,omitempty"`
	CameraEnabled *bool      `json:"camera_enabled,omitempty"`
}

// MetadataPayload announces a participant's transport metadata.
type MetadataPayload struct {
	ParticipantID string              `json:"participant_id"`
	Metadata      ParticipantMetadata `json:"metadata"`
}

// SessionEndedPayload announces a terminal session.
type SessionEndedPayload struct {
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

// EncodeChatData builds the data-channel payload for a live chat message. It
// is a complete chat.message frame so receivers can forward it verbatim.
func EncodeChatData(msg chat.Message) ([]byte, error) {
	frame, err := NewFrame(TypeChatMessage, "", FromChat(msg))
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// DecodeChatData parses a data-channel chat payload.
func DecodeChatData(data []byte) (chat.Message, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return chat.Message{}, fmt.Errorf("decode chat data: %w", err)
	}
	if frame.Type != TypeChatMessage {
		return chat.Message{}, fmt.Errorf("decode chat data: unexpected frame type %q", frame.Type)
	}
	var msg ChatMessage
	if err := frame.Decode(&msg); err != nil {
		return chat.Message{}, err
	}
	return msg.Domain(), nil
}

// Bool returns a pointer to v for optional metadata fields.
func Bool(v bool) *bool {
	return &v
}
