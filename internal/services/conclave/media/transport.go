package media

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind is a publishable track class.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindData  Kind = "data"
)

// AllKinds lists every publish kind.
var AllKinds = []Kind{KindAudio, KindVideo, KindData}

var (
	// ErrNotPermitted is returned when a participant publishes a kind it was
	// not granted.
	ErrNotPermitted = errors.New("media: publish not permitted")
	// ErrUnavailable reports the transport could not complete the call.
	ErrUnavailable = errors.New("media: transport unavailable")
)

// DisconnectFunc is called when a participant's transport connection ends.
type DisconnectFunc func(sessionID, participantID string)

// MetadataFunc is called when a participant broadcasts new metadata.
type MetadataFunc func(sessionID, participantID string, metadata json.RawMessage)

// Transport is the media transport collaborator.
type Transport interface {
	GrantPublish(ctx context.Context, sessionID, participantID string, kind Kind) error
	RevokePublish(ctx context.Context, sessionID, participantID string, kind Kind) error
	SetParticipantMetadata(ctx context.Context, sessionID, participantID string, metadata json.RawMessage) error
	// PublishData sends payload over the low-latency data channel on behalf of
	// senderID. It fails with ErrNotPermitted when the sender lacks KindData.
	PublishData(ctx context.Context, sessionID, senderID string, payload []byte) error
	RemoveParticipant(ctx context.Context, sessionID, participantID string) error
	OnParticipantDisconnected(fn DisconnectFunc)
	OnMetadataBroadcastReceived(fn MetadataFunc)
}
