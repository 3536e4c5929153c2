package session

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/id"
)

// Status describes the lifecycle state of a session.
type Status int

const (
	// StatusUnspecified represents an invalid session status value.
	StatusUnspecified Status = iota
	// StatusScheduled indicates the session exists but has not started.
	StatusScheduled
	// StatusLive indicates the session is currently running.
	StatusLive
	// StatusEnded indicates the session is finished. Ended is terminal.
	StatusEnded
)

// String returns the storage label for the status.
func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusLive:
		return "live"
	case StatusEnded:
		return "ended"
	default:
		return "unspecified"
	}
}

// ParseStatus maps a storage label back onto a Status.
func ParseStatus(value string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "scheduled":
		return StatusScheduled, true
	case "live":
		return StatusLive, true
	case "ended":
		return StatusEnded, true
	default:
		return StatusUnspecified, false
	}
}

// MediaMode selects which media kinds speakers may publish.
type MediaMode string

const (
	MediaModeAudio      MediaMode = "audio"
	MediaModeAudioVideo MediaMode = "audio_video"
)

// NormalizeMediaMode parses a media mode label, defaulting blank input to audio.
func NormalizeMediaMode(value string) (MediaMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "audio":
		return MediaModeAudio, true
	case "audio_video", "video", "av":
		return MediaModeAudioVideo, true
	default:
		return "", false
	}
}

// Video reports whether speakers may publish camera tracks.
func (m MediaMode) Video() bool {
	return m == MediaModeAudioVideo
}

// Session is one live instance of a conclave.
type Session struct {
	ID        string
	ContentID string
	HostID    string
	Mode      MediaMode
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time // nil until the session goes live
	EndedAt   *time.Time // nil until the session ends
}

// CreateInput describes the metadata needed to create a session.
type CreateInput struct {
	// ID is optional; a new identifier is generated when blank.
	ID        string
	ContentID string
	HostID    string
	Mode      string
}

// Create builds a Scheduled session with timestamps.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	hostID := strings.TrimSpace(input.HostID)
	if hostID == "" {
		return Session{}, apperrors.WithMetadata(apperrors.CodeInvalidTarget, "host id is required", map[string]string{"Field": "host_id"})
	}
	mode, ok := NormalizeMediaMode(input.Mode)
	if !ok {
		return Session{}, apperrors.WithMetadata(apperrors.CodeInvalidTarget, fmt.Sprintf("unknown media mode %q", input.Mode), map[string]string{"Field": "mode"})
	}

	sessionID := strings.TrimSpace(input.ID)
	if sessionID == "" {
		generated, err := idGenerator()
		if err != nil {
			return Session{}, fmt.Errorf("generate session id: %w", err)
		}
		sessionID = generated
	}

	createdAt := now().UTC()
	return Session{
		ID:        sessionID,
		ContentID: strings.TrimSpace(input.ContentID),
		HostID:    hostID,
		Mode:      mode,
		Status:    StatusScheduled,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// Start moves a Scheduled session to Live. Starting a Live session is a no-op.
func (s Session) Start(now time.Time) (Session, error) {
	switch s.Status {
	case StatusLive:
		return s, nil
	case StatusScheduled:
		now = now.UTC()
		s.Status = StatusLive
		s.StartedAt = &now
		s.UpdatedAt = now
		return s, nil
	case StatusEnded:
		return s, apperrors.New(apperrors.CodeSessionEnded, "session has ended")
	default:
		return s, apperrors.New(apperrors.CodeInvalidTransition, "session status is not startable")
	}
}

// End moves a Scheduled or Live session to Ended.
func (s Session) End(now time.Time) (Session, error) {
	if s.Status == StatusEnded {
		return s, apperrors.New(apperrors.CodeSessionEnded, "session has ended")
	}
	if s.Status == StatusUnspecified {
		return s, apperrors.New(apperrors.CodeInvalidTransition, "session status is not endable")
	}
	now = now.UTC()
	s.Status = StatusEnded
	s.EndedAt = &now
	s.UpdatedAt = now
	return s, nil
}

// Live reports whether live-state mutations are accepted.
func (s Session) Live() bool {
	return s.Status == StatusLive
}
