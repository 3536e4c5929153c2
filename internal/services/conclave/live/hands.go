package live

import (
	"context"
	"encoding/json"
	"log"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/timeouts"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/handraise"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

// RaiseHand adds participantID to the hand-raise queue. Only Listeners raise
// hands; raising twice is a no-op. The flag is broadcast over transport
// metadata and the raise is undone when that broadcast fails.
func (s *Service) RaiseHand(ctx context.Context, sessionID, participantID string) (err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.raise_hand", sessionID, participantID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	p, ok := r.participants.Get(participantID)
	if !ok {
		r.mu.Unlock()
		return targetNotFound(participantID)
	}
	if p.Role != role.Listener {
		r.mu.Unlock()
		return apperrors.New(apperrors.CodeInvalidTransition, "only listeners can raise a hand")
	}
	if !r.hands.Raise(participantID, s.now().UTC()) {
		r.mu.Unlock()
		return nil
	}
	r.participants.Update(participantID, func(p *participant.Participant) { p.HandRaised = true })
	meta := r.metadataLocked(participantID)
	r.mu.Unlock()

	if err := s.publishMetadata(ctx, sessionID, participantID, meta); err != nil {
		r.mu.Lock()
		r.hands.Lower(participantID)
		r.participants.Update(participantID, func(p *participant.Participant) { p.HandRaised = false })
		r.mu.Unlock()
		return transportFailure("broadcast hand raise", err)
	}
	return nil
}

// LowerHand removes participantID from the queue. Lowering a lowered hand is
// a no-op.
func (s *Service) LowerHand(ctx context.Context, sessionID, participantID string) (err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.lower_hand", sessionID, participantID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if !r.participants.Has(participantID) {
		r.mu.Unlock()
		return targetNotFound(participantID)
	}
	if !r.hands.Lower(participantID) {
		r.mu.Unlock()
		return nil
	}
	r.participants.Update(participantID, func(p *participant.Participant) { p.HandRaised = false })
	meta := r.metadataLocked(participantID)
	r.mu.Unlock()

	s.publishMetadataLogged(ctx, sessionID, participantID, meta)
	return nil
}

// ListRaised returns the queue, oldest raise first.
func (s *Service) ListRaised(ctx context.Context, sessionID string) ([]handraise.Entry, error) {
	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hands.List(), nil
}

// Participants returns the present participants in join order.
func (s *Service) Participants(ctx context.Context, sessionID string) ([]participant.Participant, error) {
	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participants.List(), nil
}

// handleMetadata mirrors participant-originated metadata: microphone and
// camera flags, and hand raises sent natively over the transport. Peers only
// see the validated result, republished as server metadata.
func (s *Service) handleMetadata(sessionID, participantID string, raw json.RawMessage) {
	r := s.existingRoom(sessionID)
	if r == nil {
		return
	}
	var meta wire.ParticipantMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		log.Printf("conclave: ignore malformed metadata session=%q participant=%q err=%v", sessionID, participantID, err)
		return
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	p, ok := r.participants.Get(participantID)
	if !ok || !r.session.Live() {
		r.mu.Unlock()
		return
	}
	r.participants.Update(participantID, func(p *participant.Participant) {
		if meta.MicEnabled != nil {
			p.MicEnabled = *meta.MicEnabled && p.Role.CanPublishMedia()
		}
		if meta.CameraEnabled != nil {
			p.CameraEnabled = *meta.CameraEnabled && p.Role.CanPublishMedia()
		}
	})
	switch {
	case meta.HandRaised == nil:
	case *meta.HandRaised && p.Role == role.Listener:
		raisedAt := s.now().UTC()
		if meta.HandRaisedAt != nil {
			raisedAt = meta.HandRaisedAt.UTC()
		}
		if r.hands.Raise(participantID, raisedAt) {
			r.participants.Update(participantID, func(p *participant.Participant) { p.HandRaised = true })
		}
	case !*meta.HandRaised:
		if r.hands.Lower(participantID) {
			r.participants.Update(participantID, func(p *participant.Participant) { p.HandRaised = false })
		}
	}
	validated := r.metadataLocked(participantID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.TransportCall)
	defer cancel()
	s.publishMetadataLogged(ctx, sessionID, participantID, validated)
}
