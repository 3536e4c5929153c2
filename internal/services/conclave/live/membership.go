package live

import (
	"context"
	"log"
	"strings"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/timeouts"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/handraise"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
)

// Snapshot is the state handed to a joiner.
type Snapshot struct {
	Session      session.Session
	Self         participant.Participant
	Participants []participant.Participant
	Spotlight    spotlight.State
	RaisedHands  []handraise.Entry
	// History holds recent non-hidden chat, oldest first. It is empty when
	// the durable store could not be read.
	History []chat.Message
	Muted   bool
}

// Join admits participantID into a Live session and returns the snapshot a
// late joiner needs. Rejoining replaces the previous entry and keeps any
// raised hand.
func (s *Service) Join(ctx context.Context, sessionID, participantID string, display participant.DisplayMetadata) (snap Snapshot, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.join", sessionID, participantID)
	defer func() { finishSpan(span, err) }()

	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return Snapshot{}, apperrors.New(apperrors.CodeInvalidTarget, "participant id is required")
	}
	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	profile := s.lookupProfile(ctx, participantID)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return Snapshot{}, err
	}
	sess := r.session
	remembered, hasRemembered := r.roles[participantID]
	muted := r.mutedLocked(participantID)
	r.mu.Unlock()

	assigned := role.Default(participantID == sess.HostID, profile.Admin, sess.Mode.Video())
	if hasRemembered && assigned.Assignable() && remembered.Assignable() {
		assigned = remembered
	}

	var granted []media.Kind
	for _, kind := range publishKinds(assigned, sess.Mode.Video(), muted) {
		if err := s.grantWithRetry(ctx, sessionID, participantID, kind); err != nil {
			s.revokeLogged(ctx, sessionID, participantID, granted)
			return Snapshot{}, transportFailure("grant publish on join", err)
		}
		granted = append(granted, kind)
	}
	if !hasRemembered || remembered != assigned {
		if err := s.store.PutRole(ctx, sessionID, participantID, assigned); err != nil {
			log.Printf("conclave: persist role on join failed session=%q participant=%q err=%v", sessionID, participantID, err)
		}
	}

	if display.Name == "" {
		display.Name = profile.DisplayName
	}
	if display.AvatarURL == "" {
		display.AvatarURL = profile.AvatarURL
	}
	p := participant.Participant{
		ID:       participantID,
		Display:  display.Normalize(participantID),
		Role:     assigned,
		JoinedAt: s.now().UTC(),
	}

	r.mu.Lock()
	p.HandRaised = r.hands.Contains(participantID)
	r.participants.Add(p)
	r.roles[participantID] = assigned
	for _, kind := range granted {
		r.clearPendingLocked(participantID, kind)
	}
	r.stopGraceLocked()
	snap = Snapshot{
		Session:      r.session,
		Self:         p,
		Participants: r.participants.List(),
		Spotlight:    r.spotlight,
		RaisedHands:  r.hands.List(),
		Muted:        muted,
	}
	r.mu.Unlock()

	history, err := s.store.ListMessages(ctx, sessionID, s.cfg.HistoryWindow)
	if err != nil {
		log.Printf("conclave: load chat history failed session=%q err=%v", sessionID, err)
	} else {
		snap.History = history
	}

	joined := p
	s.notify(Event{Type: EventParticipantJoined, SessionID: sessionID, ParticipantID: participantID, Participant: &joined})
	return snap, nil
}

// Leave removes participantID and runs the disconnect cascade: the hand is
// lowered, a spotlight it holds is cleared and its grants are revoked.
// Leaving an Ended session is allowed.
func (s *Service) Leave(ctx context.Context, sessionID, participantID string) (err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.leave", sessionID, participantID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return s.removeParticipant(ctx, r, participantID, "")
}

// Kick removes targetID from the session on behalf of a moderator.
func (s *Service) Kick(ctx context.Context, sessionID, actorID, targetID string) (err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.kick", sessionID, actorID)
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
	actor, actorOK := r.participants.Get(actorID)
	target, targetOK := r.participants.Get(targetID)
	r.mu.Unlock()

	if !actorOK {
		return apperrors.New(apperrors.CodeUnauthorized, "actor is not a participant")
	}
	if !targetOK {
		return targetNotFound(targetID)
	}
	if err := role.AuthorizeKick(actorID, actor.Role, targetID, target.Role); err != nil {
		return err
	}
	if err := s.transport.RemoveParticipant(ctx, sessionID, targetID); err != nil {
		log.Printf("conclave: transport remove failed session=%q participant=%q err=%v", sessionID, targetID, err)
	}
	if err := s.removeParticipant(ctx, r, targetID, actorID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.roles, targetID)
	r.mu.Unlock()
	return nil
}

// removeParticipant runs the disconnect cascade. The caller holds r.writeMu.
func (s *Service) removeParticipant(ctx context.Context, r *room, participantID, kickedBy string) error {
	now := s.now()

	r.mu.Lock()
	if _, ok := r.participants.Remove(participantID); !ok {
		r.mu.Unlock()
		return targetNotFound(participantID)
	}
	r.hands.Lower(participantID)
	change, cleared := spotlight.Clear(r.spotlight, participantID, now)
	if cleared {
		r.spotlight = change.Current
	}
	delete(r.pendingRevokes, participantID)
	if r.participants.Len() == 0 && r.session.Live() {
		s.startGraceLocked(r)
	}
	r.mu.Unlock()

	s.revokeLogged(ctx, r.id, participantID, media.AllKinds)
	if cleared {
		if _, err := s.store.PutSpotlight(ctx, r.id, change.Current); err != nil {
			log.Printf("conclave: persist spotlight clear failed session=%q participant=%q err=%v", r.id, participantID, err)
		}
	}

	event := Event{Type: EventParticipantLeft, SessionID: r.id, ParticipantID: participantID}
	if kickedBy != "" {
		event.Type = EventParticipantKicked
		event.ActorID = kickedBy
	}
	s.notify(event)
	return nil
}

// handleDisconnect is the transport's disconnect callback.
func (s *Service) handleDisconnect(sessionID, participantID string) {
	if s.existingRoom(sessionID) == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreWrite+timeouts.TransportCall)
	defer cancel()
	if err := s.Leave(ctx, sessionID, participantID); err != nil && !apperrors.HasCode(err, apperrors.CodeTargetNotFound) {
		log.Printf("conclave: disconnect cleanup failed session=%q participant=%q err=%v", sessionID, participantID, err)
	}
}

func targetNotFound(participantID string) error {
	return apperrors.WithMetadata(apperrors.CodeTargetNotFound, "participant is not in the session", map[string]string{"ParticipantID": participantID})
}
