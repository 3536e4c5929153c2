package live

import (
	"context"
	"encoding/json"
	"log"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

var speakingKinds = []media.Kind{media.KindAudio, media.KindVideo}

// publishKinds lists the grants implied by a role.
func publishKinds(r role.Role, video, muted bool) []media.Kind {
	var kinds []media.Kind
	if r.CanPublishMedia() {
		kinds = append(kinds, mediaKinds(video)...)
	}
	if !muted {
		kinds = append(kinds, media.KindData)
	}
	return kinds
}

func mediaKinds(video bool) []media.Kind {
	if video {
		return []media.Kind{media.KindAudio, media.KindVideo}
	}
	return []media.Kind{media.KindAudio}
}

// SetRole moves targetID between Listener and Speaker.
//
// Promotion requests the publish grant before committing the role; the grant
// is retried once and a failure rolls back, leaving the target a Listener
// with their hand still raised. A committed promotion lowers the hand.
// Demotion revokes best-effort and always commits.
func (s *Service) SetRole(ctx context.Context, sessionID, actorID, targetID string, newRole role.Role) (result role.Role, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.set_role", sessionID, actorID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return "", err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return "", err
	}
	actor, actorOK := r.participants.Get(actorID)
	target, targetOK := r.participants.Get(targetID)
	video := r.session.Mode.Video()
	r.mu.Unlock()

	if !actorOK {
		return "", apperrors.New(apperrors.CodeUnauthorized, "actor is not a participant")
	}
	if !targetOK {
		return "", targetNotFound(targetID)
	}
	if err := role.AuthorizeChange(actorID, actor.Role, targetID, target.Role, newRole); err != nil {
		return "", err
	}
	if target.Role == newRole {
		return newRole, nil
	}
	if newRole == role.Speaker {
		return s.promote(ctx, r, targetID, video)
	}
	return s.demote(ctx, r, targetID, video)
}

func (s *Service) promote(ctx context.Context, r *room, targetID string, video bool) (role.Role, error) {
	var granted []media.Kind
	for _, kind := range mediaKinds(video) {
		if err := s.grantWithRetry(ctx, r.id, targetID, kind); err != nil {
			s.revokeLogged(ctx, r.id, targetID, granted)
			return "", transportFailure("grant publish", err)
		}
		granted = append(granted, kind)
	}
	if err := s.store.PutRole(ctx, r.id, targetID, role.Speaker); err != nil {
		s.revokeLogged(ctx, r.id, targetID, granted)
		return "", persistenceFailure("persist role", err)
	}

	r.mu.Lock()
	r.hands.Lower(targetID)
	r.participants.Update(targetID, func(p *participant.Participant) {
		p.Role = role.Speaker
		p.HandRaised = false
	})
	r.roles[targetID] = role.Speaker
	for _, kind := range granted {
		r.clearPendingLocked(targetID, kind)
	}
	meta := r.metadataLocked(targetID)
	r.mu.Unlock()

	s.publishMetadataLogged(ctx, r.id, targetID, meta)
	return role.Speaker, nil
}

func (s *Service) demote(ctx context.Context, r *room, targetID string, video bool) (role.Role, error) {
	var revoked, failed []media.Kind
	for _, kind := range speakingKinds {
		if err := s.transport.RevokePublish(ctx, r.id, targetID, kind); err != nil {
			log.Printf("conclave: revoke publish failed session=%q participant=%q kind=%s err=%v", r.id, targetID, kind, err)
			failed = append(failed, kind)
			continue
		}
		revoked = append(revoked, kind)
	}
	if err := s.store.PutRole(ctx, r.id, targetID, role.Listener); err != nil {
		for _, kind := range revoked {
			if kind == media.KindVideo && !video {
				continue
			}
			if err := s.transport.GrantPublish(ctx, r.id, targetID, kind); err != nil {
				log.Printf("conclave: restore publish failed session=%q participant=%q kind=%s err=%v", r.id, targetID, kind, err)
			}
		}
		return "", persistenceFailure("persist role", err)
	}

	r.mu.Lock()
	r.participants.Update(targetID, func(p *participant.Participant) {
		p.Role = role.Listener
		p.MicEnabled = false
		p.CameraEnabled = false
	})
	r.roles[targetID] = role.Listener
	for _, kind := range failed {
		r.addPendingLocked(targetID, kind)
	}
	meta := r.metadataLocked(targetID)
	r.mu.Unlock()

	s.publishMetadataLogged(ctx, r.id, targetID, meta)
	return role.Listener, nil
}

// reconcile retries revokes that failed during demotion.
func (s *Service) reconcile(ctx context.Context) {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		s.reconcileRoom(ctx, r)
	}
}

func (s *Service) reconcileRoom(ctx context.Context, r *room) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	pending := make(map[string][]media.Kind, len(r.pendingRevokes))
	for participantID, kinds := range r.pendingRevokes {
		if !r.participants.Has(participantID) {
			delete(r.pendingRevokes, participantID)
			continue
		}
		for kind := range kinds {
			pending[participantID] = append(pending[participantID], kind)
		}
	}
	r.mu.Unlock()

	for participantID, kinds := range pending {
		for _, kind := range kinds {
			if err := s.transport.RevokePublish(ctx, r.id, participantID, kind); err != nil {
				log.Printf("conclave: reconcile revoke failed session=%q participant=%q kind=%s err=%v", r.id, participantID, kind, err)
				continue
			}
			r.mu.Lock()
			r.clearPendingLocked(participantID, kind)
			r.mu.Unlock()
		}
	}
}

// grantWithRetry issues a grant and retries it once.
func (s *Service) grantWithRetry(ctx context.Context, sessionID, participantID string, kind media.Kind) error {
	err := s.transport.GrantPublish(ctx, sessionID, participantID, kind)
	if err == nil {
		return nil
	}
	log.Printf("conclave: grant publish failed, retrying session=%q participant=%q kind=%s err=%v", sessionID, participantID, kind, err)
	return s.transport.GrantPublish(ctx, sessionID, participantID, kind)
}

func (s *Service) revokeLogged(ctx context.Context, sessionID, participantID string, kinds []media.Kind) {
	for _, kind := range kinds {
		if err := s.transport.RevokePublish(ctx, sessionID, participantID, kind); err != nil {
			log.Printf("conclave: revoke publish failed session=%q participant=%q kind=%s err=%v", sessionID, participantID, kind, err)
		}
	}
}

// metadataLocked builds the transport metadata for participantID. The
// caller holds r.mu.
func (r *room) metadataLocked(participantID string) wire.ParticipantMetadata {
	p, _ := r.participants.Get(participantID)
	meta := wire.ParticipantMetadata{
		Role:          string(p.Role),
		HandRaised:    wire.Bool(p.HandRaised),
		MicEnabled:    wire.Bool(p.MicEnabled),
		CameraEnabled: wire.Bool(p.CameraEnabled),
	}
	for _, entry := range r.hands.List() {
		if entry.ParticipantID == participantID {
			raisedAt := entry.RaisedAt
			meta.HandRaisedAt = &raisedAt
			break
		}
	}
	return meta
}

func (s *Service) publishMetadata(ctx context.Context, sessionID, participantID string, meta wire.ParticipantMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.transport.SetParticipantMetadata(ctx, sessionID, participantID, data)
}

func (s *Service) publishMetadataLogged(ctx context.Context, sessionID, participantID string, meta wire.ParticipantMetadata) {
	if err := s.publishMetadata(ctx, sessionID, participantID, meta); err != nil {
		log.Printf("conclave: metadata broadcast failed session=%q participant=%q err=%v", sessionID, participantID, err)
	}
}
