package live

import (
	"context"
	"errors"
	"log"
	"time"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/timeouts"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

// ScheduleSession creates a Scheduled session.
func (s *Service) ScheduleSession(ctx context.Context, input session.CreateInput) (sess session.Session, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.schedule_session", input.ID, input.HostID)
	defer func() { finishSpan(span, err) }()

	sess, err = session.Create(input, s.now, s.newID)
	if err != nil {
		return session.Session{}, err
	}
	if _, err := s.store.GetSession(ctx, sess.ID); err == nil {
		return session.Session{}, apperrors.WithMetadata(apperrors.CodeSessionExists, "session already exists", map[string]string{"SessionID": sess.ID})
	} else if !errors.Is(err, storage.ErrNotFound) {
		return session.Session{}, persistenceFailure("check session", err)
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return session.Session{}, persistenceFailure("persist session", err)
	}
	s.trackRoom(sess)
	return sess, nil
}

// StartSession moves a Scheduled session to Live. Only the host may start it.
func (s *Service) StartSession(ctx context.Context, sessionID, actorID string) (sess session.Session, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.start_session", sessionID, actorID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	current := r.session
	r.mu.Unlock()

	if actorID != current.HostID {
		return session.Session{}, apperrors.New(apperrors.CodeUnauthorized, "only the host can start the session")
	}
	next, err := current.Start(s.now())
	if err != nil {
		return session.Session{}, err
	}
	if next.Status == current.Status {
		return next, nil
	}
	if err := s.store.PutSession(ctx, next); err != nil {
		return session.Session{}, persistenceFailure("persist session start", err)
	}

	r.mu.Lock()
	r.session = next
	if r.participants.Len() == 0 {
		s.startGraceLocked(r)
	}
	r.mu.Unlock()
	return next, nil
}

// OpenSession schedules and immediately starts a session for its host.
func (s *Service) OpenSession(ctx context.Context, input session.CreateInput) (session.Session, error) {
	sess, err := s.ScheduleSession(ctx, input)
	if err != nil {
		return session.Session{}, err
	}
	return s.StartSession(ctx, sess.ID, sess.HostID)
}

// EndSession ends the session. Host and Admin participants may end it, and
// the host may end it without being connected. Ended is terminal.
func (s *Service) EndSession(ctx context.Context, sessionID, actorID string) (sess session.Session, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.end_session", sessionID, actorID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	hostID := r.session.HostID
	actor, present := r.participants.Get(actorID)
	r.mu.Unlock()

	actorRole := actor.Role
	if !present {
		if actorID != hostID {
			return session.Session{}, apperrors.New(apperrors.CodeUnauthorized, "only moderators can end the session")
		}
		actorRole = role.Host
	}
	if err := role.AuthorizeModeration(actorRole); err != nil {
		return session.Session{}, err
	}
	return s.endRoom(ctx, r)
}

// endRoom persists the Ended status and tears down live state. The caller
// holds r.writeMu. A failed write leaves the session Live.
func (s *Service) endRoom(ctx context.Context, r *room) (session.Session, error) {
	r.mu.Lock()
	current := r.session
	r.mu.Unlock()

	next, err := current.End(s.now())
	if err != nil {
		return session.Session{}, err
	}
	if err := s.store.PutSession(ctx, next); err != nil {
		return session.Session{}, persistenceFailure("persist session end", err)
	}
	if err := s.store.ClearRoles(ctx, r.id); err != nil {
		log.Printf("conclave: clear roles failed session=%q err=%v", r.id, err)
	}

	r.mu.Lock()
	r.session = next
	r.stopTimersLocked()
	r.mutes = make(map[string]*mute)
	r.pendingRevokes = make(map[string]map[media.Kind]bool)
	present := r.participants.List()
	r.mu.Unlock()

	for _, p := range present {
		s.revokeLogged(ctx, r.id, p.ID, media.AllKinds)
	}
	return next, nil
}

// startGraceLocked arms the empty-session timer. The caller holds r.mu.
func (s *Service) startGraceLocked(r *room) {
	r.stopGraceLocked()
	if s.cfg.EmptyGrace < 0 {
		return
	}
	r.graceTimer = time.AfterFunc(s.cfg.EmptyGrace, func() { s.endEmpty(r) })
}

func (s *Service) endEmpty(r *room) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreWrite+timeouts.TransportCall)
	defer cancel()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	empty := r.participants.Len() == 0
	live := r.session.Live()
	r.graceTimer = nil
	r.mu.Unlock()
	if !empty || !live {
		return
	}
	if _, err := s.endRoom(ctx, r); err != nil {
		log.Printf("conclave: end empty session failed session=%q err=%v", r.id, err)
		return
	}
	log.Printf("conclave: ended empty session session=%q", r.id)
}
