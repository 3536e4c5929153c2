package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/id"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/handraise"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/identity"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

const tracerName = "github.com/louisbranch/conclave/internal/services/conclave/live"

const (
	defaultHistoryWindow     = 50
	defaultEmptyGrace        = 2 * time.Minute
	defaultReconcileInterval = 15 * time.Second
	defaultPersistAttempts   = 3
	defaultPersistBackoff    = 200 * time.Millisecond
)

// Config tunes the facade.
type Config struct {
	// HistoryWindow bounds the chat history returned in a join snapshot.
	HistoryWindow int
	// EmptyGrace is how long an empty Live session survives before it is
	// ended. Negative disables the timer.
	EmptyGrace time.Duration
	// ReconcileInterval paces the background publish-permission check.
	// Negative disables it.
	ReconcileInterval time.Duration
	// PersistAttempts bounds durable chat append attempts.
	PersistAttempts int
	// PersistBackoff is the first delay between append attempts; it doubles.
	PersistBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow == 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.EmptyGrace == 0 {
		c.EmptyGrace = defaultEmptyGrace
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = defaultPersistAttempts
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = defaultPersistBackoff
	}
	return c
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     storage.Store
	Feed      storage.Feed
	Transport media.Transport
	Directory identity.Directory
	Notifier  Notifier
	Clock     func() time.Time
	NewID     func() (string, error)
	Tracer    trace.Tracer
}

// Service is the session control facade.
type Service struct {
	store     storage.Store
	feed      storage.Feed
	transport media.Transport
	directory identity.Directory
	notifier  Notifier
	now       func() time.Time
	newID     func() (string, error)
	tracer    trace.Tracer
	cfg       Config

	mu    sync.Mutex
	rooms map[string]*room

	persistWG sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewService builds a facade and registers its transport callbacks.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("media transport is required")
	}
	s := &Service{
		store:     deps.Store,
		feed:      deps.Feed,
		transport: deps.Transport,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		now:       deps.Clock,
		newID:     deps.NewID,
		tracer:    deps.Tracer,
		cfg:       cfg.withDefaults(),
		rooms:     make(map[string]*room),
		stop:      make(chan struct{}),
	}
	if s.directory == nil {
		s.directory = identity.NewMemory(nil)
	}
	if s.notifier == nil {
		s.notifier = NotifierFunc(func(Event) {})
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = id.NewID
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.transport.OnParticipantDisconnected(s.handleDisconnect)
	s.transport.OnMetadataBroadcastReceived(s.handleMetadata)
	return s, nil
}

// Close stops timers and waits for in-flight chat appends.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		rooms := make([]*room, 0, len(s.rooms))
		for _, r := range s.rooms {
			rooms = append(rooms, r)
		}
		s.mu.Unlock()
		for _, r := range rooms {
			r.mu.Lock()
			r.stopTimersLocked()
			r.mu.Unlock()
		}
	})
	s.persistWG.Wait()
}

// Run forwards store changes to the notifier and runs the background
// consistency check until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	var changes <-chan storage.Change
	if s.feed != nil {
		ch, cancel, err := s.feed.Subscribe(ctx, "")
		if err != nil {
			return fmt.Errorf("subscribe to changes: %w", err)
		}
		defer cancel()
		changes = ch
	}

	var tick <-chan time.Time
	if s.cfg.ReconcileInterval > 0 {
		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.applyChange(change)
		case <-tick:
			s.reconcile(ctx)
		}
	}
}

// room is the live state of one session.
type room struct {
	id string

	// writeMu serializes mutations of the session. It is held across
	// transport and store calls; mu is not.
	writeMu sync.Mutex

	mu             sync.Mutex
	session        session.Session
	participants   *participant.Registry
	roles          map[string]role.Role
	hands          handraise.Queue
	spotlight      spotlight.State
	mutes          map[string]*mute
	pendingRevokes map[string]map[media.Kind]bool
	graceTimer     *time.Timer
}

type mute struct {
	until time.Time // zero for an indefinite mute
	timer *time.Timer
}

func newRoom(sess session.Session, roles map[string]role.Role) *room {
	if roles == nil {
		roles = make(map[string]role.Role)
	}
	return &room{
		id:             sess.ID,
		session:        sess,
		participants:   participant.NewRegistry(),
		roles:          roles,
		mutes:          make(map[string]*mute),
		pendingRevokes: make(map[string]map[media.Kind]bool),
	}
}

func (s *Service) existingRoom(sessionID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[sessionID]
}

// loadRoom returns the room for sessionID, loading it from the store on
// first use. Nobody is connected to a freshly loaded room, so a stored
// spotlight is cleared.
func (s *Service) loadRoom(ctx context.Context, sessionID string) (*room, error) {
	if r := s.existingRoom(sessionID); r != nil {
		return r, nil
	}
	if sessionID == "" {
		return nil, apperrors.New(apperrors.CodeSessionNotFound, "session id is required")
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.WithMetadata(apperrors.CodeSessionNotFound, "session not found", map[string]string{"SessionID": sessionID})
	}
	if err != nil {
		return nil, persistenceFailure("load session", err)
	}
	roles, err := s.store.ListRoles(ctx, sessionID)
	if err != nil {
		return nil, persistenceFailure("load roles", err)
	}
	stored, err := s.store.GetSpotlight(ctx, sessionID)
	if err != nil {
		return nil, persistenceFailure("load spotlight", err)
	}
	if stored.Active() && sess.Live() {
		if _, err := s.store.PutSpotlight(ctx, sessionID, spotlight.State{UpdatedAt: s.now().UTC()}); err != nil {
			log.Printf("conclave: clear stale spotlight failed session=%q err=%v", sessionID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[sessionID]; ok {
		return existing, nil
	}
	r := newRoom(sess, roles)
	s.rooms[sessionID] = r
	return r, nil
}

func (s *Service) trackRoom(sess session.Session) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[sess.ID]; ok {
		existing.mu.Lock()
		existing.session = sess
		existing.mu.Unlock()
		return existing
	}
	r := newRoom(sess, nil)
	s.rooms[sess.ID] = r
	return r
}

// requireLiveLocked rejects mutations outside the Live status.
func (r *room) requireLiveLocked() error {
	switch r.session.Status {
	case session.StatusLive:
		return nil
	case session.StatusEnded:
		return apperrors.WithMetadata(apperrors.CodeSessionEnded, "session has ended", map[string]string{"SessionID": r.id})
	default:
		return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "session is not live", map[string]string{"SessionID": r.id})
	}
}

func (r *room) stopGraceLocked() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

func (r *room) stopTimersLocked() {
	r.stopGraceLocked()
	for _, m := range r.mutes {
		if m.timer != nil {
			m.timer.Stop()
		}
	}
}

func (r *room) addPendingLocked(participantID string, kind media.Kind) {
	kinds, ok := r.pendingRevokes[participantID]
	if !ok {
		kinds = make(map[media.Kind]bool)
		r.pendingRevokes[participantID] = kinds
	}
	kinds[kind] = true
}

func (r *room) clearPendingLocked(participantID string, kind media.Kind) {
	kinds, ok := r.pendingRevokes[participantID]
	if !ok {
		return
	}
	delete(kinds, kind)
	if len(kinds) == 0 {
		delete(r.pendingRevokes, participantID)
	}
}

func (r *room) mutedLocked(participantID string) bool {
	_, ok := r.mutes[participantID]
	return ok
}

func (s *Service) lookupProfile(ctx context.Context, userID string) identity.Profile {
	profile, err := s.directory.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			log.Printf("conclave: profile lookup failed user=%q err=%v", userID, err)
		}
		return identity.Profile{}
	}
	return profile
}

func transportFailure(message string, err error) error {
	return apperrors.Wrap(apperrors.CodeTransportFailure, message, err)
}

func persistenceFailure(message string, err error) error {
	return apperrors.Wrap(apperrors.CodePersistenceFailure, message, err)
}
