package live

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/identity"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
	"github.com/louisbranch/conclave/internal/services/conclave/storage/changefeed"
)

var errStoreDown = errors.New("store down")

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) index(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeStore struct {
	mu         sync.Mutex
	log        *callLog
	publisher  storage.Publisher
	sessions   map[string]session.Session
	roles      map[string]map[string]role.Role
	spotlights map[string]spotlight.State
	messages   []chat.Message

	failPutSession bool
	failPutRole    bool
	failSpotlight  bool
	failAppend     bool
	failList       bool
}

func newFakeStore(log *callLog, publisher storage.Publisher) *fakeStore {
	return &fakeStore{
		log:        log,
		publisher:  publisher,
		sessions:   make(map[string]session.Session),
		roles:      make(map[string]map[string]role.Role),
		spotlights: make(map[string]spotlight.State),
	}
}

func (f *fakeStore) publish(change storage.Change, err error) {
	if f.publisher == nil || err != nil {
		return
	}
	_ = f.publisher.Publish(context.Background(), change)
}

func (f *fakeStore) setFail(fn func(*fakeStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeStore) PutSession(_ context.Context, sess session.Session) error {
	f.mu.Lock()
	if f.failPutSession {
		f.mu.Unlock()
		return errStoreDown
	}
	_, existed := f.sessions[sess.ID]
	f.sessions[sess.ID] = sess
	f.mu.Unlock()
	op := storage.OpUpdate
	if !existed {
		op = storage.OpInsert
	}
	f.publish(storage.SessionChange(op, sess))
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStore) PutRole(_ context.Context, sessionID, participantID string, r role.Role) error {
	f.log.add("put_role:" + participantID + ":" + string(r))
	f.mu.Lock()
	if f.failPutRole {
		f.mu.Unlock()
		return errStoreDown
	}
	if f.roles[sessionID] == nil {
		f.roles[sessionID] = make(map[string]role.Role)
	}
	f.roles[sessionID][participantID] = r
	f.mu.Unlock()
	f.publish(storage.RoleChange(storage.OpUpdate, sessionID, participantID, r))
	return nil
}

func (f *fakeStore) ListRoles(_ context.Context, sessionID string) (map[string]role.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]role.Role)
	for id, r := range f.roles[sessionID] {
		out[id] = r
	}
	return out, nil
}

func (f *fakeStore) ClearRoles(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles, sessionID)
	return nil
}

func (f *fakeStore) storedRole(sessionID, participantID string) role.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[sessionID][participantID]
}

func (f *fakeStore) PutSpotlight(_ context.Context, sessionID string, state spotlight.State) (spotlight.State, error) {
	f.mu.Lock()
	if f.failSpotlight {
		f.mu.Unlock()
		return spotlight.State{}, errStoreDown
	}
	f.spotlights[sessionID] = state
	f.mu.Unlock()
	f.publish(storage.SpotlightChange(sessionID, state))
	return state, nil
}

func (f *fakeStore) GetSpotlight(_ context.Context, sessionID string) (spotlight.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spotlights[sessionID], nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	f.mu.Lock()
	if f.failAppend {
		f.mu.Unlock()
		return chat.Message{}, errStoreDown
	}
	if sess, ok := f.sessions[msg.SessionID]; ok && sess.Status == session.StatusEnded {
		f.mu.Unlock()
		return chat.Message{}, storage.ErrSessionEnded
	}
	for _, existing := range f.messages {
		if existing.ID == msg.ID {
			f.mu.Unlock()
			return existing, nil
		}
	}
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	f.publish(storage.MessageChange(storage.OpInsert, msg))
	return msg, nil
}

func (f *fakeStore) HideMessage(_ context.Context, sessionID, messageID string) (chat.Message, error) {
	f.mu.Lock()
	for i, msg := range f.messages {
		if msg.SessionID == sessionID && msg.ID == messageID {
			f.messages[i].Hidden = true
			hidden := f.messages[i]
			f.mu.Unlock()
			f.publish(storage.MessageChange(storage.OpUpdate, hidden))
			return hidden, nil
		}
	}
	f.mu.Unlock()
	return chat.Message{}, storage.ErrNotFound
}

func (f *fakeStore) ListMessages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errStoreDown
	}
	var out []chat.Message
	for _, msg := range f.messages {
		if msg.SessionID == sessionID && !msg.Hidden {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeTransport wraps the in-process transport with failure injection.
type fakeTransport struct {
	*media.Local
	log *callLog

	mu            sync.Mutex
	grantFailures int
	revokeErr     error
	beforePublish func()
}

func (t *fakeTransport) GrantPublish(ctx context.Context, sessionID, participantID string, kind media.Kind) error {
	t.log.add("grant:" + participantID + ":" + string(kind))
	t.mu.Lock()
	if t.grantFailures > 0 {
		t.grantFailures--
		t.mu.Unlock()
		return media.ErrUnavailable
	}
	t.mu.Unlock()
	return t.Local.GrantPublish(ctx, sessionID, participantID, kind)
}

func (t *fakeTransport) RevokePublish(ctx context.Context, sessionID, participantID string, kind media.Kind) error {
	t.log.add("revoke:" + participantID + ":" + string(kind))
	t.mu.Lock()
	err := t.revokeErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Local.RevokePublish(ctx, sessionID, participantID, kind)
}

func (t *fakeTransport) PublishData(ctx context.Context, sessionID, senderID string, payload []byte) error {
	t.mu.Lock()
	hook := t.beforePublish
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return t.Local.PublishData(ctx, sessionID, senderID, payload)
}

func (t *fakeTransport) set(fn func(*fakeTransport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

type dataSink struct {
	mu       sync.Mutex
	data     [][]byte
	metadata []json.RawMessage
	closed   bool
}

func (s *dataSink) DeliverData(_ string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, payload)
}

func (s *dataSink) DeliverMetadata(_ string, metadata json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, metadata)
}

func (s *dataSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *dataSink) dataCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) find(eventType EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.Type == eventType {
			return event, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) waitFor(t *testing.T, eventType EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if event, ok := r.find(eventType); ok {
			return event
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", eventType)
	return Event{}
}

type harness struct {
	svc       *Service
	store     *fakeStore
	transport *fakeTransport
	broker    *changefeed.Broker
	events    *eventRecorder
	log       *callLog
}

const (
	testSession = "s1"
	testHost    = "host"
	testAdmin   = "admin"
)

func testConfig() Config {
	return Config{
		HistoryWindow:     10,
		EmptyGrace:        -1,
		ReconcileInterval: -1,
		PersistAttempts:   2,
		PersistBackoff:    time.Millisecond,
	}
}

func newHarness(t *testing.T, mode session.MediaMode, cfg Config) *harness {
	t.Helper()
	calls := &callLog{}
	broker := changefeed.New(64)
	store := newFakeStore(calls, broker)
	transport := &fakeTransport{Local: media.NewLocal(), log: calls}
	events := &eventRecorder{}
	directory := identity.NewMemory(map[string]identity.Profile{
		testAdmin: {DisplayName: "Ada", Admin: true},
		"u1":      {DisplayName: "Uma", AvatarURL: "https://img/u1.png"},
	})
	svc, err := NewService(Deps{
		Store:     store,
		Feed:      broker,
		Transport: transport,
		Directory: directory,
		Notifier:  events,
	}, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	if _, err := svc.OpenSession(context.Background(), session.CreateInput{ID: testSession, HostID: testHost, Mode: string(mode)}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	return &harness{svc: svc, store: store, transport: transport, broker: broker, events: events, log: calls}
}

// forwardChanges pipes the broker into the service the way Run does, with
// the subscription in place before the call returns.
func (h *harness) forwardChanges(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, release, err := h.broker.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(release)
	go func() {
		for change := range ch {
			h.svc.applyChange(change)
		}
	}()
}

func (h *harness) join(t *testing.T, participantID string) Snapshot {
	t.Helper()
	snap, err := h.svc.Join(context.Background(), testSession, participantID, participant.DisplayMetadata{})
	if err != nil {
		t.Fatalf("join %s: %v", participantID, err)
	}
	return snap
}

func (h *harness) permissions(participantID string) []string {
	perms := h.transport.Permissions(testSession, participantID)
	out := make([]string, 0, len(perms))
	for kind := range perms {
		out = append(out, string(kind))
	}
	sort.Strings(out)
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
