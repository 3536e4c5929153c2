package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/id"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

// GrantCookieName matches the server's join grant cookie.
const GrantCookieName = "conclave_grant"

// ErrClosed is returned for requests on a closed connection.
var ErrClosed = errors.New("conclave connection closed")

// Options configures Dial.
type Options struct {
	// URL is the server base URL, http(s) or ws(s).
	URL       string
	SessionID string
	Grant     string
	// SelfID seeds the mirror before the join snapshot arrives.
	SelfID string
	// Locale selects the language of server error messages.
	Locale string
	// OnFrame, when set, sees every server frame after the mirror applied it.
	OnFrame func(wire.Frame)
	Mirror  []MirrorOption
}

// Conn is a client connection to one conclave session. Requests are
// correlated with their ack or error frame by request id; every other frame
// is folded into the connection's Mirror.
type Conn struct {
	ws      *websocket.Conn
	mirror  *Mirror
	onFrame func(wire.Frame)

	writeMu sync.Mutex
	mu      sync.Mutex
	waiters map[string]chan wire.Frame
	nextID  atomic.Uint64

	done    chan struct{}
	readErr error
}

// Dial opens a WebSocket to the session endpoint and starts reading frames.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if strings.TrimSpace(opts.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if strings.TrimSpace(opts.Grant) == "" {
		return nil, errors.New("join grant is required")
	}
	wsURL, origin, err := endpoint(opts.URL, opts.SessionID)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Cookie", GrantCookieName+"="+opts.Grant)
	if opts.Locale != "" {
		cfg.Header.Set("Accept-Language", opts.Locale)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial conclave: %w", err)
	}

	c := &Conn{
		ws:      ws,
		mirror:  NewMirror(opts.SelfID, opts.Mirror...),
		onFrame: opts.OnFrame,
		waiters: make(map[string]chan wire.Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func endpoint(base, sessionID string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	origin := "http://" + u.Host
	if u.Scheme == "wss" {
		origin = "https://" + u.Host
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String(), origin, nil
}

// Mirror returns the connection's view of the session.
func (c *Conn) Mirror() *Mirror {
	return c.mirror
}

// Done is closed when the read loop stops.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop stopped, or nil while it runs or after a
// clean close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close closes the WebSocket and waits for the read loop.
func (c *Conn) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) readLoop() {
	decoder := json.NewDecoder(c.ws)
	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			c.stop(err)
			return
		}
		if err := c.mirror.ApplyFrame(frame); err != nil {
			log.Printf("conclave client: apply frame failed type=%s err=%v", frame.Type, err)
		}
		if frame.RequestID != "" {
			c.deliver(frame)
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *Conn) deliver(frame wire.Frame) {
	c.mu.Lock()
	waiter, ok := c.waiters[frame.RequestID]
	delete(c.waiters, frame.RequestID)
	c.mu.Unlock()
	if ok {
		waiter <- frame
	}
}

// stop fails every outstanding request and marks the connection done.
func (c *Conn) stop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.readErr = err
	}
	for requestID, waiter := range c.waiters {
		close(waiter)
		delete(c.waiters, requestID)
	}
	close(c.done)
}

// request sends a frame and waits for the correlated reply.
func (c *Conn) request(ctx context.Context, frameType string, payload any) (wire.Frame, error) {
	requestID := strconv.FormatUint(c.nextID.Add(1), 10)
	frame, err := wire.NewFrame(frameType, requestID, payload)
	if err != nil {
		return wire.Frame{}, err
	}
	waiter := make(chan wire.Frame, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return wire.Frame{}, ErrClosed
	default:
	}
	c.waiters[requestID] = waiter
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.forget(requestID)
		return wire.Frame{}, err
	}
	select {
	case reply, ok := <-waiter:
		if !ok {
			return wire.Frame{}, ErrClosed
		}
		if reply.Type == wire.TypeError {
			return reply, replyError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(requestID)
		return wire.Frame{}, ctx.Err()
	}
}

func (c *Conn) forget(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}

func (c *Conn) write(frame wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(c.ws).Encode(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// replyError turns an error frame back into a coded error so callers can
// match it with errors.Is against apperrors sentinels.
func replyError(frame wire.Frame) error {
	var payload wire.ErrorPayload
	if err := frame.Decode(&payload); err != nil {
		return fmt.Errorf("decode error frame: %w", err)
	}
	if payload.DomainCode == "" {
		return &ProtocolError{Code: payload.Code, Message: payload.Message}
	}
	return apperrors.New(apperrors.Code(payload.DomainCode), payload.Message)
}

// ProtocolError is a server rejection that carries no domain code, such as a
// malformed frame or rate limiting.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

// Join enters the session and applies the returned snapshot.
func (c *Conn) Join(ctx context.Context, sessionID, name, avatarURL string) (wire.Snapshot, error) {
	reply, err := c.request(ctx, wire.TypeSessionJoin, wire.JoinPayload{SessionID: sessionID, Name: name, AvatarURL: avatarURL})
	if err != nil {
		return wire.Snapshot{}, err
	}
	var snap wire.Snapshot
	if err := reply.Decode(&snap); err != nil {
		return wire.Snapshot{}, err
	}
	return snap, nil
}

// Leave exits the session without closing the connection.
func (c *Conn) Leave(ctx context.Context) error {
	_, err := c.request(ctx, wire.TypeSessionLeave, nil)
	return err
}

// EndSession ends the session for everyone.
func (c *Conn) EndSession(ctx context.Context) (wire.Session, error) {
	reply, err := c.request(ctx, wire.TypeSessionEnd, nil)
	if err != nil {
		return wire.Session{}, err
	}
	var sess wire.Session
	if err := reply.Decode(&sess); err != nil {
		return wire.Session{}, err
	}
	return sess, nil
}

// SetRole changes targetID's role and returns the committed role.
func (c *Conn) SetRole(ctx context.Context, targetID, role string) (string, error) {
	reply, err := c.request(ctx, wire.TypeRoleSet, wire.SetRolePayload{TargetID: targetID, Role: role})
	if err != nil {
		return "", err
	}
	var result wire.RoleChangedPayload
	if err := reply.Decode(&result); err != nil {
		return "", err
	}
	return result.Role, nil
}

// Kick removes targetID from the session.
func (c *Conn) Kick(ctx context.Context, targetID string) error {
	_, err := c.request(ctx, wire.TypeParticipantKick, wire.TargetPayload{TargetID: targetID})
	return err
}

// RaiseHand asks to speak.
func (c *Conn) RaiseHand(ctx context.Context) error {
	_, err := c.request(ctx, wire.TypeHandRaise, nil)
	return err
}

// LowerHand withdraws a raised hand.
func (c *Conn) LowerHand(ctx context.Context) error {
	_, err := c.request(ctx, wire.TypeHandLower, nil)
	return err
}

// SetSpotlight toggles the spotlight for targetID. The mirror shows the new
// value immediately; if the server rejects the request the mirror goes back
// to the value it showed before, unless a newer server update arrived.
func (c *Conn) SetSpotlight(ctx context.Context, targetID string) (wire.SpotlightResult, error) {
	attempt := c.mirror.BeginSpotlight(targetID)
	reply, err := c.request(ctx, wire.TypeSpotlightSet, wire.SpotlightPayload{TargetID: targetID})
	if err != nil {
		c.mirror.RollbackSpotlight(attempt)
		return wire.SpotlightResult{Previous: wire.FromSpotlight(attempt.Previous), Current: wire.FromSpotlight(attempt.Previous)}, err
	}
	var result wire.SpotlightResult
	if err := reply.Decode(&result); err != nil {
		return wire.SpotlightResult{}, err
	}
	return result, nil
}

// SendChat shows body as a pending message and sends it. A rejected send
// removes the pending message; a confirmed one replaces it.
func (c *Conn) SendChat(ctx context.Context, body string) (chat.Message, error) {
	clientMessageID, err := id.NewID()
	if err != nil {
		return chat.Message{}, fmt.Errorf("generate client message id: %w", err)
	}
	body, clientMessageID, err = chat.Normalize(body, clientMessageID)
	if err != nil {
		return chat.Message{}, err
	}
	c.mirror.AddPending(body, clientMessageID)
	reply, err := c.request(ctx, wire.TypeChatSend, wire.ChatSendPayload{Body: body, ClientMessageID: clientMessageID})
	if err != nil {
		c.mirror.DropPending(clientMessageID)
		return chat.Message{}, err
	}
	var msg wire.ChatMessage
	if err := reply.Decode(&msg); err != nil {
		return chat.Message{}, err
	}
	confirmed := msg.Domain()
	c.mirror.Merge(confirmed)
	return confirmed, nil
}

// HideMessage hides a persisted message.
func (c *Conn) HideMessage(ctx context.Context, messageID string) (chat.Message, error) {
	reply, err := c.request(ctx, wire.TypeChatHide, wire.ChatHidePayload{MessageID: messageID})
	if err != nil {
		return chat.Message{}, err
	}
	var msg wire.ChatMessage
	if err := reply.Decode(&msg); err != nil {
		return chat.Message{}, err
	}
	hidden := msg.Domain()
	c.mirror.Merge(hidden)
	return hidden, nil
}

// Mute blocks targetID's chat for duration, or until unmuted when duration
// is not positive.
func (c *Conn) Mute(ctx context.Context, targetID string, duration time.Duration) error {
	_, err := c.request(ctx, wire.TypeChatMute, wire.MutePayload{TargetID: targetID, DurationSeconds: int(duration / time.Second)})
	return err
}

// Unmute restores targetID's chat.
func (c *Conn) Unmute(ctx context.Context, targetID string) error {
	_, err := c.request(ctx, wire.TypeChatUnmute, wire.TargetPayload{TargetID: targetID})
	return err
}

// UpdateMetadata announces local media state to the session.
func (c *Conn) UpdateMetadata(ctx context.Context, metadata wire.ParticipantMetadata) error {
	_, err := c.request(ctx, wire.TypeMetadataUpdate, metadata)
	return err
}
