package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/participant"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/grant"
	"github.com/louisbranch/conclave/internal/services/conclave/identity"
	"github.com/louisbranch/conclave/internal/services/conclave/live"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

const (
	// GrantCookieName carries the join grant for browser clients.
	GrantCookieName = "conclave_grant"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Facade is the session control surface the WebSocket handler drives.
type Facade interface {
	Join(ctx context.Context, sessionID, participantID string, display participant.DisplayMetadata) (live.Snapshot, error)
	Leave(ctx context.Context, sessionID, participantID string) error
	EndSession(ctx context.Context, sessionID, actorID string) (session.Session, error)
	SetRole(ctx context.Context, sessionID, actorID, targetID string, newRole role.Role) (role.Role, error)
	Kick(ctx context.Context, sessionID, actorID, targetID string) error
	RaiseHand(ctx context.Context, sessionID, participantID string) error
	LowerHand(ctx context.Context, sessionID, participantID string) error
	SetSpotlight(ctx context.Context, sessionID, actorID, targetID string) (spotlight.Change, error)
	SendChat(ctx context.Context, sessionID, authorID, body, clientMessageID string) (chat.Message, error)
	HideMessage(ctx context.Context, sessionID, actorID, messageID string) (chat.Message, error)
	Mute(ctx context.Context, sessionID, actorID, targetID string, duration time.Duration) error
	Unmute(ctx context.Context, sessionID, actorID, targetID string) error
}

// Attacher connects WebSocket peers to the media transport.
type Attacher interface {
	Attach(sessionID, participantID string, sink media.Sink)
	Detach(sessionID, participantID string, sink media.Sink)
	BroadcastMetadata(sessionID, participantID string, metadata json.RawMessage)
}

// ProfileRecorder stores profiles carried by validated join grants.
type ProfileRecorder interface {
	Put(userID string, profile identity.Profile)
}

// Options wires the handler's collaborators.
type Options struct {
	Facade    Facade
	Transport Attacher
	Hub       *Hub
	Profiles  ProfileRecorder
	Grant     grant.Config
}

type grantContextKey struct{}

// NewHandler builds the conclave HTTP routes: /up for liveness and /ws for
// the session WebSocket. Connections authenticate with a join grant for the
// session named by the session_id query parameter.
func NewHandler(opts Options) http.Handler {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, opts)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if opts.Facade == nil || opts.Transport == nil || opts.Grant.Issuer == "" {
			http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
			return
		}
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		token := grantFromRequest(r)
		if token == "" {
			log.Printf("conclave: websocket unauthorized: missing join grant remote=%s session=%q", r.RemoteAddr, sessionID)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		claims, err := grant.Verify(token, sessionID, opts.Grant)
		if err != nil {
			log.Printf("conclave: websocket unauthorized: join grant rejected remote=%s session=%q err=%v", r.RemoteAddr, sessionID, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if opts.Profiles != nil {
			opts.Profiles.Put(claims.UserID, identity.Profile{
				DisplayName: claims.Name,
				AvatarURL:   claims.AvatarURL,
				Admin:       claims.Admin,
			})
		}
		r = r.WithContext(context.WithValue(r.Context(), grantContextKey{}, claims))
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

// grantFromRequest reads the join grant from the cookie, a bearer header or
// the grant query parameter, in that order.
func grantFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(GrantCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("grant"))
}

// wsSession is the per-connection state after authentication.
type wsSession struct {
	opts      Options
	peer      *wsPeer
	claims    grant.Claims
	locale    string
	joined    bool
	sessionID string
}

func handleWSConn(conn *websocket.Conn, opts Options) {
	request := conn.Request()
	claims, _ := request.Context().Value(grantContextKey{}).(grant.Claims)
	peer := newWSPeer(conn)
	go peer.writeLoop()

	sess := &wsSession{
		opts:   opts,
		peer:   peer,
		claims: claims,
		locale: request.Header.Get("Accept-Language"),
	}
	defer func() {
		sess.detach()
		peer.finish()
	}()

	ctx := request.Context()
	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || isClosed(peer) || !isDecodeError(err) {
				return
			}
			decodeErrors++
			sess.protocolError("", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// The stream position is unknown after a syntax error.
				decoder = json.NewDecoder(conn)
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			sess.protocolError(frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			sess.protocolError(frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		sess.dispatch(ctx, frame)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func isClosed(peer *wsPeer) bool {
	select {
	case <-peer.done:
		return true
	default:
		return false
	}
}

// detach releases the transport attachment; the transport's disconnect
// callback runs the leave cascade.
func (s *wsSession) detach() {
	if !s.joined {
		return
	}
	s.opts.Hub.remove(s.sessionID, s.peer)
	s.opts.Transport.Detach(s.sessionID, s.claims.UserID, s.peer)
	s.joined = false
}

func (s *wsSession) dispatch(ctx context.Context, frame wire.Frame) {
	if frame.Type == wire.TypeSessionJoin {
		s.handleJoin(ctx, frame)
		return
	}
	if !s.joined {
		s.fail(frame.RequestID, apperrors.New(apperrors.CodeInvalidTransition, "join a session first"))
		return
	}
	actor := s.claims.UserID
	sid := s.sessionID

	var (
		result any
		err    error
	)
	switch frame.Type {
	case wire.TypeSessionLeave:
		err = s.opts.Facade.Leave(ctx, sid, actor)
		if err == nil {
			s.detach()
		}
	case wire.TypeSessionEnd:
		var ended session.Session
		if ended, err = s.opts.Facade.EndSession(ctx, sid, actor); err == nil {
			result = wire.FromSession(ended)
		}
	case wire.TypeRoleSet:
		var payload wire.SetRolePayload
		if err = decodePayload(frame, &payload); err != nil {
			break
		}
		target, ok := role.Parse(payload.Role)
		if !ok {
			err = apperrors.WithMetadata(apperrors.CodeInvalidTransition, "unknown role", map[string]string{"Role": payload.Role})
			break
		}
		var committed role.Role
		if committed, err = s.opts.Facade.SetRole(ctx, sid, actor, payload.TargetID, target); err == nil {
			result = wire.RoleChangedPayload{ParticipantID: payload.TargetID, Role: string(committed)}
		}
	case wire.TypeParticipantKick:
		var payload wire.TargetPayload
		if err = decodePayload(frame, &payload); err == nil {
			err = s.opts.Facade.Kick(ctx, sid, actor, payload.TargetID)
		}
	case wire.TypeHandRaise:
		err = s.opts.Facade.RaiseHand(ctx, sid, actor)
	case wire.TypeHandLower:
		err = s.opts.Facade.LowerHand(ctx, sid, actor)
	case wire.TypeSpotlightSet:
		var payload wire.SpotlightPayload
		if err = decodePayload(frame, &payload); err != nil {
			break
		}
		var change spotlight.Change
		if change, err = s.opts.Facade.SetSpotlight(ctx, sid, actor, payload.TargetID); err == nil {
			result = wire.SpotlightResult{Previous: wire.FromSpotlight(change.Previous), Current: wire.FromSpotlight(change.Current)}
		}
	case wire.TypeChatSend:
		var payload wire.ChatSendPayload
		if err = decodePayload(frame, &payload); err != nil {
			break
		}
		var msg chat.Message
		if msg, err = s.opts.Facade.SendChat(ctx, sid, actor, payload.Body, payload.ClientMessageID); err == nil {
			result = wire.FromChat(msg)
		}
	case wire.TypeChatHide:
		var payload wire.ChatHidePayload
		if err = decodePayload(frame, &payload); err != nil {
			break
		}
		var msg chat.Message
		if msg, err = s.opts.Facade.HideMessage(ctx, sid, actor, payload.MessageID); err == nil {
			result = wire.FromChat(msg)
		}
	case wire.TypeChatMute:
		var payload wire.MutePayload
		if err = decodePayload(frame, &payload); err == nil {
			err = s.opts.Facade.Mute(ctx, sid, actor, payload.TargetID, time.Duration(payload.DurationSeconds)*time.Second)
		}
	case wire.TypeChatUnmute:
		var payload wire.TargetPayload
		if err = decodePayload(frame, &payload); err == nil {
			err = s.opts.Facade.Unmute(ctx, sid, actor, payload.TargetID)
		}
	case wire.TypeMetadataUpdate:
		var payload wire.ParticipantMetadata
		if err = decodePayload(frame, &payload); err != nil {
			break
		}
		// Roles are server-assigned; a client cannot announce its own.
		payload.Role = ""
		var data []byte
		if data, err = json.Marshal(payload); err == nil {
			s.opts.Transport.BroadcastMetadata(sid, actor, data)
		}
	default:
		s.protocolError(frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		return
	}

	if err != nil {
		s.fail(frame.RequestID, err)
		return
	}
	s.reply(wire.TypeAck, frame.RequestID, result)
}

func (s *wsSession) handleJoin(ctx context.Context, frame wire.Frame) {
	var payload wire.JoinPayload
	if len(frame.Payload) > 0 {
		if err := decodePayload(frame, &payload); err != nil {
			s.fail(frame.RequestID, err)
			return
		}
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		sessionID = s.claims.SessionID
	}
	if sessionID != s.claims.SessionID {
		s.fail(frame.RequestID, apperrors.WithMetadata(apperrors.CodeJoinGrantMismatch, "join grant is for another session", map[string]string{"Field": "session_id"}))
		return
	}
	if s.joined {
		s.fail(frame.RequestID, apperrors.New(apperrors.CodeInvalidTransition, "already joined"))
		return
	}

	participantID := s.claims.UserID
	s.opts.Transport.Attach(sessionID, participantID, s.peer)
	s.opts.Hub.add(sessionID, s.peer)
	snap, err := s.opts.Facade.Join(ctx, sessionID, participantID, participant.DisplayMetadata{
		Name:      payload.Name,
		AvatarURL: payload.AvatarURL,
	})
	if err != nil {
		s.opts.Hub.remove(sessionID, s.peer)
		s.opts.Transport.Detach(sessionID, participantID, s.peer)
		s.fail(frame.RequestID, err)
		return
	}
	s.joined = true
	s.sessionID = sessionID
	s.reply(wire.TypeSnapshot, frame.RequestID, snapshotPayload(snap))
}

func snapshotPayload(snap live.Snapshot) wire.Snapshot {
	participants := make([]wire.Participant, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		participants = append(participants, wire.FromParticipant(p))
	}
	history := make([]wire.ChatMessage, 0, len(snap.History))
	for _, msg := range snap.History {
		history = append(history, wire.FromChat(msg))
	}
	return wire.Snapshot{
		Session:      wire.FromSession(snap.Session),
		Self:         wire.FromParticipant(snap.Self),
		Participants: participants,
		Spotlight:    wire.FromSpotlight(snap.Spotlight),
		RaisedHands:  wire.FromHands(snap.RaisedHands),
		History:      history,
		Muted:        snap.Muted,
	}
}

func (s *wsSession) reply(frameType, requestID string, payload any) {
	frame, err := wire.NewFrame(frameType, requestID, payload)
	if err != nil {
		log.Printf("conclave: encode %s frame failed err=%v", frameType, err)
		return
	}
	s.peer.send(frame)
}

func (s *wsSession) fail(requestID string, err error) {
	s.reply(wire.TypeError, requestID, errorPayload(s.locale, err))
}

func (s *wsSession) protocolError(requestID, code, message string) {
	s.reply(wire.TypeError, requestID, wire.ErrorPayload{Code: code, Message: message})
}
