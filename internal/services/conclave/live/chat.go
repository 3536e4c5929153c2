package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/timeouts"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/chat"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/session"
	"github.com/louisbranch/conclave/internal/services/conclave/media"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

// SendChat broadcasts a chat line over the transport's data channel and
// queues its durable append. A broadcast failure, including a muted author,
// is returned; an append failure is only logged.
func (s *Service) SendChat(ctx context.Context, sessionID, authorID, body, clientMessageID string) (msg chat.Message, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.send_chat", sessionID, authorID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	r.mu.Lock()
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return chat.Message{}, err
	}
	author, ok := r.participants.Get(authorID)
	r.mu.Unlock()
	if !ok {
		return chat.Message{}, apperrors.New(apperrors.CodeUnauthorized, "only participants can chat")
	}

	body, clientMessageID, err = chat.Normalize(body, clientMessageID)
	if err != nil {
		return chat.Message{}, err
	}
	messageID, err := s.newID()
	if err != nil {
		return chat.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	msg = chat.Message{
		ID:              messageID,
		SessionID:       sessionID,
		AuthorID:        authorID,
		AuthorName:      author.Display.Name,
		Body:            body,
		ClientMessageID: clientMessageID,
		CreatedAt:       s.now().UTC(),
	}

	payload, err := wire.EncodeChatData(msg)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.transport.PublishData(ctx, sessionID, authorID, payload); err != nil {
		// Ending the session revokes data grants; report the end, not a mute.
		r.mu.Lock()
		liveErr := r.requireLiveLocked()
		r.mu.Unlock()
		if liveErr != nil {
			return chat.Message{}, liveErr
		}
		failure := apperrors.Wrap(apperrors.CodeTransportFailure, "broadcast chat message", err)
		if errors.Is(err, media.ErrNotPermitted) {
			failure.Metadata = map[string]string{"Reason": "muted"}
		}
		return chat.Message{}, failure
	}

	s.persistAsync(r, msg)
	return msg, nil
}

// persistAsync appends msg to the durable log with bounded retries. Pending
// attempts are dropped once the session ends.
func (s *Service) persistAsync(r *room, msg chat.Message) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		backoff := s.cfg.PersistBackoff
		for attempt := 1; attempt <= s.cfg.PersistAttempts; attempt++ {
			r.mu.Lock()
			ended := r.session.Status == session.StatusEnded
			r.mu.Unlock()
			if ended {
				logChatRejected(msg)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreWrite)
			_, err := s.store.AppendMessage(ctx, msg)
			cancel()
			if err == nil {
				return
			}
			if errors.Is(err, storage.ErrSessionEnded) {
				logChatRejected(msg)
				return
			}
			log.Printf("conclave: durable chat append failed session=%q message=%q attempt=%d err=%v", msg.SessionID, msg.ID, attempt, err)
			if attempt == s.cfg.PersistAttempts {
				break
			}
			select {
			case <-time.After(backoff):
			case <-s.stop:
				return
			}
			backoff *= 2
		}
		log.Printf("conclave: durable chat append abandoned session=%q message=%q", msg.SessionID, msg.ID)
	}()
}

func logChatRejected(msg chat.Message) {
	log.Printf("conclave: durable chat append rejected session=%q message=%q code=%s", msg.SessionID, msg.ID, apperrors.CodeSessionEnded)
}

// HideMessage sets the hidden flag on a persisted message.
func (s *Service) HideMessage(ctx context.Context, sessionID, actorID, messageID string) (msg chat.Message, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.hide_message", sessionID, actorID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	r.mu.Lock()
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return chat.Message{}, err
	}
	actor, ok := r.participants.Get(actorID)
	r.mu.Unlock()
	if !ok {
		return chat.Message{}, apperrors.New(apperrors.CodeUnauthorized, "actor is not a participant")
	}
	if err := role.AuthorizeModeration(actor.Role); err != nil {
		return chat.Message{}, err
	}

	msg, err = s.store.HideMessage(ctx, sessionID, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return chat.Message{}, apperrors.WithMetadata(apperrors.CodeMessageNotFound, "message not found", map[string]string{"MessageID": messageID})
	}
	if err != nil {
		return chat.Message{}, persistenceFailure("hide message", err)
	}
	return msg, nil
}

// Mute revokes targetID's data-channel grant so their chat sends fail. A
// positive duration restores it when it elapses; otherwise the mute lasts
// until Unmute or the session ends. Audio and video grants are untouched.
func (s *Service) Mute(ctx context.Context, sessionID, actorID, targetID string, duration time.Duration) (err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.mute", sessionID, actorID)
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
	if err := role.AuthorizeMute(actorID, actor.Role, targetID, target.Role); err != nil {
		return err
	}
	if err := s.transport.RevokePublish(ctx, sessionID, targetID, media.KindData); err != nil {
		return transportFailure("revoke chat publish", err)
	}

	m := &mute{}
	if duration > 0 {
		m.until = s.now().Add(duration)
		m.timer = time.AfterFunc(duration, func() { s.expireMute(r, targetID, m) })
	}
	r.mu.Lock()
	if previous, ok := r.mutes[targetID]; ok && previous.timer != nil {
		previous.timer.Stop()
	}
	r.mutes[targetID] = m
	r.mu.Unlock()
	return nil
}

// Unmute restores targetID's chat grant. Unmuting an unmuted participant is
// a no-op.
func (s *Service) Unmute(ctx context.Context, sessionID, actorID, targetID string) (err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.unmute", sessionID, actorID)
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
	m, muted := r.mutes[targetID]
	present := r.participants.Has(targetID)
	r.mu.Unlock()

	if !actorOK {
		return apperrors.New(apperrors.CodeUnauthorized, "actor is not a participant")
	}
	if err := role.AuthorizeModeration(actor.Role); err != nil {
		return err
	}
	if !muted {
		return nil
	}
	if present {
		if err := s.grantWithRetry(ctx, sessionID, targetID, media.KindData); err != nil {
			return transportFailure("restore chat publish", err)
		}
	}
	r.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	delete(r.mutes, targetID)
	r.mu.Unlock()
	return nil
}

// Muted reports whether participantID's chat is muted.
func (s *Service) Muted(ctx context.Context, sessionID, participantID string) (bool, error) {
	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutedLocked(participantID), nil
}

func (s *Service) expireMute(r *room, targetID string, m *mute) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.TransportCall)
	defer cancel()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.mutes[targetID] != m {
		r.mu.Unlock()
		return
	}
	delete(r.mutes, targetID)
	restore := r.participants.Has(targetID) && r.session.Live()
	r.mu.Unlock()

	if !restore {
		return
	}
	if err := s.grantWithRetry(ctx, r.id, targetID, media.KindData); err != nil {
		log.Printf("conclave: restore chat after mute failed session=%q participant=%q err=%v", r.id, targetID, err)
	}
}
