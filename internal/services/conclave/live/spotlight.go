package live

import (
	"context"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
)

// SetSpotlight toggles the spotlight for targetID; an empty target clears
// it. The result always carries the value held before the call so a caller
// that applied the change optimistically can roll back to it on error.
func (s *Service) SetSpotlight(ctx context.Context, sessionID, actorID, targetID string) (result spotlight.Change, err error) {
	ctx, span := s.startSpan(ctx, "conclave.live.set_spotlight", sessionID, actorID)
	defer func() { finishSpan(span, err) }()

	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return spotlight.Change{}, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	previous := r.spotlight
	unchanged := spotlight.Change{Previous: previous, Current: previous}
	if err := r.requireLiveLocked(); err != nil {
		r.mu.Unlock()
		return unchanged, err
	}
	actor, actorOK := r.participants.Get(actorID)
	targetOK := targetID == "" || r.participants.Has(targetID)
	r.mu.Unlock()

	if !actorOK {
		return unchanged, apperrors.New(apperrors.CodeUnauthorized, "actor is not a participant")
	}
	if err := role.AuthorizeModeration(actor.Role); err != nil {
		return unchanged, err
	}
	if !targetOK {
		return unchanged, targetNotFound(targetID)
	}

	change := spotlight.Apply(previous, targetID, actorID, s.now())
	stored, err := s.store.PutSpotlight(ctx, sessionID, change.Current)
	if err != nil {
		return unchanged, persistenceFailure("persist spotlight", err)
	}

	r.mu.Lock()
	r.spotlight = stored
	r.mu.Unlock()
	return spotlight.Change{Previous: previous, Current: stored}, nil
}

// Spotlight returns the current spotlight.
func (s *Service) Spotlight(ctx context.Context, sessionID string) (spotlight.State, error) {
	r, err := s.loadRoom(ctx, sessionID)
	if err != nil {
		return spotlight.State{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spotlight, nil
}
