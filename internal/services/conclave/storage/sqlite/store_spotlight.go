package sqlite

import (
	"context"
	"fmt"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/spotlight"
	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

// PutSpotlight replaces the session spotlight and returns the stored row.
// Concurrent writers resolve as last write wins.
func (s *Store) PutSpotlight(ctx context.Context, sessionID string, state spotlight.State) (spotlight.State, error) {
	var (
		stored    spotlight.State
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO session_spotlights (session_id, participant_id, updated_by, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    participant_id = excluded.participant_id,
    updated_by = excluded.updated_by,
    updated_at = excluded.updated_at
RETURNING participant_id, updated_by, updated_at`,
		sessionID, state.ParticipantID, state.UpdatedBy, toMillis(state.UpdatedAt),
	).Scan(&stored.ParticipantID, &stored.UpdatedBy, &updatedAt)
	if err != nil {
		return spotlight.State{}, fmt.Errorf("put spotlight: %w", err)
	}
	stored.UpdatedAt = fromMillis(updatedAt)

	change, buildErr := storage.SpotlightChange(sessionID, stored)
	s.publish(ctx, change, buildErr)
	return stored, nil
}

// GetSpotlight returns the current spotlight; a session that never had one
// returns the zero state.
func (s *Store) GetSpotlight(ctx context.Context, sessionID string) (spotlight.State, error) {
	var (
		state     spotlight.State
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT participant_id, updated_by, updated_at FROM session_spotlights WHERE session_id = ?`, sessionID,
	).Scan(&state.ParticipantID, &state.UpdatedBy, &updatedAt)
	if isNoRows(err) {
		return spotlight.State{}, nil
	}
	if err != nil {
		return spotlight.State{}, fmt.Errorf("get spotlight: %w", err)
	}
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}
