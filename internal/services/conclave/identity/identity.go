// Package identity is the read-only profile store consulted for display
// metadata and platform-wide admin privilege.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned when no profile exists for a user.
var ErrNotFound = errors.New("identity: profile not found")

// Profile is the subset of a user profile the conclave core reads.
type Profile struct {
	DisplayName string
	AvatarURL   string
	// Admin marks platform-wide administrators.
	Admin bool
}

// Directory resolves user profiles.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// Memory is a Directory backed by a map. The server records profiles from
// validated join grants into it.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemory returns a directory seeded with profiles.
func NewMemory(profiles map[string]Profile) *Memory {
	m := &Memory{profiles: make(map[string]Profile, len(profiles))}
	for userID, profile := range profiles {
		m.profiles[strings.TrimSpace(userID)] = profile
	}
	return m
}

// Put records or replaces a profile.
func (m *Memory) Put(userID string, profile Profile) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = profile
}

func (m *Memory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[strings.TrimSpace(userID)]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return profile, nil
}
