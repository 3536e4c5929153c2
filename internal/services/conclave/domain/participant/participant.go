// Package participant tracks who is present in a live session.
package participant

import (
	"strings"
	"time"

	"github.com/louisbranch/conclave/internal/services/conclave/domain/role"
)

// DisplayMetadata is the profile subset shown to other participants.
type DisplayMetadata struct {
	Name      string
	AvatarURL string
}

// Normalize trims the display fields and falls back to fallbackName for a
// blank name.
func (d DisplayMetadata) Normalize(fallbackName string) DisplayMetadata {
	d.Name = strings.TrimSpace(d.Name)
	d.AvatarURL = strings.TrimSpace(d.AvatarURL)
	if d.Name == "" {
		d.Name = fallbackName
	}
	return d
}

// Participant is one connected user.
type Participant struct {
	ID            string
	Display       DisplayMetadata
	Role          role.Role
	HandRaised    bool
	MicEnabled    bool
	CameraEnabled bool
	JoinedAt      time.Time
}

// Registry holds present participants in join order. It is not safe for
// concurrent use; callers guard it with their own lock.
type Registry struct {
	order []string
	byID  map[string]*Participant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Participant)}
}

// Add inserts p. A participant re-joining with the same id replaces the
// previous entry in place; replaced reports that case.
func (r *Registry) Add(p Participant) (replaced bool) {
	if existing, ok := r.byID[p.ID]; ok {
		*existing = p
		return true
	}
	stored := p
	r.byID[p.ID] = &stored
	r.order = append(r.order, p.ID)
	return false
}

// Remove deletes id and returns the removed entry.
func (r *Registry) Remove(id string) (Participant, bool) {
	existing, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	delete(r.byID, id)
	for i, current := range r.order {
		if current == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *existing, true
}

// Get returns a copy of the participant with id.
func (r *Registry) Get(id string) (Participant, bool) {
	existing, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	return *existing, true
}

// Has reports whether id is present.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Update applies fn to the stored participant with id.
func (r *Registry) Update(id string, fn func(*Participant)) bool {
	existing, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(existing)
	existing.ID = id
	return true
}

// List returns copies of all participants in join order.
func (r *Registry) List() []Participant {
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Len returns the number of present participants.
func (r *Registry) Len() int {
	return len(r.order)
}
