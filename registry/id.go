package registry

import (
	"strings"

	"github.com/google/uuid"
)

const idRetries = 8

// NewID derives a 6-hex runtime identifier from a fresh UUID, re-rolling
// on collision against taken, bounded by idRetries.
func NewID(taken func(id string) bool) (string, error) {
	for i := 0; i < idRetries; i++ {
		id := strings.ToLower(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6]
		if taken == nil || !taken(id) {
			return id, nil
		}
	}
	return "", ErrorIDCollision.Error(nil)
}

// HasID reports whether any runtime currently carries id, used as the
// `taken` predicate passed to NewID.
func (r *Registry) HasID(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.byName {
		if rt.ID() == id {
			return true
		}
	}
	return false
}

// NewID is the convenience form engine factories call: derive a fresh
// id unique against this registry's current membership.
func (r *Registry) NewID() (string, error) {
	return NewID(r.HasID)
}
