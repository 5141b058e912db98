package source

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NameRegistry assigns the source object its entry under source_name/name
// (§6), disambiguating collisions the way the rest of the pack disambiguates
// session/stream identifiers: by suffixing a short UUID rather than
// rejecting the request outright.
type NameRegistry struct {
	mu    sync.Mutex
	taken map[string]struct{}
}

// NewNameRegistry constructs an empty registry.
func NewNameRegistry() *NameRegistry {
	return &NameRegistry{taken: make(map[string]struct{})}
}

// Reserve claims requested, returning it unchanged if available or a
// disambiguated variant (requested + a short UUID suffix) if already taken.
// The returned name is always newly reserved.
func (r *NameRegistry) Reserve(requested string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, collides := r.taken[requested]; !collides {
		r.taken[requested] = struct{}{}

		return requested
	}

	for {
		candidate := fmt.Sprintf("%s.%s", requested, uuid.New().String()[:8])
		if _, collides := r.taken[candidate]; !collides {
			r.taken[candidate] = struct{}{}

			return candidate
		}
	}
}

// Release frees name for future reservation, e.g. when the source object
// backing it is unlinked.
func (r *NameRegistry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.taken, name)
}
