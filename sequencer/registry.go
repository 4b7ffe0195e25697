package sequencer

import (
	"sync"

	"github.com/cheddr/x402-sequencer/channel"
)

// Registry is the authoritative runtime view of all channels, keyed by the
// canonical channel id. A single reader/writer lock guards the whole map:
// readers get deep copies, and mutating operations run inside Exclusive so
// the durable write and the map update share one critical section.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channel.State
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channel.State)}
}

// NewRegistryFrom creates a registry seeded with recovered state
func NewRegistryFrom(channels map[string]*channel.State) *Registry {
	if channels == nil {
		channels = make(map[string]*channel.State)
	}
	return &Registry{channels: channels}
}

// View returns a deep copy of a channel's state under the shared lock
func (r *Registry) View(id string) (*channel.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.channels[id]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}

// Exclusive runs fn while holding the write lock. fn receives the live map;
// concurrent settles on the same channel serialize here, and the first
// holder wins the sequence transition.
func (r *Registry) Exclusive(fn func(channels map[string]*channel.State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return fn(r.channels)
}
