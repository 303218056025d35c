// Package registry tracks the set of currently-connected agents. An agent
// is online exactly as long as its link is registered here; liveness is
// derived from link presence, not from a separate heartbeat table.
package registry

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"chilsonite/pkg/protocol"
)

// IDLength is the size of a server-assigned agent ID.
const IDLength = 13

// idAlphabet holds the URL-safe characters agent IDs are drawn from.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// ErrDuplicateID is returned when an insert would shadow a live agent.
var ErrDuplicateID = errors.New("agent id already registered")

// Handle is the registry's view of one connected agent. The concrete type
// is the CServer-side link, which also carries the session table.
type Handle interface {
	// ID returns the server-assigned 13-character agent ID.
	ID() string

	// Meta returns the metadata the agent registered with.
	Meta() protocol.Metadata

	// AttachedAt returns when the link completed registration.
	AttachedAt() time.Time
}

// Registry is a concurrent agent set with a secondary index by country
// code. Reads dominate; writes happen only on link up/down events.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Handle
	byCountry map[string]map[string]Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents:    make(map[string]Handle),
		byCountry: make(map[string]map[string]Handle),
	}
}

// Insert registers a live agent. The ID must be unique across the
// registry.
func (r *Registry) Insert(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.ID()
	if _, exists := r.agents[id]; exists {
		return ErrDuplicateID
	}
	r.agents[id] = h

	cc := h.Meta().CountryCode
	if r.byCountry[cc] == nil {
		r.byCountry[cc] = make(map[string]Handle)
	}
	r.byCountry[cc][id] = h
	return nil
}

// Remove drops an agent. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.agents[id]
	if !ok {
		return
	}
	delete(r.agents, id)

	cc := h.Meta().CountryCode
	if set := r.byCountry[cc]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byCountry, cc)
		}
	}
}

// GetByID returns the agent with exactly that ID. No prefix matching.
func (r *Registry) GetByID(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.agents[id]
	return h, ok
}

// PickByCountries returns a uniformly random agent whose country code is
// in the requested set. The live set is re-sampled on every call; nothing
// is cached. Returns false when no online agent matches.
func (r *Registry) PickByCountries(codes []string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []Handle
	for _, cc := range codes {
		for _, h := range r.byCountry[cc] {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[randIntn(len(candidates))], true
}

// Snapshot returns the current agent set in no particular order.
func (r *Registry) Snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.agents))
	for _, h := range r.agents {
		out = append(out, h)
	}
	return out
}

// Len returns the number of online agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// NewAgentID draws a fresh 13-character URL-safe agent ID. IDs are opaque
// and reassigned on every reconnect.
func NewAgentID() string {
	out := make([]byte, IDLength)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is not recoverable
		}
		out[i] = idAlphabet[n.Int64()]
	}
	return string(out)
}

// randIntn picks a uniform index without seeding concerns.
func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}
