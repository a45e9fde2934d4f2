// Package greeting defines the message strategies: one per message type,
// each knowing which user date anchors the event and how to render the
// message body. Adding a new date-anchored greeting means registering one
// more Strategy; schedulers and workers iterate the registry and never
// mention concrete types.
package greeting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

// Strategy describes one greeting variant.
type Strategy interface {
	// Type is the message type this strategy produces.
	Type() domain.MessageType
	// EventDate returns the user's anchor date for this greeting, or nil
	// when the user has no such event on record.
	EventDate(u *domain.User) *time.Time
	// Render produces the message body for the user.
	Render(u *domain.User) (string, error)
}

// Registry holds the enabled strategies keyed by message type.
type Registry struct {
	mu         sync.RWMutex
	strategies map[domain.MessageType]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[domain.MessageType]Strategy)}
}

// Register adds a strategy. Registering the same type twice replaces the
// previous strategy, which is how tests substitute fakes.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Type()] = s
}

// Get returns the strategy for a message type.
func (r *Registry) Get(t domain.MessageType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[t]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for message type %q", t)
	}
	return s, nil
}

// Types returns the registered message types in stable order.
func (r *Registry) Types() []domain.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.MessageType, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// All returns the registered strategies in stable type order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, t := range r.typesLocked() {
		out = append(out, r.strategies[t])
	}
	return out
}

func (r *Registry) typesLocked() []domain.MessageType {
	types := make([]domain.MessageType, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// DefaultRegistry returns a registry with the standard strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewBirthdayStrategy())
	r.Register(NewAnniversaryStrategy())
	return r
}
