package core

import (
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Addressable is anything carrying a bus identity.
type Addressable interface {
	ID() ModuleID
}

// Registry is a module that tracks subscribers and rewrites broadcast sends
// into one unicast send per subscriber. It also takes broadcast packets off
// the bus, relays them to its subscribers and then handles them itself.
type Registry struct {
	*Module

	// bus shadows Module.bus so expand works before NewModule returns
	bus *Bus

	mu          sync.Mutex
	subscribers mapset.Set[ModuleID]
}

// NewRegistry creates a registry module on bus.
func NewRegistry(bus *Bus, opts ...ModuleOption) (*Registry, error) {
	r := &Registry{
		bus:         bus,
		subscribers: mapset.NewSet[ModuleID](),
	}

	opts = append([]ModuleOption{WithName("registry")}, opts...)
	opts = append(opts, acceptBroadcast(r.expand))

	m, err := NewModule(bus, opts...)
	if err != nil {
		return nil, err
	}
	r.Module = m
	return r, nil
}

// Subscribe adds a module to the subscriber set and returns its identity.
// Subscribing twice leaves a single entry and returns ErrAlreadySubscribed.
func (r *Registry) Subscribe(m Addressable) (ModuleID, error) {
	id := m.ID()
	if !r.bus.Attached(id) {
		return id, fmt.Errorf("subscribe %s: %w", id, ErrUnknownModule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.subscribers.Add(id) {
		return id, fmt.Errorf("subscribe %s: %w", id, ErrAlreadySubscribed)
	}
	r.logger.Debug("subscribed", "subscriber", int(id))
	return id, nil
}

// Unsubscribe removes id from the subscriber set. It reports false when id
// was not subscribed.
func (r *Registry) Unsubscribe(id ModuleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.subscribers.Contains(id) {
		return false
	}
	r.subscribers.Remove(id)
	r.logger.Debug("unsubscribed", "subscriber", int(id))
	return true
}

// IsSubscribed reports whether id is in the subscriber set.
func (r *Registry) IsSubscribed(id ModuleID) bool {
	return r.subscribers.Contains(id)
}

// Subscribers returns a sorted snapshot of the subscriber set.
func (r *Registry) Subscribers() []ModuleID {
	ids := r.subscribers.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SubscriberCount returns the number of subscribers.
func (r *Registry) SubscriberCount() int {
	return r.subscribers.Cardinality()
}

// expand turns a broadcast into one packet per subscriber still attached to
// the bus, leaving out the author of p. Subscribers that have detached are
// pruned.
func (r *Registry) expand(p Packet) []Packet {
	ids := r.Subscribers()
	out := make([]Packet, 0, len(ids))
	for _, id := range ids {
		if id == p.AuthorID {
			continue
		}
		if !r.bus.Attached(id) {
			r.mu.Lock()
			r.subscribers.Remove(id)
			r.mu.Unlock()
			continue
		}
		q := p
		q.TargetID = id
		out = append(out, q)
	}
	return out
}
