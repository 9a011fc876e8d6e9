package orders

import (
	"sort"
	"sync"
	"time"
)

// Store holds active orders and the terminal log. Orders move between the two
// whole; fields are only changed through Update by the controller.
type Store struct {
	mu       sync.RWMutex
	active   map[string]*Order
	terminal map[string]*Order
	// log keeps terminal ids in completion order
	log []string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		active:   make(map[string]*Order),
		terminal: make(map[string]*Order),
	}
}

// Add inserts a new active order
func (s *Store) Add(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[o.ID] = o
}

// Get returns a copy of an order from either the active store or the terminal log
func (s *Store) Get(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.active[id]; ok {
		return *o, true
	}
	if o, ok := s.terminal[id]; ok {
		return *o, true
	}
	return Order{}, false
}

// IsActive reports whether id is in the active store
func (s *Store) IsActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[id]
	return ok
}

// Active returns copies of all active orders, oldest first
func (s *Store) Active() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Order, 0, len(s.active))
	for _, o := range s.active {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update mutates an active order in place under the store lock
func (s *Store) Update(id string, fn func(o *Order)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.active[id]
	if !ok {
		return false
	}
	fn(o)
	return true
}

// Complete moves an active order to the terminal log with status
func (s *Store) Complete(id string, status Status, at time.Time, reason string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.active[id]
	if !ok {
		return Order{}, false
	}
	delete(s.active, id)

	o.Status = status
	o.CompletedAt = at
	o.UpdatedAt = at
	o.Deadline = time.Time{}
	if reason != "" {
		o.Reason = reason
	}
	s.terminal[id] = o
	s.log = append(s.log, id)
	return *o, true
}

// Demote moves a terminal order back into the active store as PENDING with a new deadline
func (s *Store) Demote(id string, deadline, at time.Time, reason string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.terminal[id]
	if !ok {
		return Order{}, false
	}
	delete(s.terminal, id)
	for i, logged := range s.log {
		if logged == id {
			s.log = append(s.log[:i], s.log[i+1:]...)
			break
		}
	}

	o.Status = StatusPending
	o.CompletedAt = time.Time{}
	o.Deadline = deadline
	o.UpdatedAt = at
	o.Reason = reason
	s.active[id] = o
	return *o, true
}

// Terminal returns a copy of a terminal order
func (s *Store) Terminal(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.terminal[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// RecentTerminal returns up to n of the most recently completed orders
// matching filter and completed within maxAge of now, newest first.
func (s *Store) RecentTerminal(filter func(Order) bool, n int, maxAge time.Duration, now time.Time) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Order
	for i := len(s.log) - 1; i >= 0 && len(out) < n; i-- {
		o := s.terminal[s.log[i]]
		if maxAge > 0 && now.Sub(o.CompletedAt) > maxAge {
			continue
		}
		if filter != nil && !filter(*o) {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// Counts returns the active and terminal sizes
func (s *Store) Counts() (active, terminal int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), len(s.terminal)
}
