package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/srg/bedrest/internal/device"
)

// ErrDuplicate is returned by Put when the label or address is already tracked.
var ErrDuplicate = errors.New("session already registered")

// Registry indexes live sessions by label and by address.
// Both indexes always hold the same set of sessions.
type Registry struct {
	mu        sync.RWMutex
	byLabel   map[string]*Session
	byAddress map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byLabel:   make(map[string]*Session),
		byAddress: make(map[string]*Session),
	}
}

// Put tracks s under its label and address.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byLabel[s.Label()]; ok {
		return fmt.Errorf("%w: label %q", ErrDuplicate, s.Label())
	}
	if _, ok := r.byAddress[s.Address()]; ok {
		return fmt.Errorf("%w: address %q", ErrDuplicate, s.Address())
	}
	r.byLabel[s.Label()] = s
	r.byAddress[s.Address()] = s
	return nil
}

// Remove drops s from both indexes. Entries that now belong to a different
// session are left alone; the return value reports whether s was tracked.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byLabel[s.Label()] != s {
		return false
	}
	delete(r.byLabel, s.Label())
	delete(r.byAddress, s.Address())
	return true
}

func (r *Registry) LookupByLabel(label string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byLabel[label]
	return s, ok
}

func (r *Registry) LookupByAddress(address string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAddress[device.NormalizeAddress(address)]
	return s, ok
}

// Contains reports whether s itself (not merely its label) is tracked.
func (r *Registry) Contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byLabel[s.Label()] == s
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLabel)
}

// Sessions returns a snapshot ordered by label.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byLabel))
	for _, s := range r.byLabel {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out
}
