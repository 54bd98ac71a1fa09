package api

import (
	"errors"
	"sort"
	"sync"

	"github.com/shpitdev/smartmap/internal/session"
)

var errUnknownSession = errors.New("unknown session")

// Sessions indexes live session stores by id.
type Sessions struct {
	mu       sync.RWMutex
	stores   map[string]*session.Store
	newStore func() *session.Store
}

// NewSessions returns an empty index; newStore builds the store for each
// created session.
func NewSessions(newStore func() *session.Store) *Sessions {
	return &Sessions{
		stores:   make(map[string]*session.Store),
		newStore: newStore,
	}
}

func (s *Sessions) Create() *session.Store {
	st := s.newStore()
	s.mu.Lock()
	s.stores[st.ID()] = st
	s.mu.Unlock()
	return st
}

func (s *Sessions) Get(id string) (*session.Store, error) {
	s.mu.RLock()
	st, ok := s.stores[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errUnknownSession
	}
	return st, nil
}

func (s *Sessions) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[id]; !ok {
		return errUnknownSession
	}
	delete(s.stores, id)
	return nil
}

// IDs lists live session ids in sorted order.
func (s *Sessions) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stores))
	for id := range s.stores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
