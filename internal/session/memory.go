package session

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu          sync.RWMutex
	currentUser string
	active      map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]string)}
}

func (s *MemoryStore) CurrentUser(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser, nil
}

func (s *MemoryStore) SetCurrentUser(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = user
	return nil
}

func (s *MemoryStore) ClearCurrentUser(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = ""
	return nil
}

func (s *MemoryStore) ActiveConversation(_ context.Context, user string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[user], nil
}

func (s *MemoryStore) SetActiveConversation(_ context.Context, user, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[user] = id
	return nil
}
