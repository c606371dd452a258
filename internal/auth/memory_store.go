package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

// MemoryUserStore keeps users in process memory, keyed case-insensitively.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]models.User)}
}

func (m *MemoryUserStore) CreateUser(_ context.Context, user models.User) error {
	key := strings.ToLower(user.Username)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[key]; exists {
		return ErrUserExists
	}
	m.users[key] = user
	return nil
}

func (m *MemoryUserStore) FindByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}
