package conversation

import (
	"context"
	"sync"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

// MemoryBackend keeps collections in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	users map[string][]models.Conversation
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: make(map[string][]models.Conversation)}
}

func (m *MemoryBackend) Load(_ context.Context, user string) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.users[user]), nil
}

func (m *MemoryBackend) Save(_ context.Context, user string, convs []models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user] = cloneAll(convs)
	return nil
}
