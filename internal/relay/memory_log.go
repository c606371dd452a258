package relay

import (
	"context"
	"sync"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

// MemoryMessageLog keeps relayed messages in process memory.
type MemoryMessageLog struct {
	mu       sync.Mutex
	messages []models.Message
}

func NewMemoryMessageLog() *MemoryMessageLog {
	return &MemoryMessageLog{}
}

func (m *MemoryMessageLog) Append(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of everything logged so far, oldest first.
func (m *MemoryMessageLog) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

func (m *MemoryMessageLog) History(_ context.Context, username string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Message
	for _, msg := range m.messages {
		if msg.Username == username {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]models.Message(nil), out...), nil
}
