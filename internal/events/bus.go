// Package events carries change notifications from the conversation layer
// to whatever presents it (websocket clients, the CLI, tests).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

type Kind string

const (
	KindConversationCreated Kind = "conversation.created"
	KindConversationDeleted Kind = "conversation.deleted"
	KindTurnAppended        Kind = "turn.appended"
	KindTitleChanged        Kind = "title.changed"
	KindActiveChanged       Kind = "active.changed"
	KindNotice              Kind = "notice"
)

// Event describes a single mutation or user-facing notice.
type Event struct {
	Kind           Kind         `json:"kind"`
	User           string       `json:"user"`
	ConversationID string       `json:"conversationId,omitempty"`
	Title          string       `json:"title,omitempty"`
	Turn           *models.Turn `json:"turn,omitempty"`
	Notice         string       `json:"notice,omitempty"`
	At             time.Time    `json:"at"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

const defaultBuffer = 32

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription

	dropped atomic.Int64
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[int]*Subscription)}
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	id   int
	user string
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers for events of user; an empty user receives everything.
func (b *Bus) Subscribe(user string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, user: user, ch: make(chan Event, buffer), bus: b}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.user != "" && sub.user != event.User {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("kind", string(event.Kind)),
				zap.String("user", event.User),
				zap.Int("subscription", sub.id),
			)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
