// Package conversation owns each user's ordered collection of conversations
// and the invariants on it: seeded greetings, one-shot title derivation and
// never dropping a user's last conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wuwenbin0122/chihaya-ai/internal/events"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

var (
	ErrUserRequired     = errors.New("conversation: user is required")
	ErrNotFound         = errors.New("conversation: not found")
	ErrLastConversation = errors.New("conversation: cannot delete the last conversation")
	ErrInvalidRole      = errors.New("conversation: role must be user or assistant")
)

const idPrefix = "conv_"

// Backend persists a user's whole collection. Save replaces it atomically.
type Backend interface {
	Load(ctx context.Context, user string) ([]models.Conversation, error)
	Save(ctx context.Context, user string, convs []models.Conversation) error
}

type Option func(*Repository)

// WithPublisher makes every successful mutation emit an event.
func WithPublisher(p events.Publisher) Option {
	return func(r *Repository) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

type Repository struct {
	backend   Backend
	publisher events.Publisher
	now       func() time.Time

	mu sync.Mutex
}

func NewRepository(backend Backend, opts ...Option) *Repository {
	r := &Repository{
		backend:   backend,
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns the user's conversations, most recent first.
func (r *Repository) List(ctx context.Context, user string) ([]models.Conversation, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	convs, err := r.load(ctx, user)
	if err != nil {
		return nil, err
	}
	return cloneAll(convs), nil
}

// Create seeds a new conversation with the greeting and puts it first.
func (r *Repository) Create(ctx context.Context, user string) (*models.Conversation, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	convs, err := r.load(ctx, user)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	conv := models.Conversation{
		ID:    nextID(now, convs),
		Title: models.UntitledTitle,
		Turns: []models.Turn{{
			Role:      models.RoleAssistant,
			Text:      models.GreetingText,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	convs = append([]models.Conversation{conv}, convs...)
	if err := r.save(ctx, user, convs); err != nil {
		return nil, err
	}

	r.publisher.Publish(events.Event{
		Kind:           events.KindConversationCreated,
		User:           user,
		ConversationID: conv.ID,
		Title:          conv.Title,
		At:             now,
	})

	out := conv.Clone()
	return &out, nil
}

func (r *Repository) Get(ctx context.Context, user, id string) (*models.Conversation, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	convs, err := r.load(ctx, user)
	if err != nil {
		return nil, err
	}

	idx := indexOf(convs, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := convs[idx].Clone()
	return &out, nil
}

// AppendTurn adds a turn to the end of conversation id. The first user turn
// on an untitled conversation also sets its title.
func (r *Repository) AppendTurn(ctx context.Context, user, id, role, text string) (*models.Conversation, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if !models.IsValidTurnRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	convs, err := r.load(ctx, user)
	if err != nil {
		return nil, err
	}

	idx := indexOf(convs, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := r.now().UTC()
	conv := &convs[idx]
	firstUserTurn := role == models.RoleUser && !conv.HasUserTurn()

	turn := models.Turn{Role: role, Text: text, CreatedAt: now}
	conv.Turns = append(conv.Turns, turn)
	conv.UpdatedAt = now

	titleChanged := false
	if firstUserTurn && conv.Title == models.UntitledTitle {
		conv.Title = DeriveTitle(text)
		titleChanged = true
	}

	if err := r.save(ctx, user, convs); err != nil {
		return nil, err
	}

	r.publisher.Publish(events.Event{
		Kind:           events.KindTurnAppended,
		User:           user,
		ConversationID: conv.ID,
		Turn:           &turn,
		At:             now,
	})
	if titleChanged {
		r.publisher.Publish(events.Event{
			Kind:           events.KindTitleChanged,
			User:           user,
			ConversationID: conv.ID,
			Title:          conv.Title,
			At:             now,
		})
	}

	out := conv.Clone()
	return &out, nil
}

// Delete removes conversation id and returns what remains. A user's only
// conversation is never removed.
func (r *Repository) Delete(ctx context.Context, user, id string) ([]models.Conversation, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	convs, err := r.load(ctx, user)
	if err != nil {
		return nil, err
	}

	if len(convs) <= 1 {
		return nil, ErrLastConversation
	}

	idx := indexOf(convs, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	remaining := make([]models.Conversation, 0, len(convs)-1)
	remaining = append(remaining, convs[:idx]...)
	remaining = append(remaining, convs[idx+1:]...)

	if err := r.save(ctx, user, remaining); err != nil {
		return nil, err
	}

	r.publisher.Publish(events.Event{
		Kind:           events.KindConversationDeleted,
		User:           user,
		ConversationID: id,
	})

	return cloneAll(remaining), nil
}

func (r *Repository) load(ctx context.Context, user string) ([]models.Conversation, error) {
	convs, err := r.backend.Load(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("conversation: load %s: %w", user, err)
	}
	return convs, nil
}

func (r *Repository) save(ctx context.Context, user string, convs []models.Conversation) error {
	if err := r.backend.Save(ctx, user, convs); err != nil {
		return fmt.Errorf("conversation: save %s: %w", user, err)
	}
	return nil
}

// nextID derives an id from the clock, stepping forward a millisecond at a
// time until it does not collide with an existing conversation.
func nextID(now time.Time, existing []models.Conversation) string {
	taken := make(map[string]struct{}, len(existing))
	for _, conv := range existing {
		taken[conv.ID] = struct{}{}
	}

	millis := now.UnixMilli()
	for {
		id := idPrefix + strconv.FormatInt(millis, 10)
		if _, dup := taken[id]; !dup {
			return id
		}
		millis++
	}
}

func indexOf(convs []models.Conversation, id string) int {
	for i := range convs {
		if convs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(convs []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(convs))
	for i := range convs {
		out[i] = convs[i].Clone()
	}
	return out
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return ErrUserRequired
	}
	return nil
}
