// Package controller sequences repository calls, the active-conversation
// pointer and the chat relay so a client always has a current conversation
// to render.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/events"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
	"github.com/wuwenbin0122/chihaya-ai/internal/session"
)

const (
	// FailureText replaces the assistant reply when the relay fails.
	FailureText = "❌ AI 服务异常"
	// LastConversationNotice is shown when the user tries to delete their only conversation.
	LastConversationNotice = "至少需要保留一个对话！"
)

var (
	ErrNoSession = errors.New("controller: no signed-in user")
	ErrBusy      = errors.New("controller: a reply is still pending for this conversation")
)

// DefaultRelayTimeout bounds a relay call once it no longer follows the caller's context.
const DefaultRelayTimeout = 60 * time.Second

// Repository is the subset of conversation.Repository the controller drives.
type Repository interface {
	List(ctx context.Context, user string) ([]models.Conversation, error)
	Create(ctx context.Context, user string) (*models.Conversation, error)
	Get(ctx context.Context, user, id string) (*models.Conversation, error)
	AppendTurn(ctx context.Context, user, id, role, text string) (*models.Conversation, error)
	Delete(ctx context.Context, user, id string) ([]models.Conversation, error)
}

// Relay forwards the newest user message and returns the assistant reply.
type Relay interface {
	Complete(ctx context.Context, username, text string) (string, error)
}

// View is what a client renders: the active conversation and the history list.
type View struct {
	Active        *models.Conversation  `json:"active"`
	Conversations []models.Conversation `json:"conversations"`
}

// Exchange is the outcome of one posted user message.
type Exchange struct {
	Conversation *models.Conversation `json:"conversation"`
	UserTurn     models.Turn          `json:"userTurn"`
	Reply        models.Turn          `json:"reply"`
	Failed       bool                 `json:"failed"`
}

type Option func(*Controller)

func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithRelayTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.relayTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Controller struct {
	repo      Repository
	sessions  session.Store
	relay     Relay
	publisher events.Publisher
	logger    *zap.Logger

	relayTimeout time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

func New(repo Repository, sessions session.Store, relay Relay, opts ...Option) *Controller {
	c := &Controller{
		repo:         repo,
		sessions:     sessions,
		relay:        relay,
		publisher:    events.Nop{},
		logger:       zap.NewNop(),
		relayTimeout: DefaultRelayTimeout,
		pending:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore picks the conversation to show right after sign-in: the stored
// active one, else the most recent, else a fresh one.
func (c *Controller) Restore(ctx context.Context, sess *session.Session) (*View, error) {
	if sess == nil {
		return nil, ErrNoSession
	}

	activeID, err := c.sessions.ActiveConversation(ctx, sess.User)
	if err != nil {
		return nil, fmt.Errorf("controller: read active pointer: %w", err)
	}

	convs, err := c.repo.List(ctx, sess.User)
	if err != nil {
		return nil, err
	}

	if activeID != "" {
		for _, conv := range convs {
			if conv.ID == activeID {
				return c.SwitchTo(ctx, sess, activeID)
			}
		}
	}
	if len(convs) > 0 {
		return c.SwitchTo(ctx, sess, convs[0].ID)
	}
	return c.CreateNew(ctx, sess)
}

// SwitchTo makes id the active conversation. A missing id is repaired by
// creating a new conversation instead.
func (c *Controller) SwitchTo(ctx context.Context, sess *session.Session, id string) (*View, error) {
	if sess == nil {
		return nil, ErrNoSession
	}

	conv, err := c.repo.Get(ctx, sess.User, id)
	if errors.Is(err, conversation.ErrNotFound) {
		c.logger.Info("active conversation missing, creating a new one",
			zap.String("user", sess.User),
			zap.String("conversation_id", id),
		)
		return c.CreateNew(ctx, sess)
	}
	if err != nil {
		return nil, err
	}

	if err := c.setActive(ctx, sess.User, conv.ID); err != nil {
		return nil, err
	}
	return c.view(ctx, sess.User, conv)
}

func (c *Controller) CreateNew(ctx context.Context, sess *session.Session) (*View, error) {
	if sess == nil {
		return nil, ErrNoSession
	}

	conv, err := c.repo.Create(ctx, sess.User)
	if err != nil {
		return nil, err
	}
	if err := c.setActive(ctx, sess.User, conv.ID); err != nil {
		return nil, err
	}
	return c.view(ctx, sess.User, conv)
}

// PostUserMessage appends text to the active conversation, asks the relay for
// a reply and appends that too. Relay failures become a visible failure turn.
// A nil session or blank text is ignored and yields (nil, nil).
func (c *Controller) PostUserMessage(ctx context.Context, sess *session.Session, text string) (*Exchange, error) {
	if sess == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	activeID, err := c.ensureActive(ctx, sess)
	if err != nil {
		return nil, err
	}
	return c.PostTo(ctx, sess, activeID, text)
}

// PostTo is PostUserMessage against an explicit conversation id. The target
// becomes the active conversation but is never read back from the pointer, so
// concurrent switches by the same user cannot redirect the message. A missing
// id is repaired by posting into a newly created conversation.
//
// Once the user turn is stored the relay call and the reply append run
// detached from ctx cancellation, bounded by the relay timeout.
func (c *Controller) PostTo(ctx context.Context, sess *session.Session, id, text string) (*Exchange, error) {
	text = strings.TrimSpace(text)
	if sess == nil || text == "" {
		return nil, nil
	}

	if !c.acquire(sess.User, id) {
		return nil, ErrBusy
	}
	held := id
	defer func() { c.release(sess.User, held) }()

	conv, err := c.repo.AppendTurn(ctx, sess.User, id, models.RoleUser, text)
	if errors.Is(err, conversation.ErrNotFound) {
		view, createErr := c.CreateNew(ctx, sess)
		if createErr != nil {
			return nil, createErr
		}
		c.release(sess.User, held)
		held = ""
		id = view.Active.ID
		if !c.acquire(sess.User, id) {
			return nil, ErrBusy
		}
		held = id
		conv, err = c.repo.AppendTurn(ctx, sess.User, id, models.RoleUser, text)
	}
	if err != nil {
		return nil, err
	}
	userTurn := conv.Turns[len(conv.Turns)-1]

	if err := c.setActive(ctx, sess.User, id); err != nil {
		c.logger.Warn("set active conversation after post",
			zap.String("user", sess.User),
			zap.String("conversation_id", id),
			zap.Error(err),
		)
	}

	detached := context.WithoutCancel(ctx)
	relayCtx, cancel := context.WithTimeout(detached, c.relayTimeout)
	replyText, relayErr := c.relay.Complete(relayCtx, sess.User, text)
	cancel()

	failed := relayErr != nil
	if failed {
		c.logger.Warn("chat relay failed",
			zap.String("user", sess.User),
			zap.String("conversation_id", id),
			zap.Error(relayErr),
		)
		replyText = FailureText
	}

	conv, err = c.repo.AppendTurn(detached, sess.User, id, models.RoleAssistant, replyText)
	if err != nil {
		return nil, err
	}

	return &Exchange{
		Conversation: conv,
		UserTurn:     userTurn,
		Reply:        conv.Turns[len(conv.Turns)-1],
		Failed:       failed,
	}, nil
}

// Delete removes conversation id. Deleting the active conversation moves the
// pointer to the first remaining one; deleting another leaves it alone.
func (c *Controller) Delete(ctx context.Context, sess *session.Session, id string) (*View, error) {
	if sess == nil {
		return nil, ErrNoSession
	}

	activeID, err := c.sessions.ActiveConversation(ctx, sess.User)
	if err != nil {
		return nil, fmt.Errorf("controller: read active pointer: %w", err)
	}

	remaining, err := c.repo.Delete(ctx, sess.User, id)
	if errors.Is(err, conversation.ErrLastConversation) {
		c.publisher.Publish(events.Event{
			Kind:           events.KindNotice,
			User:           sess.User,
			ConversationID: id,
			Notice:         LastConversationNotice,
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if activeID == "" || activeID == id {
		return c.SwitchTo(ctx, sess, remaining[0].ID)
	}

	active, err := c.repo.Get(ctx, sess.User, activeID)
	if errors.Is(err, conversation.ErrNotFound) {
		return c.SwitchTo(ctx, sess, remaining[0].ID)
	}
	if err != nil {
		return nil, err
	}
	return &View{Active: active, Conversations: remaining}, nil
}

// DeleteCurrent deletes the active conversation; without one it does nothing.
func (c *Controller) DeleteCurrent(ctx context.Context, sess *session.Session) (*View, error) {
	if sess == nil {
		return nil, ErrNoSession
	}

	activeID, err := c.sessions.ActiveConversation(ctx, sess.User)
	if err != nil {
		return nil, fmt.Errorf("controller: read active pointer: %w", err)
	}
	if activeID == "" {
		return nil, nil
	}
	return c.Delete(ctx, sess, activeID)
}

// Current returns the view for the active conversation, repairing a missing
// pointer the same way Restore does.
func (c *Controller) Current(ctx context.Context, sess *session.Session) (*View, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	return c.Restore(ctx, sess)
}

// SignOut forgets the signed-in identity; conversations stay.
func (c *Controller) SignOut(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return nil
	}
	if err := c.sessions.ClearCurrentUser(ctx); err != nil {
		return fmt.Errorf("controller: sign out: %w", err)
	}
	return nil
}

func (c *Controller) ensureActive(ctx context.Context, sess *session.Session) (string, error) {
	activeID, err := c.sessions.ActiveConversation(ctx, sess.User)
	if err != nil {
		return "", fmt.Errorf("controller: read active pointer: %w", err)
	}
	if activeID != "" {
		return activeID, nil
	}

	view, err := c.CreateNew(ctx, sess)
	if err != nil {
		return "", err
	}
	return view.Active.ID, nil
}

func (c *Controller) setActive(ctx context.Context, user, id string) error {
	if err := c.sessions.SetActiveConversation(ctx, user, id); err != nil {
		return fmt.Errorf("controller: set active pointer: %w", err)
	}
	c.publisher.Publish(events.Event{
		Kind:           events.KindActiveChanged,
		User:           user,
		ConversationID: id,
	})
	return nil
}

func (c *Controller) view(ctx context.Context, user string, active *models.Conversation) (*View, error) {
	convs, err := c.repo.List(ctx, user)
	if err != nil {
		return nil, err
	}
	return &View{Active: active, Conversations: convs}, nil
}

func (c *Controller) acquire(user, id string) bool {
	key := user + "/" + id

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.pending[key]; busy {
		return false
	}
	c.pending[key] = struct{}{}
	return true
}

func (c *Controller) release(user, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	delete(c.pending, user+"/"+id)
	c.mu.Unlock()
}
