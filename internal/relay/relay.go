// Package relay forwards a user's message to the upstream completion
// provider and keeps a durable log of both sides of the exchange.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

// EmptyReplyText stands in for an upstream answer without content.
const EmptyReplyText = "AI 无回复"

var (
	ErrUsernameRequired = errors.New("relay: username is required")
	ErrNoUserMessage    = errors.New("relay: last message must be a non-empty user message")
	ErrRelayFailure     = errors.New("relay: completion failed")
)

// DefaultHistoryLimit applies when a history request names no limit.
const DefaultHistoryLimit = 50

// MessageLog durably records relayed messages.
type MessageLog interface {
	Append(ctx context.Context, msg models.Message) error
	// History returns the newest limit messages for username, oldest first.
	History(ctx context.Context, username string, limit int) ([]models.Message, error)
}

type Config struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type Service struct {
	provider Provider
	log      MessageLog
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(provider Provider, log MessageLog, cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{provider: provider, log: log, cfg: cfg, logger: logger, now: time.Now}
}

// Complete logs the newest user message, asks the provider for a reply and
// logs the reply. Every failure wraps ErrRelayFailure except input validation.
func (s *Service) Complete(ctx context.Context, username string, messages []ChatMessage) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrUsernameRequired
	}

	messages = normalizeMessages(messages)
	if len(messages) == 0 || messages[len(messages)-1].Role != models.RoleUser {
		return "", ErrNoUserMessage
	}
	userMessage := messages[len(messages)-1].Content

	if err := s.record(ctx, username, models.RoleUser, userMessage); err != nil {
		return "", fmt.Errorf("%w: log user message: %w", ErrRelayFailure, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := s.now()
	reply, err := s.provider.Complete(callCtx, CompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		s.logger.Warn("upstream completion failed",
			zap.String("user", username),
			zap.String("model", s.cfg.Model),
			zap.Duration("elapsed", s.now().Sub(started)),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %w", ErrRelayFailure, err)
	}

	if strings.TrimSpace(reply) == "" {
		reply = EmptyReplyText
	}

	if err := s.record(ctx, username, models.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("%w: log reply: %w", ErrRelayFailure, err)
	}

	s.logger.Debug("relayed chat message",
		zap.String("user", username),
		zap.Int("context_messages", len(messages)),
		zap.Duration("elapsed", s.now().Sub(started)),
	)

	return reply, nil
}

// CompleteText relays a single user message; it satisfies controller.Relay.
func (s *Service) CompleteText(ctx context.Context, username, text string) (string, error) {
	return s.Complete(ctx, username, []ChatMessage{{Role: models.RoleUser, Content: text}})
}

// History returns the user's most recent relayed messages in chronological order.
func (s *Service) History(ctx context.Context, username string, limit int) ([]models.Message, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if s.log == nil {
		return []models.Message{}, nil
	}

	messages, err := s.log.History(ctx, username, limit)
	if err != nil {
		return nil, fmt.Errorf("relay: read history for %s: %w", username, err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

func (s *Service) record(ctx context.Context, username, role, content string) error {
	if s.log == nil {
		return nil
	}
	return s.log.Append(ctx, models.Message{
		ID:        uuid.NewString(),
		Username:  username,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	})
}

func normalizeMessages(payload []ChatMessage) []ChatMessage {
	result := make([]ChatMessage, 0, len(payload))
	for _, msg := range payload {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "", models.RoleUser:
			role = models.RoleUser
		case "bot":
			role = models.RoleAssistant
		}
		result = append(result, ChatMessage{Role: role, Content: msg.Content})
	}
	return result
}

// TextRelay adapts a Service to the single-message relay the controller uses.
type TextRelay struct {
	Service *Service
}

func (r TextRelay) Complete(ctx context.Context, username, text string) (string, error) {
	return r.Service.CompleteText(ctx, username, text)
}
