package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wuwenbin0122/chihaya-ai/internal/utils"
)

func NewRedisClient(ctx context.Context, cfg utils.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis: address is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeoutOr(cfg.DialTimeout, 2*time.Second))
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return client, nil
}

// RedisSessionStore implements session.Store. Keys are
// <prefix>:currentUser and <prefix>:currentConv:<username>.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "chihaya"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) CurrentUser(ctx context.Context) (string, error) {
	return s.get(ctx, s.currentUserKey())
}

func (s *RedisSessionStore) SetCurrentUser(ctx context.Context, user string) error {
	if err := s.client.Set(ctx, s.currentUserKey(), user, 0).Err(); err != nil {
		return fmt.Errorf("redis: set current user: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) ClearCurrentUser(ctx context.Context) error {
	if err := s.client.Del(ctx, s.currentUserKey()).Err(); err != nil {
		return fmt.Errorf("redis: clear current user: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) ActiveConversation(ctx context.Context, user string) (string, error) {
	return s.get(ctx, s.activeKey(user))
}

func (s *RedisSessionStore) SetActiveConversation(ctx context.Context, user, id string) error {
	if err := s.client.Set(ctx, s.activeKey(user), id, 0).Err(); err != nil {
		return fmt.Errorf("redis: set active conversation: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisSessionStore) currentUserKey() string {
	return s.prefix + ":currentUser"
}

func (s *RedisSessionStore) activeKey(user string) string {
	return s.prefix + ":currentConv:" + user
}

func timeoutOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
