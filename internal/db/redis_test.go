package db_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/chihaya-ai/internal/db"
	"github.com/wuwenbin0122/chihaya-ai/internal/utils"
)

func TestRedisSessionStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx := context.Background()
	client, err := db.NewRedisClient(ctx, utils.RedisConfig{Addr: addr, DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	defer client.Close()

	prefix := "chihaya_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	store := db.NewRedisSessionStore(client, prefix)
	defer func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	}()

	user, err := store.CurrentUser(ctx)
	if err != nil || user != "" {
		t.Fatalf("expected empty current user, got %q (%v)", user, err)
	}

	if err := store.SetCurrentUser(ctx, "alice"); err != nil {
		t.Fatalf("set current user: %v", err)
	}
	if err := store.SetActiveConversation(ctx, "alice", "conv_1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := store.ClearCurrentUser(ctx); err != nil {
		t.Fatalf("clear current user: %v", err)
	}

	user, _ = store.CurrentUser(ctx)
	if user != "" {
		t.Fatalf("expected cleared user, got %q", user)
	}

	active, err := store.ActiveConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("active conversation: %v", err)
	}
	if active != "conv_1" {
		t.Fatalf("expected active pointer to survive sign-out, got %q", active)
	}

	missing, err := store.ActiveConversation(ctx, "bob")
	if err != nil || missing != "" {
		t.Fatalf("expected no pointer for bob, got %q (%v)", missing, err)
	}
}
