package db_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/chihaya-ai/internal/db"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
	"github.com/wuwenbin0122/chihaya-ai/internal/utils"
)

func TestMongoConversationBackend(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo integration test")
	}

	database := "chihaya_ai_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	cfg := utils.MongoConfig{
		URI:            uri,
		Database:       database,
		ConnectTimeout: 5 * time.Second,
	}

	store, err := db.NewMongo(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	defer func() {
		ctx := context.Background()
		store.Database.Drop(ctx)
		store.Close(ctx)
	}()

	if err := store.EnsureCollections(context.Background()); err != nil {
		t.Fatalf("ensure collections failed: %v", err)
	}

	ctx := context.Background()
	backend := db.NewMongoConversationBackend(store)

	empty, err := backend.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no conversations, got %d", len(empty))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	convs := []models.Conversation{
		{
			ID:    "conv_2",
			Title: "second",
			Turns: []models.Turn{
				{Role: models.RoleAssistant, Text: models.GreetingText, CreatedAt: now},
				{Role: models.RoleUser, Text: "line one\nline two", CreatedAt: now},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{ID: "conv_1", Title: models.UntitledTitle, CreatedAt: now, UpdatedAt: now},
	}

	if err := backend.Save(ctx, "alice", convs); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := backend.Save(ctx, "alice", convs[:1]); err != nil {
		t.Fatalf("replace: %v", err)
	}

	loaded, err := backend.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "conv_2" {
		t.Fatalf("expected replaced collection, got %+v", loaded)
	}
	if loaded[0].Turns[1].Text != "line one\nline two" {
		t.Fatalf("expected text preserved, got %q", loaded[0].Turns[1].Text)
	}

	other, err := backend.Load(ctx, "bob")
	if err != nil {
		t.Fatalf("load other user: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected users isolated, got %d", len(other))
	}
}
