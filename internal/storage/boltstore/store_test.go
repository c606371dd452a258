package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
	"github.com/wuwenbin0122/chihaya-ai/internal/session"
)

var (
	_ conversation.Backend = (*Store)(nil)
	_ session.Store        = (*Store)(nil)
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "chatctl.bolt")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestConversationsRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	convs, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := []models.Conversation{{
		ID:    "conv_1714564800000",
		Title: "多行\n文本",
		Turns: []models.Turn{
			{Role: models.RoleAssistant, Text: models.GreetingText, CreatedAt: now},
			{Role: models.RoleUser, Text: "多行\n文本", CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	require.NoError(t, store.Save(ctx, "alice", want))

	got, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	other, err := store.Load(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSessionKeysSurviveReopen(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCurrentUser(ctx, "alice"))
	require.NoError(t, store.SetActiveConversation(ctx, "alice", "conv_1"))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	user, err := reopened.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	require.NoError(t, reopened.ClearCurrentUser(ctx))
	user, err = reopened.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Empty(t, user)

	active, err := reopened.ActiveConversation(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "conv_1", active)
}

func TestAuthToken(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetAuthToken(ctx, "alice", "tok"))
	token, err := store.AuthToken(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	require.NoError(t, store.SetAuthToken(ctx, "alice", ""))
	token, err = store.AuthToken(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestUserShadowHashesSecret(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUserShadow(ctx, " Alice ", "secret1"))

	found, err := store.HasUserShadow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.HasUserShadow(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found)

	var raw []byte
	require.NoError(t, store.db.View(func(tx *bolt.Tx) error {
		raw = append([]byte(nil), tx.Bucket(bucketUsers).Get([]byte("alice"))...)
		return nil
	}))
	assert.NotContains(t, string(raw), "secret1")

	var shadow UserShadow
	require.NoError(t, json.Unmarshal(raw, &shadow))
	assert.Equal(t, "Alice", shadow.Username)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(shadow.PasswordHash), []byte("secret1")))

	shadows, err := store.UserShadows(ctx)
	require.NoError(t, err)
	assert.Len(t, shadows, 1)
}

func TestClosedStore(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Close())
	store.db = nil

	_, err := store.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
