// Package session tracks who is signed in and which conversation each user
// is looking at.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUserRequired = errors.New("session: user is required")

// Store persists the signed-in identity and the per-user active pointer.
// Absent values come back as "" with a nil error.
type Store interface {
	CurrentUser(ctx context.Context) (string, error)
	SetCurrentUser(ctx context.Context, user string) error
	ClearCurrentUser(ctx context.Context) error
	ActiveConversation(ctx context.Context, user string) (string, error)
	SetActiveConversation(ctx context.Context, user, id string) error
}

// Session is the context object for one signed-in user.
type Session struct {
	User      string
	StartedAt time.Time
}

// Manager creates and retires sessions against a Store.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

func (m *Manager) Store() Store {
	return m.store
}

// SignIn records user as the signed-in identity.
func (m *Manager) SignIn(ctx context.Context, user string) (*Session, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, ErrUserRequired
	}
	if err := m.store.SetCurrentUser(ctx, user); err != nil {
		return nil, fmt.Errorf("session: sign in %s: %w", user, err)
	}
	return &Session{User: user, StartedAt: m.now().UTC()}, nil
}

// Restore returns the previously signed-in session, or nil when nobody is.
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	user, err := m.store.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: restore: %w", err)
	}
	if user == "" {
		return nil, nil
	}
	return &Session{User: user, StartedAt: m.now().UTC()}, nil
}

// SignOut forgets the signed-in identity. Conversations and the stored active
// pointer are left in place for the next sign-in.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.store.ClearCurrentUser(ctx); err != nil {
		return fmt.Errorf("session: sign out: %w", err)
	}
	return nil
}

// ForUser builds a session without touching the signed-in identity. The server
// uses it for client-asserted usernames.
func ForUser(user string) (*Session, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, ErrUserRequired
	}
	return &Session{User: user, StartedAt: time.Now().UTC()}, nil
}
