// Package boltstore keeps chatctl's local state in a single bbolt file: the
// registered-user shadow list, each user's conversations and the session keys.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

var (
	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketMeta          = []byte("meta")
)

const (
	keyCurrentUser       = "currentUser"
	activeKeyPrefix      = "currentConv_"
	tokenKeyPrefix       = "token_"
	defaultOpenTimeout   = time.Second
	shadowPasswordMaxLen = 72
)

var ErrClosed = errors.New("boltstore: store is closed")

// UserShadow is the local copy of a registration.
type UserShadow struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Store struct {
	db *bolt.DB
}

// Open creates the file and its buckets when missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: create dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketConversations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath is $HOME/.chatctl/chatctl.bolt, falling back to the working directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chatctl", "chatctl.bolt")
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load implements conversation.Backend.
func (s *Store) Load(_ context.Context, user string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConversations).Get([]byte(user))
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, &convs)
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load conversations: %w", err)
	}
	return convs, nil
}

// Save implements conversation.Backend. The user's whole collection is
// replaced in one transaction.
func (s *Store) Save(_ context.Context, user string, convs []models.Conversation) error {
	if convs == nil {
		convs = []models.Conversation{}
	}
	enc, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("boltstore: encode conversations: %w", err)
	}
	err = s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).Put([]byte(user), enc)
	})
	if err != nil {
		return fmt.Errorf("boltstore: save conversations: %w", err)
	}
	return nil
}

func (s *Store) CurrentUser(context.Context) (string, error) {
	return s.getMeta(keyCurrentUser)
}

func (s *Store) SetCurrentUser(_ context.Context, user string) error {
	return s.putMeta(keyCurrentUser, user)
}

func (s *Store) ClearCurrentUser(context.Context) error {
	return s.deleteMeta(keyCurrentUser)
}

func (s *Store) ActiveConversation(_ context.Context, user string) (string, error) {
	return s.getMeta(activeKeyPrefix + user)
}

func (s *Store) SetActiveConversation(_ context.Context, user, id string) error {
	return s.putMeta(activeKeyPrefix+user, id)
}

// AuthToken returns the bearer token saved at the user's last login.
func (s *Store) AuthToken(_ context.Context, user string) (string, error) {
	return s.getMeta(tokenKeyPrefix + user)
}

func (s *Store) SetAuthToken(_ context.Context, user, token string) error {
	if token == "" {
		return s.deleteMeta(tokenKeyPrefix + user)
	}
	return s.putMeta(tokenKeyPrefix+user, token)
}

// SaveUserShadow records a successful registration locally with a hashed secret.
func (s *Store) SaveUserShadow(_ context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if len(password) > shadowPasswordMaxLen {
		password = password[:shadowPasswordMaxLen]
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("boltstore: hash secret: %w", err)
	}

	enc, err := json.Marshal(UserShadow{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("boltstore: encode user: %w", err)
	}

	err = s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(strings.ToLower(username)), enc)
	})
	if err != nil {
		return fmt.Errorf("boltstore: save user: %w", err)
	}
	return nil
}

func (s *Store) HasUserShadow(_ context.Context, username string) (bool, error) {
	found := false
	err := s.view(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketUsers).Get([]byte(strings.ToLower(strings.TrimSpace(username)))) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("boltstore: read user: %w", err)
	}
	return found, nil
}

// UserShadows lists locally registered users ordered by key.
func (s *Store) UserShadows(context.Context) ([]UserShadow, error) {
	var out []UserShadow
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var shadow UserShadow
			if err := json.Unmarshal(v, &shadow); err != nil {
				// Skip malformed entries.
				return nil
			}
			out = append(out, shadow)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list users: %w", err)
	}
	return out, nil
}

func (s *Store) getMeta(key string) (string, error) {
	var value string
	err := s.view(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(bucketMeta).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("boltstore: get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) putMeta(key, value string) error {
	err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("boltstore: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) deleteMeta(key string) error {
	err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("boltstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(fn)
}
