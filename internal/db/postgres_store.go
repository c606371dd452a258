package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wuwenbin0122/chihaya-ai/internal/auth"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
	"github.com/wuwenbin0122/chihaya-ai/internal/relay"
)

// PostgresUserStore implements auth.UserStore on the users table.
type PostgresUserStore struct {
	pg *Postgres
}

func NewPostgresUserStore(pg *Postgres) *PostgresUserStore {
	return &PostgresUserStore{pg: pg}
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user models.User) error {
	if user.Role == "" {
		user.Role = models.UserRoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.pg.Pool.Exec(ctx,
		"INSERT INTO users (id, username, password, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return auth.ErrUserExists
		}
		return fmt.Errorf("postgres: insert user: %w", err)
	}

	return nil
}

func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.pg.Pool.QueryRow(ctx,
		"SELECT id, username, password, role, created_at FROM users WHERE LOWER(username) = LOWER($1)",
		strings.TrimSpace(username),
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find user: %w", err)
	}

	return &user, nil
}

// PostgresMessageLog implements relay.MessageLog on the messages table.
type PostgresMessageLog struct {
	pg *Postgres
}

func NewPostgresMessageLog(pg *Postgres) *PostgresMessageLog {
	return &PostgresMessageLog{pg: pg}
}

func (l *PostgresMessageLog) Append(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := l.pg.Pool.Exec(ctx,
		"INSERT INTO messages (id, username, role, content, created_at) VALUES ($1, $2, $3, $4, $5)",
		msg.ID, msg.Username, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

// History returns the newest limit messages for username in chronological order.
func (l *PostgresMessageLog) History(ctx context.Context, username string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = relay.DefaultHistoryLimit
	}

	rows, err := l.pg.Pool.Query(ctx,
		"SELECT id, username, role, content, created_at FROM messages WHERE username = $1 ORDER BY created_at DESC LIMIT $2",
		username, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.Username, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
