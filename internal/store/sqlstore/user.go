package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/store"
)

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, user *store.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, email, display_name, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), user.ID, nullString(user.Email), nullString(user.DisplayName), user.IsAdmin, user.CreatedAt, user.UpdatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	return s.scanUser(s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, email, display_name, is_admin, created_at, updated_at
		FROM users WHERE id = ?
	`), id))
}

// CreateAPIKey inserts an API key row. Only the token hash is stored.
func (s *Store) CreateAPIKey(ctx context.Context, key *store.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO api_keys (id, user_id, token_hash, label, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), key.ID, key.UserID, key.TokenHash, nullString(key.Label), key.CreatedAt, nullTime(key.RevokedAt))
	return err
}

// GetUserByAPIKeyHash resolves an unrevoked API key hash to its owner.
func (s *Store) GetUserByAPIKeyHash(ctx context.Context, tokenHash string) (*store.User, error) {
	return s.scanUser(s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT u.id, u.email, u.display_name, u.is_admin, u.created_at, u.updated_at
		FROM users u
		JOIN api_keys k ON k.user_id = u.id
		WHERE k.token_hash = ? AND k.revoked_at IS NULL
	`), tokenHash))
}

func (s *Store) scanUser(row *sql.Row) (*store.User, error) {
	user := &store.User{}
	var email, displayName sql.NullString
	err := row.Scan(&user.ID, &email, &displayName, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Email = stringPtr(email)
	user.DisplayName = stringPtr(displayName)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}
