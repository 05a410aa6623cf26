package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/a2a-coord/internal/domain"
)

// GetUserByUsername возвращает оператора для аутентификации.
// Отсутствие пользователя - не ошибка: (nil, nil) трактуется сервисом
// как invalid credentials без различения причин.
func (r *Repo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, role, scopes, created_at, updated_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	var scopes []byte
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch user: %w", err)
	}

	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &u.Scopes); err != nil {
			return nil, fmt.Errorf("postgres: malformed scopes for user %s: %w", username, err)
		}
	}

	return u, nil
}
