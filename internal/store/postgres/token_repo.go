package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenRepository owns the refresh_tokens table. The account
// lifecycle surface that mints and rotates tokens lives outside this
// module; the primitives here exist so that surface has something to call
// and so the janitor can reap expired rows.
type RefreshTokenRepository struct {
	pool *Pool
}

func NewRefreshTokenRepository(pool *Pool) *RefreshTokenRepository {
	return &RefreshTokenRepository{pool: pool}
}

func (r *RefreshTokenRepository) Insert(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	return mapErr(err)
}

// Rotate atomically replaces oldHash with newHash: the old row is deleted
// and the new one inserted only if the old one was still unexpired.
// Returns false when the old token was missing or already expired.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (bool, error) {
	var rotated bool
	err := r.pool.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM refresh_tokens
			WHERE token_hash = $1 AND expires_at > NOW()
			RETURNING user_id
		), inserted AS (
			INSERT INTO refresh_tokens (token_hash, user_id, expires_at)
			SELECT $2, user_id, $3 FROM deleted
			RETURNING token_hash
		)
		SELECT EXISTS (SELECT 1 FROM inserted)
	`, oldHash, newHash, expiresAt).Scan(&rotated)
	if err != nil {
		return false, mapErr(err)
	}
	return rotated, nil
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}
