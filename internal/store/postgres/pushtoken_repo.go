package postgres

import (
	"context"

	"github.com/google/uuid"
)

// PushTokenRepository is the RelationalStore slice PushWorker depends on
// for provider-dispatch fan-out and janitor cleanup of invalidated tokens.
type PushTokenRepository struct {
	pool *Pool
}

func NewPushTokenRepository(pool *Pool) *PushTokenRepository {
	return &PushTokenRepository{pool: pool}
}

func (r *PushTokenRepository) UpsertToken(ctx context.Context, userID uuid.UUID, token string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO push_tokens (user_id, token)
		VALUES ($1, $2)
		ON CONFLICT (user_id, token) DO UPDATE SET updated_at = NOW()
	`, userID, token)
	return mapErr(err)
}

// UserToken pairs a token with the user it belongs to, for batch lookups
// across many users in a single query.
type UserToken struct {
	UserID uuid.UUID
	Token  string
}

func (r *PushTokenRepository) FindTokensForUsers(ctx context.Context, userIDs []uuid.UUID) ([]UserToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, token FROM push_tokens WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []UserToken
	for rows.Next() {
		var t UserToken
		if err := rows.Scan(&t.UserID, &t.Token); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

func (r *PushTokenRepository) DeleteToken(ctx context.Context, token string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM push_tokens WHERE token = $1`, token)
	return mapErr(err)
}

// DeleteTokensBatch is the janitor's bulk-invalidation path: providers
// report dead tokens in batches, and deleting them one at a time would
// make the janitor the bottleneck under high churn.
func (r *PushTokenRepository) DeleteTokensBatch(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM push_tokens WHERE token = ANY($1)`, tokens)
	return mapErr(err)
}
