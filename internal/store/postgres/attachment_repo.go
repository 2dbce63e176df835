package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AttachmentRepository owns the attachments expiry table. Upload/download
// of attachment blobs is out of this module's scope, but the expiry rows
// live here because the janitor that reaps them does.
type AttachmentRepository struct {
	pool *Pool
}

func NewAttachmentRepository(pool *Pool) *AttachmentRepository {
	return &AttachmentRepository{pool: pool}
}

func (r *AttachmentRepository) Create(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO attachments (id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, expiresAt)
	return mapErr(err)
}

// FetchExpired returns up to limit attachment ids past their expiry, so
// the janitor can delete the backing blob before dropping each row.
func (r *AttachmentRepository) FetchExpired(ctx context.Context, limit int64) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM attachments WHERE expires_at < NOW() LIMIT $1
	`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, id)
	}
	return out, mapErr(rows.Err())
}

func (r *AttachmentRepository) DeleteBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM attachments WHERE id = ANY($1)`, ids)
	return mapErr(err)
}
