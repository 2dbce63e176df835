package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/obscura-chat/obscura-server/internal/domain/backup"
)

// BackupRepository is the RelationalStore slice the BackupSlot service depends on.
type BackupRepository struct {
	pool *Pool
}

func NewBackupRepository(pool *Pool) *BackupRepository {
	return &BackupRepository{pool: pool}
}

func scanBackup(row interface {
	Scan(dest ...any) error
}) (*backup.Backup, error) {
	var b backup.Backup
	var state string
	if err := row.Scan(&b.UserID, &b.CurrentVersion, &b.PendingVersion, &state, &b.UpdatedAt, &b.PendingAt); err != nil {
		return nil, err
	}
	parsed, _ := backup.ParseState(state)
	b.State = parsed
	return &b, nil
}

func (r *BackupRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*backup.Backup, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, current_version, pending_version, state, updated_at, pending_at
		FROM backups WHERE user_id = $1
	`, userID)
	b, err := scanBackup(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, mapErr(err)
	}
	return b, nil
}

func (r *BackupRepository) CreateIfNotExists(ctx context.Context, userID uuid.UUID) (*backup.Backup, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO backups (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, current_version, pending_version, state, updated_at, pending_at
	`, userID)
	b, err := scanBackup(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return b, nil
}

// ReserveActiveSlot moves a backup from ACTIVE to UPLOADING conditioned on
// expectedVersion still matching current_version; returns nil, nil on a
// version mismatch (the caller's cue to re-fetch and retry or force).
func (r *BackupRepository) ReserveActiveSlot(ctx context.Context, userID uuid.UUID, expectedVersion int32) (*backup.Backup, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE backups
		SET state = 'UPLOADING', pending_version = current_version + 1, pending_at = NOW()
		WHERE user_id = $1 AND current_version = $2 AND state = 'ACTIVE'
		RETURNING user_id, current_version, pending_version, state, updated_at, pending_at
	`, userID, expectedVersion)
	b, err := scanBackup(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, mapErr(err)
	}
	return b, nil
}

// ReserveSlotForce reserves a slot unconditionally, used after the stale
// upload threshold is crossed so an abandoned upload can't block forever.
func (r *BackupRepository) ReserveSlotForce(ctx context.Context, userID uuid.UUID) (*backup.Backup, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE backups
		SET state = 'UPLOADING', pending_version = current_version + 1, pending_at = NOW()
		WHERE user_id = $1
		RETURNING user_id, current_version, pending_version, state, updated_at, pending_at
	`, userID)
	b, err := scanBackup(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return b, nil
}

func (r *BackupRepository) CommitVersion(ctx context.Context, userID uuid.UUID, pendingVersion int32) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE backups
		SET current_version = $2, pending_version = NULL, state = 'ACTIVE', updated_at = NOW(), pending_at = NULL
		WHERE user_id = $1 AND pending_version = $2 AND state = 'UPLOADING'
	`, userID, pendingVersion)
	return mapErr(err)
}

func (r *BackupRepository) FetchStaleUploads(ctx context.Context, threshold time.Time, limit int64) ([]backup.Backup, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, current_version, pending_version, state, updated_at, pending_at
		FROM backups WHERE state = 'UPLOADING' AND pending_at < $1 LIMIT $2
	`, threshold, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []backup.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, *b)
	}
	return out, mapErr(rows.Err())
}

func (r *BackupRepository) ResetStale(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE backups SET state = 'ACTIVE', pending_version = NULL, pending_at = NULL WHERE user_id = $1
	`, userID)
	return mapErr(err)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
