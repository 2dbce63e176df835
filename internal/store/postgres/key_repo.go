package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/obscura-chat/obscura-server/internal/domain/keys"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so repo methods
// can run either standalone or inside upsert_keys's serializable transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KeyRepository is the RelationalStore slice KeyCustody depends on.
type KeyRepository struct {
	pool *Pool
}

func NewKeyRepository(pool *Pool) *KeyRepository {
	return &KeyRepository{pool: pool}
}

// WithTx runs fn against a serializable transaction and commits on success.
func (r *KeyRepository) WithTx(ctx context.Context, fn func(q Querier) error) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error { return fn(tx) })
}

func (r *KeyRepository) UpsertIdentityKey(ctx context.Context, q Querier, userID uuid.UUID, key []byte, registrationID int32) error {
	_, err := q.Exec(ctx, `
		INSERT INTO identity_keys (user_id, identity_key, registration_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET identity_key = $2, registration_id = $3
	`, userID, key, registrationID)
	return mapErr(err)
}

func (r *KeyRepository) UpsertSignedPreKey(ctx context.Context, q Querier, userID uuid.UUID, keyID int32, publicKey, signature []byte) error {
	_, err := q.Exec(ctx, `
		INSERT INTO signed_pre_keys (id, user_id, public_key, signature)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, user_id) DO UPDATE
		SET public_key = $3, signature = $4
	`, keyID, userID, publicKey, signature)
	return mapErr(err)
}

func (r *KeyRepository) InsertOneTimePreKeys(ctx context.Context, q Querier, userID uuid.UUID, otpks []keys.OTPKUpload) error {
	if len(otpks) == 0 {
		return nil
	}
	ids := make([]int32, len(otpks))
	userIDs := make([]uuid.UUID, len(otpks))
	pubKeys := make([][]byte, len(otpks))
	for i, k := range otpks {
		ids[i] = k.KeyID
		userIDs[i] = userID
		pubKeys[i] = k.PublicKey
	}
	_, err := q.Exec(ctx, `
		INSERT INTO one_time_pre_keys (id, user_id, public_key)
		SELECT * FROM UNNEST($1::int4[], $2::uuid[], $3::bytea[])
		ON CONFLICT (id, user_id) DO NOTHING
	`, ids, userIDs, pubKeys)
	return mapErr(err)
}

// FetchPreKeyBundle fetches a user's bundle and atomically consumes one
// OTPK via a FOR UPDATE SKIP LOCKED delete-and-return CTE, so concurrent
// callers never get handed the same OTPK twice. remaining is the count of
// OTPKs left after this consumption (0 if none was available at all); the
// count subquery runs on the DELETE's own snapshot and still sees the
// deleted row, hence the -1.
func (r *KeyRepository) FetchPreKeyBundle(ctx context.Context, userID uuid.UUID) (*keys.Bundle, int64, error) {
	var identityKey []byte
	var registrationID int32
	err := r.pool.QueryRow(ctx,
		`SELECT identity_key, registration_id FROM identity_keys WHERE user_id = $1`, userID,
	).Scan(&identityKey, &registrationID)
	if err == pgx.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, mapErr(err)
	}

	var spk keys.SignedPreKey
	spk.UserID = userID
	err = r.pool.QueryRow(ctx, `
		SELECT id, public_key, signature, created_at FROM signed_pre_keys
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&spk.ID, &spk.PublicKey, &spk.Signature, &spk.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, mapErr(err)
	}

	var otpk *keys.OneTimePreKey
	var remaining int64
	row := r.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id FROM one_time_pre_keys
			WHERE user_id = $1
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		DELETE FROM one_time_pre_keys
		WHERE id IN (SELECT id FROM target) AND user_id = $1
		RETURNING id, public_key, created_at,
			(SELECT COUNT(*) - 1 FROM one_time_pre_keys WHERE user_id = $1) AS remaining_count
	`, userID)

	var id int32
	var pubKey []byte
	var createdAt time.Time
	err = row.Scan(&id, &pubKey, &createdAt, &remaining)
	switch err {
	case nil:
		otpk = &keys.OneTimePreKey{ID: id, UserID: userID, PublicKey: pubKey, CreatedAt: createdAt}
	case pgx.ErrNoRows:
		otpk = nil
		remaining = 0
	default:
		return nil, 0, mapErr(err)
	}

	return &keys.Bundle{
		RegistrationID: registrationID,
		IdentityKey:    identityKey,
		SignedPreKey:   spk,
		OneTimePreKey:  otpk,
	}, remaining, nil
}

func (r *KeyRepository) FetchIdentityKey(ctx context.Context, userID uuid.UUID) (*keys.IdentityKey, error) {
	return r.fetchIdentityKey(ctx, r.pool, userID, false)
}

func (r *KeyRepository) FetchIdentityKeyForUpdate(ctx context.Context, q Querier, userID uuid.UUID) (*keys.IdentityKey, error) {
	return r.fetchIdentityKey(ctx, q, userID, true)
}

func (r *KeyRepository) fetchIdentityKey(ctx context.Context, q Querier, userID uuid.UUID, forUpdate bool) (*keys.IdentityKey, error) {
	sql := `SELECT identity_key, registration_id FROM identity_keys WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var ik keys.IdentityKey
	ik.UserID = userID
	err := q.QueryRow(ctx, sql, userID).Scan(&ik.Key, &ik.RegistrationID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &ik, nil
}

func (r *KeyRepository) DeleteAllSignedPreKeys(ctx context.Context, q Querier, userID uuid.UUID) error {
	_, err := q.Exec(ctx, `DELETE FROM signed_pre_keys WHERE user_id = $1`, userID)
	return mapErr(err)
}

func (r *KeyRepository) DeleteAllOneTimePreKeys(ctx context.Context, q Querier, userID uuid.UUID) error {
	_, err := q.Exec(ctx, `DELETE FROM one_time_pre_keys WHERE user_id = $1`, userID)
	return mapErr(err)
}

func (r *KeyRepository) CountOneTimePreKeys(ctx context.Context, q Querier, userID uuid.UUID) (int64, error) {
	var count int64
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM one_time_pre_keys WHERE user_id = $1`, userID).Scan(&count)
	return count, mapErr(err)
}

// CountOneTimePreKeysFor is CountOneTimePreKeys outside any transaction, for
// callers (CheckLow) that only need a point-in-time read.
func (r *KeyRepository) CountOneTimePreKeysFor(ctx context.Context, userID uuid.UUID) (int64, error) {
	return r.CountOneTimePreKeys(ctx, r.pool, userID)
}

func (r *KeyRepository) FindMaxSignedPreKeyID(ctx context.Context, q Querier, userID uuid.UUID) (*int32, error) {
	var maxID *int32
	err := q.QueryRow(ctx, `SELECT MAX(id) FROM signed_pre_keys WHERE user_id = $1`, userID).Scan(&maxID)
	if err != nil {
		return nil, mapErr(err)
	}
	return maxID, nil
}

func (r *KeyRepository) DeleteSignedPreKeysOlderThan(ctx context.Context, q Querier, userID uuid.UUID, thresholdID int32) error {
	_, err := q.Exec(ctx, `DELETE FROM signed_pre_keys WHERE user_id = $1 AND id < $2`, userID, thresholdID)
	return mapErr(err)
}

func (r *KeyRepository) DeleteOldestOneTimePreKeys(ctx context.Context, q Querier, userID uuid.UUID, limit int64) error {
	_, err := q.Exec(ctx, `
		DELETE FROM one_time_pre_keys
		WHERE user_id = $1 AND id IN (
			SELECT id FROM one_time_pre_keys
			WHERE user_id = $1
			ORDER BY created_at ASC
			LIMIT $2
		)
	`, userID, limit)
	return mapErr(err)
}

// IdentityKeyIs reports whether two wire-format identity keys are equal,
// the comparison upsert_keys uses to decide takeover vs a no-op re-upload.
func IdentityKeyIs(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
