package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/obscura-chat/obscura-server/internal/domain/message"
)

// MessageRepository is the RelationalStore slice MessageStore depends on.
type MessageRepository struct {
	pool *Pool
}

func NewMessageRepository(pool *Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts a message, setting expires_at to now + ttlDays. Returns
// NotFound if recipientID does not reference a real user.
func (r *MessageRepository) Create(ctx context.Context, senderID, recipientID uuid.UUID, messageType int32, content []byte, ttlDays int64) (*message.Message, error) {
	expiresAt := time.Now().UTC().Add(time.Duration(ttlDays) * 24 * time.Hour)

	var m message.Message
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messages (sender_id, recipient_id, message_type, content, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sender_id, recipient_id, message_type, content, created_at, expires_at
	`, senderID, recipientID, messageType, content, expiresAt).Scan(
		&m.ID, &m.SenderID, &m.RecipientID, &m.MessageType, &m.Content, &m.CreatedAt, &m.ExpiresAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// FetchPendingBatch returns up to limit unexpired messages for recipientID,
// ordered by (created_at, id) so the caller can resume from cursor without
// skipping or repeating rows that share a timestamp.
func (r *MessageRepository) FetchPendingBatch(ctx context.Context, recipientID uuid.UUID, cursor *message.Cursor, limit int64) ([]message.Message, error) {
	var rows pgx.Rows
	var err error
	if cursor != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT id, sender_id, recipient_id, message_type, content, created_at, expires_at
			FROM messages
			WHERE recipient_id = $1
			  AND expires_at > NOW()
			  AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
		`, recipientID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT id, sender_id, recipient_id, message_type, content, created_at, expires_at
			FROM messages
			WHERE recipient_id = $1
			  AND expires_at > NOW()
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`, recipientID, limit)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.MessageType, &m.Content, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *MessageRepository) DeleteBatch(ctx context.Context, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, messageIDs)
	return mapErr(err)
}

func (r *MessageRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE expires_at < NOW()`)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteGlobalOverflow prunes the oldest messages per recipient past limit,
// enforcing the max-inbox-size cap independent of expiry.
func (r *MessageRepository) DeleteGlobalOverflow(ctx context.Context, limit int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY recipient_id ORDER BY created_at DESC) AS rn
				FROM messages
			) t WHERE t.rn > $1
		)
	`, limit)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAllForUser wipes a recipient's inbox, used on identity key takeover.
func (r *MessageRepository) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return r.DeleteAllForUserTx(ctx, r.pool, userID)
}

// DeleteAllForUserTx is DeleteAllForUser run against q instead of the pool
// directly, so upsert_keys's takeover branch can wipe the inbox as part of
// its own serializable transaction.
func (r *MessageRepository) DeleteAllForUserTx(ctx context.Context, q Querier, userID uuid.UUID) (int64, error) {
	tag, err := q.Exec(ctx, `DELETE FROM messages WHERE recipient_id = $1`, userID)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}
