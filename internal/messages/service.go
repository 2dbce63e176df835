// Package messages is the thin MessageStore service wrapping
// postgres.MessageRepository, mirroring how this family of services keeps
// a service layer over its storage adapters even when the service itself
// adds little beyond TTL stamping and error classification.
package messages

import (
	"context"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

type Service struct {
	repo    *postgres.MessageRepository
	ttlDays int64
}

func New(repo *postgres.MessageRepository, cfg *config.Config) *Service {
	return &Service{repo: repo, ttlDays: int64(cfg.TTL.MessageDays)}
}

func (s *Service) Create(ctx context.Context, senderID, recipientID uuid.UUID, messageType int32, content []byte) (*message.Message, error) {
	m, err := s.repo.Create(ctx, senderID, recipientID, messageType, content, s.ttlDays)
	if err != nil {
		return nil, apperror.Wrap(err)
	}
	return m, nil
}

func (s *Service) FetchPending(ctx context.Context, recipientID uuid.UUID, cursor *message.Cursor, limit int64) ([]message.Message, error) {
	msgs, err := s.repo.FetchPendingBatch(ctx, recipientID, cursor, limit)
	if err != nil {
		return nil, apperror.Wrap(err)
	}
	return msgs, nil
}

func (s *Service) DeleteBatch(ctx context.Context, messageIDs []uuid.UUID) error {
	if err := s.repo.DeleteBatch(ctx, messageIDs); err != nil {
		return apperror.Wrap(err)
	}
	return nil
}

func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx)
	if err != nil {
		return 0, apperror.Wrap(err)
	}
	return n, nil
}

func (s *Service) PruneOverflow(ctx context.Context, maxInboxSize int64) (int64, error) {
	n, err := s.repo.DeleteGlobalOverflow(ctx, maxInboxSize)
	if err != nil {
		return 0, apperror.Wrap(err)
	}
	return n, nil
}

func (s *Service) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.repo.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, apperror.Wrap(err)
	}
	return n, nil
}
