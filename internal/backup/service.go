// Package backup implements the BackupSlot state machine: one encrypted
// blob per user, versioned, with a single in-flight upload at a time and a
// stale-upload reset so an abandoned client can't wedge a slot forever.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/applog"
	domain "github.com/obscura-chat/obscura-server/internal/domain/backup"
	"github.com/obscura-chat/obscura-server/internal/store/blob"
)

// slotStore is the RelationalStore slice the slot state machine runs over,
// satisfied by *postgres.BackupRepository in production.
type slotStore interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Backup, error)
	CreateIfNotExists(ctx context.Context, userID uuid.UUID) (*domain.Backup, error)
	ReserveActiveSlot(ctx context.Context, userID uuid.UUID, expectedVersion int32) (*domain.Backup, error)
	ReserveSlotForce(ctx context.Context, userID uuid.UUID) (*domain.Backup, error)
	CommitVersion(ctx context.Context, userID uuid.UUID, pendingVersion int32) error
	FetchStaleUploads(ctx context.Context, threshold time.Time, limit int64) ([]domain.Backup, error)
	ResetStale(ctx context.Context, userID uuid.UUID) error
}

// Service is the BackupSlot component the HTTP backup endpoints depend on.
type Service struct {
	repo  slotStore
	blobs blob.Store

	keyPrefix    string
	minSizeBytes int64
	maxSizeBytes int64
	staleAfter   time.Duration

	logger *slog.Logger
}

func New(repo slotStore, blobs blob.Store, logger *slog.Logger, cfg *config.Config) *Service {
	return &Service{
		repo:         repo,
		blobs:        blobs,
		keyPrefix:    cfg.Backup.KeyPrefix,
		minSizeBytes: cfg.Backup.MinSizeBytes,
		maxSizeBytes: cfg.Backup.MaxSizeBytes,
		staleAfter:   time.Duration(cfg.Backup.StaleThresholdMins) * time.Minute,
		logger:       applog.Component(logger, "backup"),
	}
}

func (s *Service) objectKey(userID uuid.UUID, version int32) string {
	return fmt.Sprintf("%s%s/v%d", s.keyPrefix, userID, version)
}

// Upload reserves the next version slot for userID conditioned on
// ifMatchVersion still being current, streams body into blob storage, then
// commits the slot to ACTIVE. If another upload is already in flight and
// hasn't gone stale yet, it returns a Conflict error; a version mismatch
// returns PreconditionFailed.
func (s *Service) Upload(ctx context.Context, userID uuid.UUID, ifMatchVersion int32, body io.Reader, size int64) error {
	if size < s.minSizeBytes {
		return apperror.BadRequest("backup body smaller than minimum allowed size")
	}
	if size > s.maxSizeBytes {
		return apperror.PayloadTooLarge("backup body exceeds maximum allowed size")
	}

	if _, err := s.repo.CreateIfNotExists(ctx, userID); err != nil {
		return apperror.Wrap(err)
	}

	reserved, err := s.repo.ReserveActiveSlot(ctx, userID, ifMatchVersion)
	if err != nil {
		return apperror.Wrap(err)
	}
	if reserved == nil {
		reserved, err = s.reserveOrConflict(ctx, userID, ifMatchVersion)
		if err != nil {
			return err
		}
	}

	pendingVersion := *reserved.PendingVersion
	key := s.objectKey(userID, pendingVersion)

	if err := s.blobs.Put(ctx, key, body, size); err != nil {
		s.resetStale(ctx, userID)
		return apperror.Wrap(err)
	}

	if err := s.repo.CommitVersion(ctx, userID, pendingVersion); err != nil {
		return apperror.Wrap(err)
	}

	go s.cleanupOldVersion(userID, pendingVersion-1)

	return nil
}

// reserveOrConflict re-fetches the slot after a failed conditional reserve.
// A version mismatch is the caller's stale If-Match; a fresh UPLOADING row
// is a genuine concurrent upload; a stale UPLOADING row is force-reserved
// so an abandoned upload can't wedge the slot.
func (s *Service) reserveOrConflict(ctx context.Context, userID uuid.UUID, ifMatchVersion int32) (*domain.Backup, error) {
	b, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, apperror.Wrap(err)
	}
	if b == nil {
		return nil, apperror.NotFound("backup slot not found")
	}
	if b.CurrentVersion != ifMatchVersion {
		return nil, apperror.PreconditionFailed("backup version does not match If-Match")
	}
	if b.State == domain.StateUploading {
		if b.PendingAt == nil || time.Since(*b.PendingAt) < s.staleAfter {
			return nil, apperror.Conflict("an upload for this backup is already in progress")
		}
		forced, err := s.repo.ReserveSlotForce(ctx, userID)
		if err != nil {
			return nil, apperror.Wrap(err)
		}
		return forced, nil
	}
	return nil, apperror.Conflict("backup slot was concurrently modified")
}

func (s *Service) resetStale(ctx context.Context, userID uuid.UUID) {
	if err := s.repo.ResetStale(ctx, userID); err != nil {
		s.logger.Warn("backup: failed to reset slot after upload failure", "user_id", userID, "err", err)
	}
}

// cleanupOldVersion deletes the previous blob version once the new one is
// committed. Best-effort: a failure just leaves an orphaned blob behind for
// a human to notice, since nothing references it anymore.
func (s *Service) cleanupOldVersion(userID uuid.UUID, version int32) {
	if version == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, s.objectKey(userID, version)); err != nil {
		s.logger.Warn("backup: failed to delete superseded blob version", "user_id", userID, "version", version, "err", err)
	}
}

// Download streams the current committed version for userID.
func (s *Service) Download(ctx context.Context, userID uuid.UUID) (int64, io.ReadCloser, error) {
	b, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return 0, nil, apperror.Wrap(err)
	}
	if b == nil || b.CurrentVersion == 0 {
		return 0, nil, apperror.NotFound("no backup on file")
	}
	size, rc, err := s.blobs.Get(ctx, s.objectKey(userID, b.CurrentVersion))
	if err != nil {
		return 0, nil, apperror.Wrap(err)
	}
	return size, rc, nil
}

// Head reports the current committed version's size without downloading it.
func (s *Service) Head(ctx context.Context, userID uuid.UUID) (int32, int64, error) {
	b, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return 0, 0, apperror.Wrap(err)
	}
	if b == nil || b.CurrentVersion == 0 {
		return 0, 0, apperror.NotFound("no backup on file")
	}
	size, err := s.blobs.Head(ctx, s.objectKey(userID, b.CurrentVersion))
	if err != nil {
		return 0, 0, apperror.Wrap(err)
	}
	return b.CurrentVersion, size, nil
}

// SweepStale resets every slot that has been UPLOADING past the stale
// threshold back to ACTIVE, deleting the orphaned pending blob first so a
// half-finished upload doesn't leak storage.
func (s *Service) SweepStale(ctx context.Context, limit int64) (int, error) {
	threshold := time.Now().Add(-s.staleAfter)
	stale, err := s.repo.FetchStaleUploads(ctx, threshold, limit)
	if err != nil {
		return 0, apperror.Wrap(err)
	}
	for _, b := range stale {
		if b.PendingVersion != nil {
			if err := s.blobs.Delete(ctx, s.objectKey(b.UserID, *b.PendingVersion)); err != nil {
				s.logger.Warn("backup: orphaned pending blob delete failed", "user_id", b.UserID, "version", *b.PendingVersion, "err", err)
			}
		}
		if err := s.repo.ResetStale(ctx, b.UserID); err != nil {
			s.logger.Warn("backup: stale reset failed", "user_id", b.UserID, "err", err)
		}
	}
	return len(stale), nil
}
