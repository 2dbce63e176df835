// Package keycustody implements get_bundle, upsert_keys, and check_low: the
// identity-key/pre-key custody surface grounded end to end on the original
// key-service transaction, including the takeover-vs-refill decision and
// the OTPK overflow trim.
package keycustody

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/applog"
	"github.com/obscura-chat/obscura-server/internal/domain/crypto"
	"github.com/obscura-chat/obscura-server/internal/domain/keys"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/store/postgres"
)

const identityCacheSize = 4096

// keyStore is the RelationalStore slice the custody transaction runs
// over, satisfied by *postgres.KeyRepository in production. Methods taking
// a Querier run inside the serializable transaction WithTx opens.
type keyStore interface {
	WithTx(ctx context.Context, fn func(q postgres.Querier) error) error
	FetchPreKeyBundle(ctx context.Context, userID uuid.UUID) (*keys.Bundle, int64, error)
	CountOneTimePreKeysFor(ctx context.Context, userID uuid.UUID) (int64, error)
	FetchIdentityKey(ctx context.Context, userID uuid.UUID) (*keys.IdentityKey, error)
	FetchIdentityKeyForUpdate(ctx context.Context, q postgres.Querier, userID uuid.UUID) (*keys.IdentityKey, error)
	UpsertIdentityKey(ctx context.Context, q postgres.Querier, userID uuid.UUID, key []byte, registrationID int32) error
	FindMaxSignedPreKeyID(ctx context.Context, q postgres.Querier, userID uuid.UUID) (*int32, error)
	UpsertSignedPreKey(ctx context.Context, q postgres.Querier, userID uuid.UUID, keyID int32, publicKey, signature []byte) error
	DeleteSignedPreKeysOlderThan(ctx context.Context, q postgres.Querier, userID uuid.UUID, thresholdID int32) error
	DeleteAllSignedPreKeys(ctx context.Context, q postgres.Querier, userID uuid.UUID) error
	CountOneTimePreKeys(ctx context.Context, q postgres.Querier, userID uuid.UUID) (int64, error)
	InsertOneTimePreKeys(ctx context.Context, q postgres.Querier, userID uuid.UUID, otpks []keys.OTPKUpload) error
	DeleteOldestOneTimePreKeys(ctx context.Context, q postgres.Querier, userID uuid.UUID, limit int64) error
	DeleteAllOneTimePreKeys(ctx context.Context, q postgres.Querier, userID uuid.UUID) error
}

// inboxWiper is the one message-store operation a takeover needs inside
// the custody transaction.
type inboxWiper interface {
	DeleteAllForUserTx(ctx context.Context, q postgres.Querier, userID uuid.UUID) (int64, error)
}

// Service is the KeyCustody component GatewaySession, the AMQP handler,
// and the HTTP bundle endpoint all depend on.
type Service struct {
	repo    keyStore
	msgRepo inboxWiper

	verifier crypto.Verifier
	cache    *lru.Cache[uuid.UUID, keys.IdentityKey]

	metrics *metrics.Metrics
	logger  *slog.Logger

	maxPreKeys      int64
	refillThreshold int64
}

func New(repo keyStore, msgRepo inboxWiper, verifier crypto.Verifier, m *metrics.Metrics, logger *slog.Logger, cfg *config.Config) (*Service, error) {
	cache, err := lru.New[uuid.UUID, keys.IdentityKey](identityCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:            repo,
		msgRepo:         msgRepo,
		verifier:        verifier,
		cache:           cache,
		metrics:         m,
		logger:          applog.Component(logger, "keycustody"),
		maxPreKeys:      int64(cfg.Messaging.MaxPreKeys),
		refillThreshold: int64(cfg.Messaging.PreKeyRefillThreshold),
	}, nil
}

// GetBundle fetches and atomically consumes one OTPK for userID, emitting
// a low-pre-key metric the moment the remaining count dips below threshold
// so operators see the signal at the source, not just from check_low polls.
func (s *Service) GetBundle(ctx context.Context, userID uuid.UUID) (*keys.Bundle, error) {
	bundle, remaining, err := s.repo.FetchPreKeyBundle(ctx, userID)
	if err != nil {
		return nil, apperror.Wrap(err)
	}
	if bundle == nil {
		return nil, apperror.NotFound("no pre-key bundle for user")
	}
	if remaining < s.refillThreshold {
		s.metrics.KeysPrekeyLowTotal.Add(ctx, 1)
	}
	return bundle, nil
}

// CheckLow reports the user's current OTPK count when it has dipped below
// the configured refill threshold, nil otherwise.
func (s *Service) CheckLow(ctx context.Context, userID uuid.UUID) (*keys.LowStatus, error) {
	count, err := s.repo.CountOneTimePreKeysFor(ctx, userID)
	if err != nil {
		return nil, apperror.Wrap(err)
	}
	if count >= s.refillThreshold {
		return nil, nil
	}
	s.metrics.KeysPrekeyLowTotal.Add(ctx, 1)
	return &keys.LowStatus{Count: count, MinThreshold: s.refillThreshold}, nil
}

// IdentityKey returns the cached identity key for userID, falling back to
// Postgres on a cache miss. Used by the gateway's connect precondition
// check, which runs on every inbound WebSocket upgrade.
func (s *Service) IdentityKey(ctx context.Context, userID uuid.UUID) (*keys.IdentityKey, error) {
	if ik, ok := s.cache.Get(userID); ok {
		return &ik, nil
	}
	ik, err := s.repo.FetchIdentityKey(ctx, userID)
	if err != nil {
		return nil, apperror.Wrap(err)
	}
	if ik == nil {
		return nil, nil
	}
	s.cache.Add(userID, *ik)
	return ik, nil
}

// UpsertKeys runs the full custody transaction: it locks the user's
// identity key row, decides whether this call is a takeover (new or
// differing identity key) or a refill (same or absent identity key),
// verifies the signed pre-key's signature under the resolved identity key,
// and on takeover wipes every stored key plus the inbox before writing the
// new material. It reports whether a takeover happened so callers can
// disconnect any live session for this user.
func (s *Service) UpsertKeys(ctx context.Context, params keys.UpsertParams) (bool, error) {
	if err := validateUpload(params, s.maxPreKeys); err != nil {
		return false, err
	}

	var takeover bool
	err := s.repo.WithTx(ctx, func(q postgres.Querier) error {
		stored, err := s.repo.FetchIdentityKeyForUpdate(ctx, q, params.UserID)
		if err != nil {
			return err
		}

		effectiveKey, isTakeover, err := resolveIdentity(params, stored)
		if err != nil {
			return err
		}
		takeover = isTakeover

		// hand the verifier the raw 32-byte key: it re-derives the
		// 33-byte 0x05-prefixed wire form itself as its second try
		if !s.verifier.Verify(effectiveKey, params.SignedPreKey.PublicKey[1:], params.SignedPreKey.Signature) {
			return apperror.BadRequest("invalid signed pre-key signature")
		}

		if !takeover {
			maxID, err := s.repo.FindMaxSignedPreKeyID(ctx, q, params.UserID)
			if err != nil {
				return err
			}
			if maxID != nil && params.SignedPreKey.KeyID <= *maxID {
				return apperror.BadRequest("signed pre-key id must be strictly greater than the current max")
			}
		}

		if takeover {
			if params.RegistrationID == nil {
				return apperror.BadRequest("registration id is required on identity key takeover")
			}
			if err := s.repo.DeleteAllSignedPreKeys(ctx, q, params.UserID); err != nil {
				return err
			}
			if err := s.repo.DeleteAllOneTimePreKeys(ctx, q, params.UserID); err != nil {
				return err
			}
			if _, err := s.msgRepo.DeleteAllForUserTx(ctx, q, params.UserID); err != nil {
				return err
			}
			if err := s.repo.UpsertIdentityKey(ctx, q, params.UserID, effectiveKey, *params.RegistrationID); err != nil {
				return err
			}
		} else {
			current, err := s.repo.CountOneTimePreKeys(ctx, q, params.UserID)
			if err != nil {
				return err
			}
			if overflow := current + int64(len(params.OTPKs)) - s.maxPreKeys; overflow > 0 {
				if err := s.repo.DeleteOldestOneTimePreKeys(ctx, q, params.UserID, overflow); err != nil {
					return err
				}
			}
		}

		if err := s.repo.UpsertSignedPreKey(ctx, q, params.UserID, params.SignedPreKey.KeyID, params.SignedPreKey.PublicKey, params.SignedPreKey.Signature); err != nil {
			return err
		}
		if err := s.repo.InsertOneTimePreKeys(ctx, q, params.UserID, params.OTPKs); err != nil {
			return err
		}
		if !takeover {
			if err := s.repo.DeleteSignedPreKeysOlderThan(ctx, q, params.UserID, params.SignedPreKey.KeyID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, apperror.Wrap(err)
	}

	s.cache.Remove(params.UserID)
	return takeover, nil
}

func validateUpload(params keys.UpsertParams, maxPreKeys int64) error {
	if len(params.SignedPreKey.PublicKey) != crypto.PublicKeySize || params.SignedPreKey.PublicKey[0] != crypto.KeyPrefix {
		return apperror.BadRequest("signed pre-key public key must be 33 bytes with a 0x05 prefix")
	}
	if int64(len(params.OTPKs)) > maxPreKeys {
		return apperror.BadRequest("one-time pre-key batch exceeds max_pre_keys")
	}
	seen := make(map[int32]struct{}, len(params.OTPKs))
	for _, o := range params.OTPKs {
		if _, dup := seen[o.KeyID]; dup {
			return apperror.BadRequest("duplicate one-time pre-key id in upload batch")
		}
		seen[o.KeyID] = struct{}{}
	}
	return nil
}

// resolveIdentity decides whether this upload is a takeover and which
// identity key bytes the signed pre-key's signature must verify under.
func resolveIdentity(params keys.UpsertParams, stored *keys.IdentityKey) ([]byte, bool, error) {
	switch {
	case params.IdentityKey == nil && stored != nil:
		return stored.Key, false, nil
	case params.IdentityKey == nil && stored == nil:
		return nil, false, apperror.BadRequest("identity key is required for a first-time upload")
	case stored == nil:
		return params.IdentityKey, true, nil
	case postgres.IdentityKeyIs(params.IdentityKey, stored.Key):
		return stored.Key, false, nil
	default:
		return params.IdentityKey, true, nil
	}
}
