package keycustody

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"testing"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/domain/crypto"
	"github.com/obscura-chat/obscura-server/internal/domain/keys"
	"github.com/obscura-chat/obscura-server/internal/metrics"
)

// identityKeyPair generates an Ed25519 keypair and returns its identity
// key in the 0x05-prefixed Montgomery wire form clients upload.
func identityKeyPair(t *testing.T) ([]byte, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	pt, err := new(edwards25519.Point).SetBytes(pub)
	require.NoError(t, err)
	wire := append([]byte{crypto.KeyPrefix}, pt.BytesMontgomery()...)
	return wire, priv
}

func newRealVerifierService(t *testing.T, store *memKeyStore) *Service {
	t.Helper()
	m, err := metrics.New(metrics.NewProvider())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{}
	cfg.Messaging.MaxPreKeys = 100
	cfg.Messaging.PreKeyRefillThreshold = 10

	svc, err := New(store, &memInboxWiper{}, crypto.New(), m, logger, cfg)
	require.NoError(t, err)
	return svc
}

// The full custody path against the real XEdDSA verifier, with the
// signature over the 33-byte wire form of the signed pre-key the way
// libsignal's JS clients produce it.
func TestUpsertKeys_RealVerifierAcceptsWireFormSignature(t *testing.T) {
	identityWire, priv := identityKeyPair(t)
	store := newMemKeyStore()
	svc := newRealVerifierService(t, store)

	spkWire := wireKey(0x5a)
	sig := ed25519.Sign(priv, spkWire)

	takeover, err := svc.UpsertKeys(context.Background(), keys.UpsertParams{
		UserID:         uuid.New(),
		IdentityKey:    identityWire,
		RegistrationID: regID(1),
		SignedPreKey:   keys.SignedPreKeyUpload{KeyID: 1, PublicKey: spkWire, Signature: sig},
		OTPKs:          otpkBatch(1, 5),
	})
	require.NoError(t, err)
	require.True(t, takeover)
}

// Some historical clients sign the raw 32-byte key instead; both forms
// must pass.
func TestUpsertKeys_RealVerifierAcceptsRawFormSignature(t *testing.T) {
	identityWire, priv := identityKeyPair(t)
	svc := newRealVerifierService(t, newMemKeyStore())

	spkWire := wireKey(0x5b)
	sig := ed25519.Sign(priv, spkWire[1:])

	takeover, err := svc.UpsertKeys(context.Background(), keys.UpsertParams{
		UserID:         uuid.New(),
		IdentityKey:    identityWire,
		RegistrationID: regID(1),
		SignedPreKey:   keys.SignedPreKeyUpload{KeyID: 1, PublicKey: spkWire, Signature: sig},
	})
	require.NoError(t, err)
	require.True(t, takeover)
}

func TestUpsertKeys_RealVerifierRejectsTamperedSignature(t *testing.T) {
	identityWire, priv := identityKeyPair(t)
	svc := newRealVerifierService(t, newMemKeyStore())

	spkWire := wireKey(0x5c)
	sig := ed25519.Sign(priv, spkWire)
	sig[10] ^= 0xFF

	_, err := svc.UpsertKeys(context.Background(), keys.UpsertParams{
		UserID:         uuid.New(),
		IdentityKey:    identityWire,
		RegistrationID: regID(1),
		SignedPreKey:   keys.SignedPreKeyUpload{KeyID: 1, PublicKey: spkWire, Signature: sig},
	})
	require.True(t, apperror.Is(err, apperror.KindBadRequest), "got %v", err)
}
