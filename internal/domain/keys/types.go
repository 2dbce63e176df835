// Package keys holds the pre-key domain types KeyCustody reads and writes.
package keys

import (
	"time"

	"github.com/google/uuid"
)

// IdentityKey pins a device's long-lived Curve25519 public key.
type IdentityKey struct {
	UserID         uuid.UUID
	Key            []byte // 33 bytes: 0x05 || X
	RegistrationID int32
}

// SignedPreKey is a medium-lived, client-signed Curve25519 public key.
type SignedPreKey struct {
	ID        int32
	UserID    uuid.UUID
	PublicKey []byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is a single-use Curve25519 public key consumed by get_bundle.
type OneTimePreKey struct {
	ID        int32
	UserID    uuid.UUID
	PublicKey []byte
	CreatedAt time.Time
}

// Bundle is the tuple a sender fetches to start a session.
type Bundle struct {
	RegistrationID  int32
	IdentityKey     []byte
	SignedPreKey    SignedPreKey
	OneTimePreKey   *OneTimePreKey
}

// UpsertParams is the input to KeyCustody.UpsertKeys.
type UpsertParams struct {
	UserID         uuid.UUID
	IdentityKey    []byte // nil = refill using stored key
	RegistrationID *int32
	SignedPreKey   SignedPreKeyUpload
	OTPKs          []OTPKUpload
}

// SignedPreKeyUpload is the client-supplied signed pre-key payload.
type SignedPreKeyUpload struct {
	KeyID     int32
	PublicKey []byte
	Signature []byte
}

// OTPKUpload is one client-supplied one-time pre-key payload.
type OTPKUpload struct {
	KeyID     int32
	PublicKey []byte
}

// LowStatus is returned by check_low when a user's OTPK count has dipped
// below the configured refill threshold.
type LowStatus struct {
	Count        int64
	MinThreshold int64
}
