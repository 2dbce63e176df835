// Package crypto implements XEdDSA signature verification over Curve25519
// (Montgomery-form) public keys, the way identity keys and signed pre-keys
// in this protocol are authenticated.
package crypto

import (
	"crypto/ed25519"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// KeyPrefix is the DJB wire-format prefix byte for a Montgomery public key.
const KeyPrefix = 0x05

// PublicKeySize is the wire size of a prefixed Curve25519 public key.
const PublicKeySize = 33

// SignatureSize is the wire size of an XEdDSA signature.
const SignatureSize = 64

// Verifier verifies XEdDSA signatures produced by Signal-protocol clients.
type Verifier interface {
	Verify(publicKey, message, signature []byte) bool
}

type xeddsaVerifier struct{}

// New returns the XEdDSA verifier used throughout KeyCustody.
func New() Verifier {
	return xeddsaVerifier{}
}

// Verify implements the double-try algorithm mandated by the wire contract:
// clear the signature's high sign bit to get a canonical Ed25519 signature,
// then try both Edwards points a Montgomery u-coordinate could correspond to,
// and both the 32-byte and 0x05-prefixed 33-byte forms of the message, since
// historical JS clients disagree on which forms they sign.
func (xeddsaVerifier) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != PublicKeySize || publicKey[0] != KeyPrefix {
		return false
	}
	if len(signature) != SignatureSize {
		return false
	}

	var uBytes [32]byte
	copy(uBytes[:], publicKey[1:])

	u, err := new(field.Element).SetBytes(uBytes[:])
	if err != nil {
		return false
	}

	var sigCanonical [SignatureSize]byte
	copy(sigCanonical[:], signature)
	sigCanonical[63] &= 0x7F

	prefixedMessage := make([]byte, 0, len(message)+1)
	prefixedMessage = append(prefixedMessage, KeyPrefix)
	prefixedMessage = append(prefixedMessage, message...)

	for signBit := byte(0); signBit <= 1; signBit++ {
		edPub, ok := montgomeryToEdwardsPublicKey(u, signBit)
		if !ok {
			continue
		}
		if ed25519.Verify(edPub, message, sigCanonical[:]) {
			return true
		}
		if ed25519.Verify(edPub, prefixedMessage, sigCanonical[:]) {
			return true
		}
	}

	return false
}

// montgomeryToEdwardsPublicKey recovers the compressed Edwards25519 point
// encoding corresponding to Montgomery u-coordinate u and the requested sign
// bit, via the standard birational map y = (u-1)/(u+1), then validates it
// decodes to a point on the curve.
func montgomeryToEdwardsPublicKey(u *field.Element, signBit byte) (ed25519.PublicKey, bool) {
	one := new(field.Element).One()
	num := new(field.Element).Subtract(u, one)
	den := new(field.Element).Add(u, one)
	denInv := new(field.Element).Invert(den)
	y := new(field.Element).Multiply(num, denInv)

	compressed := y.Bytes()
	compressed[31] = (compressed[31] & 0x7F) | (signBit << 7)

	if _, err := new(edwards25519.Point).SetBytes(compressed); err != nil {
		return nil, false
	}

	return ed25519.PublicKey(compressed), true
}
