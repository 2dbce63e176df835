// Package gateway implements GatewaySession: the per-connection state
// machine that streams pending messages, batches and flushes client acks,
// pushes pre-key-low notices, and reacts to cross-node disconnect events,
// over a hand-rolled binary frame wire codec.
//
// There is no protoc/buf toolchain available in this environment, so the
// wire format below is a fixed-layout binary encoding via encoding/binary
// rather than a generated protobuf codec.
package gateway

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// FrameKind tags which of the three frame variants a wire message carries.
type FrameKind byte

const (
	KindEnvelope     FrameKind = 1
	KindAck          FrameKind = 2
	KindPreKeyStatus FrameKind = 3
)

// EncryptedMessage is the opaque ciphertext payload inside an Envelope.
type EncryptedMessage struct {
	Type    int32
	Content []byte
}

// Envelope is a server-to-client frame delivering one pending message.
type Envelope struct {
	ID           uuid.UUID
	SourceUserID uuid.UUID
	TimestampMs  uint64
	Message      EncryptedMessage
}

// Ack is a client-to-server frame acknowledging one delivered message.
type Ack struct {
	MessageID string
}

// PreKeyStatus is a server-to-client frame reporting a low OTPK count.
type PreKeyStatus struct {
	OneTimePreKeyCount int32
	MinThreshold       int32
}

// Frame is the decoded union of the three wire variants.
type Frame struct {
	Kind         FrameKind
	Envelope     *Envelope
	Ack          *Ack
	PreKeyStatus *PreKeyStatus
}

var ErrMalformedFrame = errors.New("gateway: malformed frame")

func EncodeEnvelope(e Envelope) []byte {
	buf := make([]byte, 0, 1+16+16+8+4+4+len(e.Message.Content))
	buf = append(buf, byte(KindEnvelope))
	buf = append(buf, e.ID[:]...)
	buf = append(buf, e.SourceUserID[:]...)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], e.TimestampMs)
	buf = append(buf, u64[:]...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(e.Message.Type))
	buf = append(buf, u32[:]...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(e.Message.Content)))
	buf = append(buf, u32[:]...)
	buf = append(buf, e.Message.Content...)
	return buf
}

func EncodeAck(a Ack) []byte {
	idBytes := []byte(a.MessageID)
	buf := make([]byte, 0, 1+4+len(idBytes))
	buf = append(buf, byte(KindAck))

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(idBytes)))
	buf = append(buf, u32[:]...)
	buf = append(buf, idBytes...)
	return buf
}

func EncodePreKeyStatus(p PreKeyStatus) []byte {
	buf := make([]byte, 0, 1+4+4)
	buf = append(buf, byte(KindPreKeyStatus))

	var a, b [4]byte
	binary.BigEndian.PutUint32(a[:], uint32(p.OneTimePreKeyCount))
	binary.BigEndian.PutUint32(b[:], uint32(p.MinThreshold))
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return buf
}

// Decode parses the tagged frame in data, dispatching on its leading kind
// byte to the matching fixed-layout decoder.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, ErrMalformedFrame
	}
	switch FrameKind(data[0]) {
	case KindEnvelope:
		return decodeEnvelope(data[1:])
	case KindAck:
		return decodeAck(data[1:])
	case KindPreKeyStatus:
		return decodePreKeyStatus(data[1:])
	default:
		return nil, ErrMalformedFrame
	}
}

func decodeEnvelope(b []byte) (*Frame, error) {
	const fixed = 16 + 16 + 8 + 4 + 4
	if len(b) < fixed {
		return nil, ErrMalformedFrame
	}
	var e Envelope
	copy(e.ID[:], b[:16])
	b = b[16:]
	copy(e.SourceUserID[:], b[:16])
	b = b[16:]
	e.TimestampMs = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	e.Message.Type = int32(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, ErrMalformedFrame
	}
	e.Message.Content = append([]byte(nil), b[:n]...)
	return &Frame{Kind: KindEnvelope, Envelope: &e}, nil
}

func decodeAck(b []byte) (*Frame, error) {
	if len(b) < 4 {
		return nil, ErrMalformedFrame
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, ErrMalformedFrame
	}
	return &Frame{Kind: KindAck, Ack: &Ack{MessageID: string(b[:n])}}, nil
}

func decodePreKeyStatus(b []byte) (*Frame, error) {
	if len(b) < 8 {
		return nil, ErrMalformedFrame
	}
	count := int32(binary.BigEndian.Uint32(b[:4]))
	threshold := int32(binary.BigEndian.Uint32(b[4:8]))
	return &Frame{Kind: KindPreKeyStatus, PreKeyStatus: &PreKeyStatus{
		OneTimePreKeyCount: count,
		MinThreshold:       threshold,
	}}, nil
}
