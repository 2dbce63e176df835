// Package message holds the Message domain type and the batched-submission
// shapes the AMQP ingestion surface decodes.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is an opaque ciphertext envelope queued for a recipient.
type Message struct {
	ID          uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	MessageType int32
	Content     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Cursor is the composite (created_at, id) pagination cursor fetch_pending
// requires for correctness under identical timestamps.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// SubmissionErrorCode classifies why a single submission in a batch failed.
type SubmissionErrorCode int

const (
	ErrUnknown SubmissionErrorCode = iota
	ErrInvalidRecipient
	ErrMalformedRecipientID
	ErrMalformedSubmissionID
	ErrMessageMissing
)

func (c SubmissionErrorCode) String() string {
	switch c {
	case ErrInvalidRecipient:
		return "InvalidRecipient"
	case ErrMalformedRecipientID:
		return "MalformedRecipientId"
	case ErrMalformedSubmissionID:
		return "MalformedSubmissionId"
	case ErrMessageMissing:
		return "MessageMissing"
	default:
		return "Unknown"
	}
}

// RawSubmission is one entry of a batched send request before validation.
type RawSubmission struct {
	SubmissionID string
	RecipientID  string
	MessageType  int32
	Content      []byte
}

// FailedSubmission reports why one entry of a batch was rejected.
type FailedSubmission struct {
	SubmissionID string
	Code         SubmissionErrorCode
}

// SubmissionOutcome is the result of processing one batched send request.
type SubmissionOutcome struct {
	Created []Message
	Failed  []FailedSubmission
}
