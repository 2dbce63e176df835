package amqp

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/internal/apperror"
	"github.com/obscura-chat/obscura-server/internal/domain/message"
	"github.com/obscura-chat/obscura-server/internal/metrics"
	"github.com/obscura-chat/obscura-server/internal/notify"
)

// fakeCreator stores messages for every recipient in known, and reports
// NotFound for everyone else the way a foreign-key violation would.
type fakeCreator struct {
	mu      sync.Mutex
	known   map[uuid.UUID]bool
	created []message.Message
}

func (f *fakeCreator) Create(_ context.Context, senderID, recipientID uuid.UUID, messageType int32, content []byte) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[recipientID] {
		return nil, apperror.NotFound("recipient does not exist")
	}
	m := message.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		MessageType: messageType,
		Content:     content,
	}
	f.created = append(f.created, m)
	return &m, nil
}

func newTestHandler(t *testing.T, creator *fakeCreator) (*Handler, *notify.InMemory) {
	t.Helper()
	m, err := metrics.New(metrics.NewProvider())
	require.NoError(t, err)
	notifier := notify.NewInMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(creator, notifier, m, logger), notifier
}

func sub(recipient uuid.UUID, content string) Submission {
	return Submission{
		SubmissionID:  uuid.NewString(),
		RecipientID:   recipient.String(),
		MessageType:   1,
		ContentBase64: base64.StdEncoding.EncodeToString([]byte(content)),
	}
}

func TestProcessBatch_StoresAndNotifiesEachSubmission(t *testing.T) {
	recipient := uuid.New()
	creator := &fakeCreator{known: map[uuid.UUID]bool{recipient: true}}
	h, notifier := newTestHandler(t, creator)

	batch := &SendBatch{SenderID: uuid.NewString()}
	for i := range 5 {
		batch.Submissions = append(batch.Submissions, sub(recipient, string(rune('a'+i))))
	}

	outcome, err := h.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcome.Created, 5)
	require.Empty(t, outcome.Failed)
	require.True(t, notifier.HasPending(recipient))
}

func TestProcessBatch_PartialFailuresAreReported(t *testing.T) {
	recipient := uuid.New()
	creator := &fakeCreator{known: map[uuid.UUID]bool{recipient: true}}
	h, _ := newTestHandler(t, creator)

	unknown := uuid.New()
	malformed := sub(recipient, "x")
	malformed.RecipientID = "not-a-uuid"
	missing := sub(recipient, "x")
	missing.ContentBase64 = ""

	batch := &SendBatch{
		SenderID: uuid.NewString(),
		Submissions: []Submission{
			sub(recipient, "ok-1"),
			sub(unknown, "dead letter"),
			malformed,
			missing,
			sub(recipient, "ok-2"),
		},
	}

	outcome, err := h.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcome.Created, 2)
	require.Len(t, outcome.Failed, 3)

	codes := map[message.SubmissionErrorCode]int{}
	for _, f := range outcome.Failed {
		codes[f.Code]++
	}
	require.Equal(t, 1, codes[message.ErrInvalidRecipient])
	require.Equal(t, 1, codes[message.ErrMalformedRecipientID])
	require.Equal(t, 1, codes[message.ErrMessageMissing])
}

func TestProcessBatch_MalformedSenderIsBadRequest(t *testing.T) {
	creator := &fakeCreator{known: map[uuid.UUID]bool{}}
	h, _ := newTestHandler(t, creator)

	_, err := h.ProcessBatch(context.Background(), &SendBatch{SenderID: "garbage"})
	require.True(t, apperror.Is(err, apperror.KindBadRequest))
}
