package backup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/obscura-chat/obscura-server/config"
	"github.com/obscura-chat/obscura-server/internal/apperror"
	domain "github.com/obscura-chat/obscura-server/internal/domain/backup"
)

type fakeSlotStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Backup
}

func newFakeSlotStore() *fakeSlotStore {
	return &fakeSlotStore{rows: make(map[uuid.UUID]*domain.Backup)}
}

func (f *fakeSlotStore) snapshot(userID uuid.UUID) *domain.Backup {
	b, ok := f.rows[userID]
	if !ok {
		return nil
	}
	cp := *b
	if b.PendingVersion != nil {
		v := *b.PendingVersion
		cp.PendingVersion = &v
	}
	if b.PendingAt != nil {
		ts := *b.PendingAt
		cp.PendingAt = &ts
	}
	return &cp
}

func (f *fakeSlotStore) FindByUserID(_ context.Context, userID uuid.UUID) (*domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(userID), nil
}

func (f *fakeSlotStore) CreateIfNotExists(_ context.Context, userID uuid.UUID) (*domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[userID]; !ok {
		f.rows[userID] = &domain.Backup{UserID: userID, State: domain.StateActive}
	}
	return f.snapshot(userID), nil
}

func (f *fakeSlotStore) ReserveActiveSlot(_ context.Context, userID uuid.UUID, expectedVersion int32) (*domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[userID]
	if !ok || b.State != domain.StateActive || b.CurrentVersion != expectedVersion {
		return nil, nil
	}
	pending := b.CurrentVersion + 1
	now := time.Now()
	b.State = domain.StateUploading
	b.PendingVersion = &pending
	b.PendingAt = &now
	return f.snapshot(userID), nil
}

func (f *fakeSlotStore) ReserveSlotForce(_ context.Context, userID uuid.UUID) (*domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.rows[userID]
	pending := b.CurrentVersion + 1
	now := time.Now()
	b.State = domain.StateUploading
	b.PendingVersion = &pending
	b.PendingAt = &now
	return f.snapshot(userID), nil
}

func (f *fakeSlotStore) CommitVersion(_ context.Context, userID uuid.UUID, pendingVersion int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[userID]
	if !ok || b.State != domain.StateUploading || b.PendingVersion == nil || *b.PendingVersion != pendingVersion {
		return nil
	}
	b.CurrentVersion = pendingVersion
	b.State = domain.StateActive
	b.PendingVersion = nil
	b.PendingAt = nil
	b.UpdatedAt = time.Now()
	return nil
}

func (f *fakeSlotStore) FetchStaleUploads(_ context.Context, threshold time.Time, limit int64) ([]domain.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Backup
	for id, b := range f.rows {
		if b.State == domain.StateUploading && b.PendingAt != nil && b.PendingAt.Before(threshold) {
			out = append(out, *f.snapshot(id))
			if int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSlotStore) ResetStale(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.rows[userID]; ok {
		b.State = domain.StateActive
		b.PendingVersion = nil
		b.PendingAt = nil
	}
	return nil
}

// markUploading puts userID's row into UPLOADING with the given age.
func (f *fakeSlotStore) markUploading(userID uuid.UUID, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.rows[userID]
	pending := b.CurrentVersion + 1
	ts := time.Now().Add(-age)
	b.State = domain.StateUploading
	b.PendingVersion = &pending
	b.PendingAt = &ts
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(_ context.Context, key string, body io.Reader, maxSize int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) > maxSize {
		return apperror.PayloadTooLarge("body exceeds max size")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Get(_ context.Context, key string) (int64, io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return 0, nil, apperror.NotFound("blob not found")
	}
	return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Head(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return 0, apperror.NotFound("blob not found")
	}
	return int64(len(data)), nil
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func newTestService(repo slotStore, blobs *fakeBlobStore) *Service {
	cfg := &config.Config{}
	cfg.Backup.KeyPrefix = "backups/"
	cfg.Backup.MinSizeBytes = 1
	cfg.Backup.MaxSizeBytes = 1 << 20
	cfg.Backup.StaleThresholdMins = 15
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, blobs, logger, cfg)
}

func TestUpload_VersionChain(t *testing.T) {
	repo := newFakeSlotStore()
	blobs := newFakeBlobStore()
	svc := newTestService(repo, blobs)
	ctx := context.Background()
	userID := uuid.New()

	first := []byte("backup contents")
	require.NoError(t, svc.Upload(ctx, userID, 0, bytes.NewReader(first), int64(len(first))))

	version, size, err := svc.Head(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)
	require.EqualValues(t, len(first), size)

	gotSize, body, err := svc.Download(ctx, userID)
	require.NoError(t, err)
	defer body.Close()
	require.EqualValues(t, len(first), gotSize)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, first, got)

	second := []byte("newer backup contents")
	require.NoError(t, svc.Upload(ctx, userID, 1, bytes.NewReader(second), int64(len(second))))

	version, _, err = svc.Head(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 2, version)

	// the superseded version's blob is cleaned up asynchronously
	require.Eventually(t, func() bool {
		return !blobs.has("backups/" + userID.String() + "/v1")
	}, time.Second, 5*time.Millisecond)
}

func TestUpload_StaleIfMatchFails(t *testing.T) {
	repo := newFakeSlotStore()
	svc := newTestService(repo, newFakeBlobStore())
	ctx := context.Background()
	userID := uuid.New()

	body := []byte("backup contents")
	require.NoError(t, svc.Upload(ctx, userID, 0, bytes.NewReader(body), int64(len(body))))

	err := svc.Upload(ctx, userID, 0, bytes.NewReader(body), int64(len(body)))
	require.True(t, apperror.Is(err, apperror.KindPreconditionFailed), "got %v", err)
}

func TestUpload_FreshInFlightUploadConflicts(t *testing.T) {
	repo := newFakeSlotStore()
	svc := newTestService(repo, newFakeBlobStore())
	ctx := context.Background()
	userID := uuid.New()

	_, err := repo.CreateIfNotExists(ctx, userID)
	require.NoError(t, err)
	repo.markUploading(userID, time.Minute)

	body := []byte("backup contents")
	err = svc.Upload(ctx, userID, 0, bytes.NewReader(body), int64(len(body)))
	require.True(t, apperror.Is(err, apperror.KindConflict), "got %v", err)
}

func TestUpload_StaleInFlightUploadIsTakenOver(t *testing.T) {
	repo := newFakeSlotStore()
	svc := newTestService(repo, newFakeBlobStore())
	ctx := context.Background()
	userID := uuid.New()

	_, err := repo.CreateIfNotExists(ctx, userID)
	require.NoError(t, err)
	repo.markUploading(userID, time.Hour)

	body := []byte("backup contents")
	require.NoError(t, svc.Upload(ctx, userID, 0, bytes.NewReader(body), int64(len(body))))

	version, _, err := svc.Head(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)
}

func TestUpload_SizeBounds(t *testing.T) {
	svc := newTestService(newFakeSlotStore(), newFakeBlobStore())
	ctx := context.Background()
	userID := uuid.New()

	err := svc.Upload(ctx, userID, 0, bytes.NewReader(nil), 0)
	require.True(t, apperror.Is(err, apperror.KindBadRequest), "got %v", err)

	err = svc.Upload(ctx, userID, 0, bytes.NewReader(nil), 2<<20)
	require.True(t, apperror.Is(err, apperror.KindPayloadTooLarge), "got %v", err)
}

func TestSweepStale_DeletesOrphanedPendingBlob(t *testing.T) {
	repo := newFakeSlotStore()
	blobs := newFakeBlobStore()
	svc := newTestService(repo, blobs)
	ctx := context.Background()
	userID := uuid.New()

	_, err := repo.CreateIfNotExists(ctx, userID)
	require.NoError(t, err)
	repo.markUploading(userID, time.Hour)
	blobs.objects["backups/"+userID.String()+"/v1"] = []byte("orphaned partial upload")

	n, err := svc.SweepStale(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, blobs.has("backups/"+userID.String()+"/v1"))

	row, err := repo.FindByUserID(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, row.State)
	require.Nil(t, row.PendingVersion)
}
