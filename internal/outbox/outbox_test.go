package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mistcharge/internal/logging"
	"mistcharge/internal/storage"
)

func newTestOutbox(t *testing.T) (*Outbox, *storage.Database) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "outbox.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logging.Discard()), db
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	return false, nil
}

func (failingStore) Put(ctx context.Context, key string, value any) error {
	return errors.New("disk full")
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return errors.New("disk full")
}

func TestEnqueueKeepsFIFOOrderAcrossInstances(t *testing.T) {
	ctx := context.Background()
	box, db := newTestOutbox(t)

	first, err := box.Enqueue(ctx, "power_toggle", map[string]any{"isOn": true})
	require.NoError(t, err)
	second, err := box.Enqueue(ctx, "reboot", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// A fresh outbox over the same store sees the persisted queue.
	queue, err := New(db, logging.Discard()).List(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first, queue[0].ID)
	assert.Equal(t, "power_toggle", queue[0].Command)
	assert.Equal(t, true, queue[0].Parameters["isOn"])
	assert.Equal(t, 0, queue[0].RetryCount)
	assert.Equal(t, second, queue[1].ID)
}

func TestListEmpty(t *testing.T) {
	box, _ := newTestOutbox(t)

	queue, err := box.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, queue)
	assert.Empty(t, queue)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestOutbox(t)

	id, err := box.Enqueue(ctx, "reboot", nil)
	require.NoError(t, err)
	keep, err := box.Enqueue(ctx, "power_toggle", nil)
	require.NoError(t, err)

	require.NoError(t, box.Remove(ctx, id))
	require.NoError(t, box.Remove(ctx, id))
	require.NoError(t, box.Remove(ctx, "unknown"))

	queue, err := box.List(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, keep, queue[0].ID)
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestOutbox(t)

	id, err := box.Enqueue(ctx, "reboot", nil)
	require.NoError(t, err)

	count, err := box.MarkFailed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = box.MarkFailed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	queue, err := box.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queue[0].RetryCount)

	count, err = box.MarkFailed(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestOutbox(t)

	_, err := box.Enqueue(ctx, "reboot", nil)
	require.NoError(t, err)
	require.NoError(t, box.Clear(ctx))

	status, err := box.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Nil(t, status.Oldest)
}

func TestStatusReportsOldest(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestOutbox(t)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	box.now = func() time.Time { return clock }

	_, err := box.Enqueue(ctx, "a", nil)
	require.NoError(t, err)
	clock = base.Add(time.Minute)
	_, err = box.Enqueue(ctx, "b", nil)
	require.NoError(t, err)

	status, err := box.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	require.NotNil(t, status.Oldest)
	assert.True(t, base.Equal(*status.Oldest))
}

func TestPruneOlderThan(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestOutbox(t)

	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	box.now = func() time.Time { return now.Add(-25 * time.Hour) }
	_, err := box.Enqueue(ctx, "stale", nil)
	require.NoError(t, err)
	box.now = func() time.Time { return now.Add(-time.Hour) }
	fresh, err := box.Enqueue(ctx, "fresh", nil)
	require.NoError(t, err)

	box.now = func() time.Time { return now }
	dropped, err := box.PruneOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	queue, err := box.List(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, fresh, queue[0].ID)
}

func TestEnqueueStoreFailure(t *testing.T) {
	box := New(failingStore{}, logging.Discard())

	_, err := box.Enqueue(context.Background(), "reboot", nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Error(t, box.Clear(context.Background()))
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestOutbox(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := box.Enqueue(ctx, fmt.Sprintf("cmd-%d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	queue, err := box.List(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 20)
}
