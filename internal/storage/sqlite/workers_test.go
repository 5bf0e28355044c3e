package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptc/internal/domain"
)

func newTestWorkerStore(t *testing.T) *WorkerStore {
	t.Helper()
	store, err := NewWorkerStore(context.Background(), filepath.Join(t.TempDir(), "workers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWorkerStore_RegisterAndGet(t *testing.T) {
	store := newTestWorkerStore(t)
	ctx := context.Background()

	w := &domain.Worker{ID: "W1", Name: "builder", PID: 1234, Capabilities: []string{"build", "test"}}
	require.NoError(t, store.Register(ctx, w))

	got, err := store.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerActive, got.Status)
	assert.Equal(t, []string{"build", "test"}, got.Capabilities)
	assert.WithinDuration(t, time.Now(), got.LastHeartbeat, 5*time.Second)
}

func TestWorkerStore_ReRegisterUpdates(t *testing.T) {
	store := newTestWorkerStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W1", Name: "old", PID: 1}))
	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W1", Name: "new", PID: 2}))

	got, err := store.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, 2, got.PID)
}

func TestWorkerStore_HeartbeatRestoresActive(t *testing.T) {
	store := newTestWorkerStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W1"}))
	require.NoError(t, store.UpdateStatus(ctx, "W1", domain.WorkerStale))

	require.NoError(t, store.Heartbeat(ctx, "W1"))

	got, err := store.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerActive, got.Status)
}

func TestWorkerStore_HeartbeatUnknownWorker(t *testing.T) {
	store := newTestWorkerStore(t)

	err := store.Heartbeat(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestWorkerStore_FindStale(t *testing.T) {
	store := newTestWorkerStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W1"}))
	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W2"}))

	// Age W1's heartbeat directly; the registry only writes "now".
	_, err := store.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = 'W1'`,
		time.Now().Add(-2*time.Minute).UnixMilli())
	require.NoError(t, err)

	stale, err := store.FindStale(ctx, 90*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "W1", stale[0].ID)

	// Already-stale workers are not returned again.
	require.NoError(t, store.UpdateStatus(ctx, "W1", domain.WorkerStale))
	stale, err = store.FindStale(ctx, 90*time.Second)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestWorkerStore_UnregisterAndStats(t *testing.T) {
	store := newTestWorkerStore(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W1"}))
	require.NoError(t, store.Register(ctx, &domain.Worker{ID: "W2"}))
	require.NoError(t, store.Unregister(ctx, "W2"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[domain.WorkerActive])
	assert.Equal(t, int64(1), stats[domain.WorkerOffline])

	active, err := store.List(ctx, domain.WorkerActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "W1", active[0].ID)
}
