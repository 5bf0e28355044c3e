package claim

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptc/internal/domain"
	"ptc/internal/storage/sqlite"
)

func newTestClaimer(t *testing.T, source TaskSource) *Claimer {
	t.Helper()
	store, err := sqlite.NewClaimStore(context.Background(), filepath.Join(t.TempDir(), "task-claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, source)
}

func TestClaimer_ClaimNextReadyTask(t *testing.T) {
	c := newTestClaimer(t, NewStaticSource("ptc-T1", "ptc-T2"))
	ctx := context.Background()

	cl, err := c.Claim(ctx, "W1", 0)
	require.NoError(t, err)
	assert.Equal(t, "ptc-T1", cl.TaskID)
	assert.Equal(t, "W1", cl.WorkerID)
	assert.Equal(t, domain.ClaimActive, cl.Status)
}

func TestClaimer_NoReadyTasks(t *testing.T) {
	c := newTestClaimer(t, NewStaticSource())

	_, err := c.Claim(context.Background(), "W1", 0)
	assert.ErrorIs(t, err, domain.ErrNoReadyTasks)
}

func TestClaimer_WorkerTaskLimit(t *testing.T) {
	c := newTestClaimer(t, NewStaticSource("ptc-T1", "ptc-T2", "ptc-T3"))
	ctx := context.Background()

	_, err := c.Claim(ctx, "W1", 2)
	require.NoError(t, err)
	_, err = c.Claim(ctx, "W1", 2)
	require.NoError(t, err)

	_, err = c.Claim(ctx, "W1", 2)
	assert.ErrorIs(t, err, domain.ErrWorkerTaskLimit)

	// Releasing frees a slot.
	require.NoError(t, c.Release(ctx, "ptc-T1", "W1"))
	_, err = c.Claim(ctx, "W1", 2)
	require.NoError(t, err)
}

func TestClaimer_CacheRejectsKnownClaim(t *testing.T) {
	c := newTestClaimer(t, nil)
	ctx := context.Background()

	_, err := c.ClaimTask(ctx, "ptc-T1", "W1")
	require.NoError(t, err)

	_, err = c.ClaimTask(ctx, "ptc-T1", "W2")
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)
}

func TestClaimer_StoreRejectsWhenCacheIsCold(t *testing.T) {
	store, err := sqlite.NewClaimStore(context.Background(), filepath.Join(t.TempDir(), "task-claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	first := New(store, nil)
	_, err = first.ClaimTask(ctx, "ptc-T1", "W1")
	require.NoError(t, err)

	// A second claimer with an empty cache still loses at the store.
	second := New(store, nil)
	_, err = second.ClaimTask(ctx, "ptc-T1", "W2")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestClaimer_InitializeWarmsCache(t *testing.T) {
	store, err := sqlite.NewClaimStore(context.Background(), filepath.Join(t.TempDir(), "task-claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.Insert(ctx, "ptc-T1", "W1", "")
	require.NoError(t, err)

	c := New(store, nil)
	require.NoError(t, c.Initialize(ctx))

	_, err = c.ClaimTask(ctx, "ptc-T1", "W2")
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyClaimed)
}

func TestClaimer_MarkForReassignmentEnablesFreshClaim(t *testing.T) {
	c := newTestClaimer(t, nil)
	ctx := context.Background()

	_, err := c.ClaimTask(ctx, "ptc-T1", "W1")
	require.NoError(t, err)

	require.NoError(t, c.MarkForReassignment(ctx, "ptc-T1"))

	cl, err := c.ClaimTask(ctx, "ptc-T1", "W2")
	require.NoError(t, err)
	assert.Equal(t, "W2", cl.WorkerID)
}

func TestReassigner_ReassignFromWorker(t *testing.T) {
	c := newTestClaimer(t, nil)
	ctx := context.Background()

	_, err := c.ClaimTask(ctx, "ptc-T1", "W1")
	require.NoError(t, err)
	_, err = c.ClaimTask(ctx, "ptc-T2", "W1")
	require.NoError(t, err)
	_, err = c.ClaimTask(ctx, "ptc-T3", "W2")
	require.NoError(t, err)

	r := NewReassigner(c)
	entries, err := r.ReassignFromWorker(ctx, "W1", "worker stale")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "success", e.Status)
		assert.Equal(t, "W1", e.FromWorker)
	}

	// W1's tasks are claimable again, W2's claim is untouched.
	_, err = c.ClaimTask(ctx, "ptc-T1", "W3")
	require.NoError(t, err)
	remaining, err := c.WorkerClaims(ctx, "W2")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, float64(1), stats.SuccessRate)
}

func TestReassigner_HistoryFilters(t *testing.T) {
	c := newTestClaimer(t, nil)
	ctx := context.Background()

	_, err := c.ClaimTask(ctx, "ptc-T1", "W1")
	require.NoError(t, err)
	_, err = c.ClaimTask(ctx, "ptc-T2", "W2")
	require.NoError(t, err)

	r := NewReassigner(c)
	_, err = r.ReassignFromWorker(ctx, "W1", "stale")
	require.NoError(t, err)
	require.NoError(t, r.ReassignTask(ctx, "ptc-T2", "operator request"))

	all := r.History(HistoryFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, "ptc-T2", all[0].TaskID, "newest first")

	onlyW1 := r.History(HistoryFilter{WorkerID: "W1"})
	require.Len(t, onlyW1, 1)
	assert.Equal(t, "ptc-T1", onlyW1[0].TaskID)

	limited := r.History(HistoryFilter{Limit: 1})
	assert.Len(t, limited, 1)
}

func TestReassigner_ReassignUnknownTask(t *testing.T) {
	c := newTestClaimer(t, nil)
	r := NewReassigner(c)

	err := r.ReassignTask(context.Background(), "ptc-missing", "oops")
	assert.ErrorIs(t, err, domain.ErrClaimNotFound)
}

func TestStaticSource_Exhausts(t *testing.T) {
	s := NewStaticSource("ptc-T1")
	ctx := context.Background()

	id, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ptc-T1", id)

	id, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}
