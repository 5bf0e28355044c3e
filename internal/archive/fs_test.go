package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore_RoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "export-1.json", []byte(`{"count":1}`)))
	require.NoError(t, store.Store(ctx, "export-2.json", []byte(`{"count":2}`)))

	data, err := store.Load(ctx, "export-1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, string(data))

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"export-1.json", "export-2.json"}, names)
}

func TestFSStore_OverwriteAndMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "export.json", []byte(`{"v":1}`)))
	require.NoError(t, store.Store(ctx, "export.json", []byte(`{"v":2}`)))

	data, err := store.Load(ctx, "export.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	_, err = store.Load(ctx, "nope.json")
	assert.Error(t, err)
}

func TestFSStore_StripsPathComponents(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "../escape.json", []byte(`{}`)))

	names, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"escape.json"}, names)
}
