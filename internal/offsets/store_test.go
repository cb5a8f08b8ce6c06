package offsets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "offsets.json")
	key := Key{Path: "/var/log/run.log", Consumer: "dfaas#1"}

	store, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Zero(t, got)

	require.NoError(t, store.Commit(ctx, key, 128))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	got, err = reopened.Load(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 128, got)

	other := Key{Path: key.Path, Consumer: "dfaas#2"}
	got, err = reopened.Load(ctx, other)
	require.NoError(t, err)
	require.Zero(t, got, "offsets are per consumer")
}

func TestSQLiteStore_CommitAndDeleteUnder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := OpenSQLiteStore(ctx, filepath.Join(dir, "offsets.db"))
	require.NoError(t, err)
	defer store.Close()

	runDir := filepath.Join(dir, "runs", "r1")
	inRun := Key{Path: filepath.Join(runDir, "node-a.log"), Consumer: "c"}
	outside := Key{Path: filepath.Join(dir, "runs", "r10", "node-a.log"), Consumer: "c"}

	require.NoError(t, store.Commit(ctx, inRun, 10))
	require.NoError(t, store.Commit(ctx, inRun, 42))
	require.NoError(t, store.Commit(ctx, outside, 7))

	got, err := store.Load(ctx, inRun)
	require.NoError(t, err)
	require.EqualValues(t, 42, got)

	n, err := store.DeleteUnder(ctx, runDir)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err = store.Load(ctx, inRun)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = store.Load(ctx, outside)
	require.NoError(t, err)
	require.EqualValues(t, 7, got)
}
