package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlobLatestVersionWins(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		w, err := env.store.CreateStream(ctx, "doc")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.Equal(t, i, w.Blob().Version)
	}

	blob, err := env.store.GetBlob(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, 3, blob.Version)

	blob, err = env.store.GetBlobVersion(ctx, "doc", 2)
	require.NoError(t, err)
	require.Equal(t, 2, blob.Version)

	blob, err = env.store.GetBlobVersion(ctx, "doc", 9)
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestBlobVersionsGetFreshIdentity(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		w, err := env.store.CreateStream(ctx, "doc")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.False(t, seen[w.Blob().BlobID], "blob id reused")
		seen[w.Blob().BlobID] = true
	}

	list, err := env.store.GetBlobs(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, b := range list {
		require.Equal(t, i+1, b.Version, "list sorted by version")
	}
}

func TestBlobMetadataUpsertIsIdempotent(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	_, err = w.Write([]byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// CreateStream and Close both persist the descriptor; the second
	// write replaces the first row rather than adding one.
	require.Equal(t, 1, env.mem.Len(BlobTable))
	require.GreaterOrEqual(t, env.rows.upsertCount(BlobTable), 2)

	// Evicting and re-persisting the cached list leaves one row too.
	env.clock.Advance(2 * time.Minute)
	env.store.Registry().Sweep(ctx)
	require.Equal(t, 1, env.mem.Len(BlobTable))
}

func TestBlobListMergesCacheAndRows(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Drop the cached list, leaving only rows.
	env.clock.Advance(2 * time.Minute)
	env.store.Registry().Sweep(ctx)

	// A second version lands in the cache; the first comes from rows.
	w2, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, w2.Close())
	require.Equal(t, 2, w2.Blob().Version)

	list, err := env.store.GetBlobs(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, 1, list[0].Version)
	require.Equal(t, 2, list[1].Version)
}

func TestBlobRemovePurgesCache(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, env.store.RemoveBlob(ctx, "doc"))
	require.Equal(t, 0, env.mem.Len(BlobTable))

	blob, err := env.store.GetBlob(ctx, "doc")
	require.NoError(t, err)
	require.Nil(t, blob)

	// A removed name can be reused, starting over at version 1.
	w2, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, w2.Close())
	require.Equal(t, 1, w2.Blob().Version)
}

func TestBlobNamesAreIndependent(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"video", "video2"} {
		w, err := env.store.CreateStream(ctx, name)
		require.NoError(t, err)
		_, err = w.Write([]byte(name))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	require.NoError(t, env.store.RemoveBlob(ctx, "video"))

	blob, err := env.store.GetBlob(ctx, "video2")
	require.NoError(t, err)
	require.Equal(t, int64(len("video2")), blob.Length)
}
