package boltrow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/blobtable/rowstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Provision(context.Background(), rowstore.Schema{
		Table:         "blobs",
		PartitionKeys: []rowstore.Column{{Name: "name", Type: rowstore.TypeString}},
		ClusterKeys:   []rowstore.Column{{Name: "version", Type: rowstore.TypeInt}},
		DataColumns: []rowstore.Column{
			{Name: "blob_id", Type: rowstore.TypeString},
			{Name: "length", Type: rowstore.TypeInt},
			{Name: "data", Type: rowstore.TypeBytes},
			{Name: "time_created", Type: rowstore.TypeTime},
		},
	}))
	return s
}

func TestBoltRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	row := rowstore.Row{
		"name":         "video",
		"version":      1,
		"blob_id":      "abc",
		"length":       int64(42),
		"data":         []byte{1, 2, 3},
		"time_created": created,
	}
	require.NoError(t, s.Upsert(ctx, "blobs", row))

	got, err := s.SelectOne(ctx, "blobs", rowstore.Key{"name": "video", "version": 1})
	require.NoError(t, err)
	require.Equal(t, "abc", got["blob_id"])
	require.Equal(t, int64(42), got["length"])
	require.Equal(t, []byte{1, 2, 3}, got["data"])
	require.Equal(t, created, got["time_created"])
}

func TestBoltSelectOneNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SelectOne(ctx, "blobs", rowstore.Key{"name": "missing", "version": 1})
	require.ErrorIs(t, err, rowstore.ErrNotFound)
}

func TestBoltPartitionScan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for v := 1; v <= 3; v++ {
		require.NoError(t, s.Upsert(ctx, "blobs", rowstore.Row{"name": "video", "version": v, "blob_id": "x"}))
	}
	// A name sharing a prefix must not leak into the partition scan.
	require.NoError(t, s.Upsert(ctx, "blobs", rowstore.Row{"name": "video2", "version": 1, "blob_id": "y"}))

	rows, err := s.Select(ctx, "blobs", rowstore.Key{"name": "video"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestBoltDeletePartitionAndRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for v := 1; v <= 3; v++ {
		require.NoError(t, s.Upsert(ctx, "blobs", rowstore.Row{"name": "video", "version": v, "blob_id": "x"}))
	}

	require.NoError(t, s.Delete(ctx, "blobs", rowstore.Key{"name": "video", "version": 2}))
	rows, err := s.Select(ctx, "blobs", rowstore.Key{"name": "video"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, s.Delete(ctx, "blobs", rowstore.Key{"name": "video"}))
	rows, err = s.Select(ctx, "blobs", rowstore.Key{"name": "video"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestBoltUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, "blobs", rowstore.Row{"name": "video", "version": 1, "blob_id": "a"}))
	require.NoError(t, s.Upsert(ctx, "blobs", rowstore.Row{"name": "video", "version": 1, "blob_id": "b"}))

	rows, err := s.Select(ctx, "blobs", rowstore.Key{"name": "video"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0]["blob_id"])
}
