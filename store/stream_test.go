package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/blobtable/rowstore"
)

// readFull drains r into buf, returning the number of bytes read.
func readFull(t *testing.T, r io.Reader, buf []byte) int {
	t.Helper()

	total := 0
	for {
		n, err := r.Read(buf[total:])
		total += n
		if errors.Is(err, io.EOF) {
			return total
		}
		require.NoError(t, err)
		if total == len(buf) {
			return total
		}
	}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestStreamRoundTripSizes(t *testing.T) {
	const segLen = 16
	sizes := []int{0, 1, segLen - 1, segLen, segLen + 1, 3*segLen + 7}

	env := newTestStore(t)
	ctx := context.Background()

	for _, n := range sizes {
		data := pattern(n)

		w, err := env.store.CreateStream(ctx, "blob", WithStreamSegmentLength(segLen))
		require.NoError(t, err)
		written, err := w.Write(data)
		require.NoError(t, err)
		require.Equal(t, n, written)
		require.NoError(t, w.Close())
		require.Equal(t, int64(n), w.Blob().Length)

		r, err := env.store.OpenStream(ctx, "blob", WithVersion(w.Blob().Version))
		require.NoError(t, err)
		buf := make([]byte, n+8)
		got := readFull(t, r, buf)
		require.Equal(t, n, got, "size %d", n)
		require.True(t, bytes.Equal(data, buf[:got]), "size %d", n)
		require.NoError(t, r.Close())
	}
}

func TestStreamScenarioVideo(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "video", WithVersion(1), WithStreamSegmentLength(4))
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blob := w.Blob()
	require.Equal(t, int64(10), blob.Length)
	require.Equal(t, 3, blob.SegmentCount) // 4+4+2
	require.Equal(t, 4, blob.SegmentLength)

	r, err := env.store.OpenStream(ctx, "video", WithVersion(1))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n := readFull(t, r, buf)
	require.Equal(t, data, buf[:n])
}

func TestStreamSeek(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "video", WithStreamSegmentLength(4))
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := env.store.OpenStream(ctx, "video")
	require.NoError(t, err)

	pos, err := r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(6), pos)

	buf := make([]byte, 16)
	n := readFull(t, r, buf)
	require.Equal(t, []byte{7, 8, 9, 10}, buf[:n])

	// Seeking at or past the end fails.
	_, err = r.Seek(10, io.SeekStart)
	require.ErrorIs(t, err, ErrSeekOutOfRange)
	_, err = r.Seek(-1, io.SeekStart)
	require.ErrorIs(t, err, ErrSeekOutOfRange)

	// SeekEnd and SeekCurrent also work.
	pos, err = r.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(8), pos)
	n = readFull(t, r, buf)
	require.Equal(t, []byte{9, 10}, buf[:n])
}

func TestStreamEmptyBlobIsRepresentable(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "empty")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blob, err := env.store.GetBlob(ctx, "empty")
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.Equal(t, int64(0), blob.Length)
	require.Equal(t, 0, blob.SegmentCount)

	r, err := env.store.OpenStream(ctx, "empty")
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 4))
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamWriteAfterCloseFails(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	require.ErrorIs(t, err, ErrStreamClosed)

	// Close is idempotent.
	require.NoError(t, w.Close())
}

func TestStreamCreateConflict(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "doc", WithVersion(3))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = env.store.CreateStream(ctx, "doc", WithVersion(3))
	require.ErrorIs(t, err, ErrVersionExists)

	// Unpinned creation auto-increments past the latest version.
	w2, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, 4, w2.Blob().Version)
	require.NoError(t, w2.Close())
}

func TestStreamOpenMissing(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	_, err := env.store.OpenStream(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)

	w, err := env.store.CreateStream(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = env.store.OpenStream(ctx, "doc", WithVersion(9))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStreamMetadataPassThrough(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	meta := map[string]any{"content-type": "video/mp4", "size_hint": "10"}
	w, err := env.store.CreateStream(ctx, "video", WithMetadata(meta))
	require.NoError(t, err)
	_, err = w.Write([]byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flush everything and reload from rows.
	env.store.Stop()
	env2 := newTestStoreOver(t, env.mem)

	blob, err := env2.store.GetBlob(ctx, "video")
	require.NoError(t, err)
	require.Equal(t, meta, blob.Metadata)
}

func TestStreamRateLimit(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	data := pattern(64)
	w, err := env.store.CreateStream(ctx, "video", WithStreamSegmentLength(16))
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A generous limit verifies the limiter path without slowing the
	// test; the initial burst covers the whole blob.
	r, err := env.store.OpenStream(ctx, "video", WithRateLimit(1<<20))
	require.NoError(t, err)

	buf := make([]byte, 128)
	n := readFull(t, r, buf)
	require.Equal(t, data, buf[:n])
}

func TestStreamRateLimitCancelled(t *testing.T) {
	env := newTestStore(t)

	data := pattern(64)
	w, err := env.store.CreateStream(context.Background(), "video", WithStreamSegmentLength(16))
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ctx, cancel := context.WithCancel(context.Background())
	r, err := env.store.OpenStream(ctx, "video", WithRateLimit(8))
	require.NoError(t, err)

	// Exhaust the burst, then cancel while the limiter would block.
	buf := make([]byte, 8)
	_, err = r.Read(buf)
	require.NoError(t, err)

	cancel()
	deadline := time.After(5 * time.Second)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(buf)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-deadline:
		t.Fatal("read did not observe cancellation")
	}

	// The failure is terminal.
	_, err = r.Read(buf)
	require.Error(t, err)
}

func TestStreamReadMissingSegmentIsTerminal(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "video", WithStreamSegmentLength(4))
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flush, then corrupt the backing store by removing a segment row
	// and dropping the cache via a fresh store.
	env.store.Stop()
	env2 := newTestStoreOver(t, env.mem)

	blob, err := env2.store.GetBlob(ctx, "video")
	require.NoError(t, err)
	require.NoError(t, env2.store.segments.RemoveSegment(ctx, blob.BlobID, 1))

	r, err := env2.store.OpenStream(ctx, "video")
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = r.Read(buf)
	require.NoError(t, err) // segment 0 is intact

	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrTruncatedBlob)

	// Terminal: subsequent reads return the same error.
	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrTruncatedBlob)
}

func TestStreamWriteDuringMetadataSweeps(t *testing.T) {
	// Real clock and millisecond TTLs so sweeps and write-backs overlap
	// the writer; the cached descriptor must be a snapshot, never the
	// writer's live pointer.
	mem := rowstore.NewMemory()
	s, err := New(mem,
		WithSegmentLength(4),
		WithMetadataCacheTTL(time.Millisecond, 2*time.Millisecond),
		WithSegmentCacheTTL(time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)

	w, err := s.CreateStream(ctx, "doc")
	require.NoError(t, err)

	chunk := []byte{1, 2, 3}
	var total int64
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := w.Write(chunk)
		require.NoError(t, err)
		total += int64(n)
	}
	require.NoError(t, w.Close())
	require.Equal(t, total, w.Blob().Length)

	r, err := s.OpenStream(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, total, r.Blob().Length)

	buf := make([]byte, 4096)
	var read int64
	for {
		n, err := r.Read(buf)
		read += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, total, read)
}

func TestStreamMultipleWritesCrossSegments(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	w, err := env.store.CreateStream(ctx, "doc", WithStreamSegmentLength(4))
	require.NoError(t, err)

	// Write in odd-sized pieces crossing segment boundaries.
	data := pattern(23)
	for i := 0; i < len(data); {
		end := i + 3
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[i:end])
		require.NoError(t, err)
		i += n
	}
	require.NoError(t, w.Close())

	require.Equal(t, int64(23), w.Blob().Length)
	require.Equal(t, 6, w.Blob().SegmentCount)

	r, err := env.store.OpenStream(ctx, "doc")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n := readFull(t, r, buf)
	require.Equal(t, data, buf[:n])
}
