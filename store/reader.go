package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	blobtable "github.com/wolfeidau/blobtable"
)

// Reader streams a blob's bytes by walking its segments in order. Reads are
// sequential with optional Seek; a fetch failure latches a terminal error
// and never corrupts cached state for other consumers. Multiple Readers may
// share one blob version, sharing cached segments read-only.
type Reader struct {
	ctx      context.Context
	blob     *blobtable.Blob
	segments *SegmentStore
	limiter  *rate.Limiter

	pos      int64
	cur      *blobtable.Segment
	curIndex int
	err      error
	closed   bool
}

// Blob returns the descriptor being read.
func (r *Reader) Blob() *blobtable.Blob {
	return r.blob
}

// Read implements io.Reader. At most one segment's worth of bytes is
// returned per call; io.EOF signals the end of the blob.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos >= r.blob.Length {
		return 0, io.EOF
	}

	segLen := int64(r.blob.SegmentLength)
	index := int(r.pos / segLen)
	off := int(r.pos % segLen)

	if index >= r.blob.SegmentCount {
		// Metadata promised bytes beyond the last segment.
		r.err = fmt.Errorf("%w: position %d of %s", ErrTruncatedBlob, r.pos, r.blob.Key())
		return 0, r.err
	}

	if r.cur == nil || r.curIndex != index {
		seg, err := r.segments.GetSegment(r.ctx, r.blob.BlobID, index)
		if errors.Is(err, ErrNotFound) {
			r.err = fmt.Errorf("%w: segment %d of %s", ErrTruncatedBlob, index, r.blob.Key())
			return 0, r.err
		}
		if err != nil {
			r.err = err
			return 0, r.err
		}
		r.cur = seg
		r.curIndex = index
	}

	if off >= len(r.cur.Data) {
		r.err = fmt.Errorf("%w: segment %d of %s stored short", ErrTruncatedBlob, index, r.blob.Key())
		return 0, r.err
	}

	// Bytes available: bounded by the segment buffer, the blob length and
	// the caller's buffer.
	n := len(r.cur.Data) - off
	if remaining := r.blob.Length - r.pos; int64(n) > remaining {
		n = int(remaining)
	}
	if n > len(p) {
		n = len(p)
	}

	if r.limiter != nil {
		if burst := r.limiter.Burst(); n > burst {
			n = burst
		}
		if err := r.limiter.WaitN(r.ctx, n); err != nil {
			r.err = err
			return 0, r.err
		}
	}

	copy(p, r.cur.Data[off:off+n])
	r.pos += int64(n)
	return n, nil
}

// Seek implements io.Seeker. Offsets at or beyond the blob length (and
// before the start) fail with ErrSeekOutOfRange.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.closed {
		return 0, ErrStreamClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.blob.Length + offset
	default:
		return 0, fmt.Errorf("store: invalid seek whence %d", whence)
	}

	if abs < 0 || abs >= r.blob.Length {
		return 0, fmt.Errorf("%w: offset %d, length %d", ErrSeekOutOfRange, abs, r.blob.Length)
	}

	r.pos = abs
	return abs, nil
}

// Close implements io.Closer. It releases no shared state; cached segments
// stay available to other readers.
func (r *Reader) Close() error {
	r.closed = true
	r.cur = nil
	return nil
}
