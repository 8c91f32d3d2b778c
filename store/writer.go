package store

import (
	"context"
	"errors"
	"fmt"

	blobtable "github.com/wolfeidau/blobtable"
)

// Writer streams bytes into a blob version, segment by segment. Writes are
// applied in call order; a full segment is handed to the segment store and
// the cursor rolls over to the next index. Close finalises the blob:
// the partial final segment is truncated to its written length and the
// metadata persisted with the final length and segment count.
//
// A Writer is bound to exactly one (name, version); concurrent writers for
// the same pair are not coordinated.
type Writer struct {
	ctx      context.Context
	blob     *blobtable.Blob
	segments *SegmentStore
	blobs    *MetadataStore

	index  int
	cur    *blobtable.Segment
	off    int
	err    error
	closed bool
}

// Blob returns the descriptor being written. Length and SegmentCount are
// exact only after Close.
func (w *Writer) Blob() *blobtable.Blob {
	return w.blob
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrStreamClosed
	}

	written := 0
	for len(p) > 0 {
		if w.cur == nil {
			if err := w.nextSegment(); err != nil {
				w.err = err
				return written, err
			}
		}

		n := copy(w.cur.Data[w.off:], p)
		w.off += n
		w.blob.Length += int64(n)
		written += n
		p = p[n:]

		if w.off == w.blob.SegmentLength {
			w.segments.SetSegment(w.cur)
			w.cur = nil
			w.off = 0
			w.index++
		}
	}

	return written, nil
}

// nextSegment positions the cursor on the segment at the current index:
// an existing segment is fetched and its buffer re-extended to full
// capacity if it was stored short, otherwise a fresh buffer is allocated
// and the segment count bumped.
func (w *Writer) nextSegment() error {
	if w.index < w.blob.SegmentCount {
		seg, err := w.segments.GetSegment(w.ctx, w.blob.BlobID, w.index)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: segment %d of %s", ErrTruncatedBlob, w.index, w.blob.Key())
		}
		if err != nil {
			return err
		}
		if len(seg.Data) < w.blob.SegmentLength {
			seg.Data = append(seg.Data, make([]byte, w.blob.SegmentLength-len(seg.Data))...)
		}
		w.cur = seg
		return nil
	}

	w.cur = &blobtable.Segment{
		BlobID: w.blob.BlobID,
		Index:  w.index,
		Data:   make([]byte, w.blob.SegmentLength),
	}
	w.blob.SegmentCount++
	return nil
}

// Close finalises the stream. Closing mid-write still persists the current
// partial segment. Close is idempotent; a failed finalisation latches the
// error and is returned again on subsequent calls.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true

	if w.cur != nil {
		w.cur.Data = w.cur.Data[:w.off]
		w.segments.SetSegment(w.cur)
		w.cur = nil
		w.off = 0
	}

	if err := w.blobs.SetBlob(w.ctx, w.blob); err != nil {
		w.err = fmt.Errorf("finalising blob %s: %w", w.blob.Key(), err)
		return w.err
	}

	return nil
}
