package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	blobtable "github.com/wolfeidau/blobtable"
	"github.com/wolfeidau/blobtable/cache"
	"github.com/wolfeidau/blobtable/rowstore"
	"github.com/wolfeidau/blobtable/telemetry"
)

// SegmentTable is the row-store table holding segment payloads.
const SegmentTable = "segments"

// SegmentCacheName is the write-back cache buffering segment mutations.
const SegmentCacheName = "blob_segments"

// SegmentSchema declares the segment table: the partition key is the pair
// (blob_id, seg_index), so the key space is disjoint across blob versions.
func SegmentSchema() rowstore.Schema {
	return rowstore.Schema{
		Table: SegmentTable,
		PartitionKeys: []rowstore.Column{
			{Name: "blob_id", Type: rowstore.TypeString},
			{Name: "seg_index", Type: rowstore.TypeInt},
		},
		DataColumns: []rowstore.Column{
			{Name: "data", Type: rowstore.TypeBytes},
			{Name: "raw_len", Type: rowstore.TypeInt},
			{Name: "encoding", Type: rowstore.TypeString},
			{Name: "digest", Type: rowstore.TypeString},
		},
	}
}

// SegmentStore persists and retrieves fixed-size segments. All writes go
// through the write-back cache; rows are only written inside the expiry
// callback, never synchronously.
type SegmentStore struct {
	rows    rowstore.Store
	cache   *cache.Cache[*blobtable.Segment]
	codec   *segmentCodec
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func newSegmentStore(reg *cache.Registry, rows rowstore.Store, codec *segmentCodec, ttl, sweep time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) (*SegmentStore, error) {
	s := &SegmentStore{
		rows:    rows,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
	}

	c, err := cache.New(reg, SegmentCacheName, cache.Config[*blobtable.Segment]{
		TTL:           ttl,
		SweepInterval: sweep,
		OnExpired:     s.writeBack,
	})
	if err != nil {
		return nil, err
	}
	s.cache = c

	return s, nil
}

// GetSegment returns the segment at (blobID, index), consulting the cache
// first and falling back to the row store. Concurrent fetches of the same
// segment converge on one cached instance. Returns ErrNotFound when the row
// does not exist.
func (s *SegmentStore) GetSegment(ctx context.Context, blobID string, index int) (*blobtable.Segment, error) {
	key := blobtable.SegmentKey(blobID, index)

	if seg, ok := s.cache.Get(key); ok {
		s.metrics.RecordCacheHit(ctx, SegmentCacheName)
		return seg, nil
	}
	s.metrics.RecordCacheMiss(ctx, SegmentCacheName)

	row, err := s.rows.SelectOne(ctx, SegmentTable, rowstore.Key{"blob_id": blobID, "seg_index": index})
	if err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading segment %s: %w", key, err)
	}

	data, err := s.decodeRow(key, row)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSegmentRead(ctx, len(data))

	seg := &blobtable.Segment{BlobID: blobID, Index: index, Data: data}
	return s.cache.SetOrGet(key, seg), nil
}

// SetSegment marks the segment dirty and stores it in the cache. The row
// store is not touched; persistence happens when the cache evicts the
// entry.
func (s *SegmentStore) SetSegment(seg *blobtable.Segment) {
	seg.Dirty = true
	s.cache.Set(seg.Key(), seg)
}

// RemoveSegment deletes the backing row and drops any cached copy without
// write-back. Only safe after blob-level removal, when no writer for the
// blob is live.
func (s *SegmentStore) RemoveSegment(ctx context.Context, blobID string, index int) error {
	s.cache.Delete(blobtable.SegmentKey(blobID, index))

	err := s.rows.Delete(ctx, SegmentTable, rowstore.Key{"blob_id": blobID, "seg_index": index})
	if err != nil {
		return fmt.Errorf("deleting segment %s: %w", blobtable.SegmentKey(blobID, index), err)
	}
	return nil
}

// writeBack is the expiry callback: the only path from cached segments to
// the row store. Clean segments were fetched for reading only and are
// skipped.
func (s *SegmentStore) writeBack(ctx context.Context, key string, seg *blobtable.Segment, _ time.Time) error {
	if !seg.Dirty {
		return nil
	}

	payload, encoding, digest := s.codec.Encode(seg.Data)
	row := rowstore.Row{
		"blob_id":   seg.BlobID,
		"seg_index": seg.Index,
		"data":      payload,
		"raw_len":   len(seg.Data),
		"encoding":  encoding,
		"digest":    digest,
	}

	if err := s.rows.Upsert(ctx, SegmentTable, row); err != nil {
		return fmt.Errorf("persisting segment %s: %w", key, err)
	}

	s.metrics.RecordSegmentWrite(ctx, len(seg.Data))
	s.logger.Debug("persisted segment", "key", key, "bytes", len(seg.Data), "encoding", encoding)
	return nil
}

func (s *SegmentStore) decodeRow(key string, row rowstore.Row) ([]byte, error) {
	payload, _ := row["data"].([]byte)
	encoding, _ := row["encoding"].(string)
	digest, _ := row["digest"].(string)
	rawLen := intColumn(row, "raw_len", -1)

	data, err := s.codec.Decode(payload, encoding, digest, rawLen)
	if err != nil {
		return nil, fmt.Errorf("decoding segment %s: %w", key, err)
	}
	return data, nil
}

// intColumn reads an integer column regardless of the width the row store
// handed back.
func intColumn(row rowstore.Row, col string, def int) int {
	switch n := row[col].(type) {
	case int:
		return n
	case int64:
		return int(n)
	default:
		return def
	}
}
