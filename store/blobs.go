package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	blobtable "github.com/wolfeidau/blobtable"
	"github.com/wolfeidau/blobtable/cache"
	"github.com/wolfeidau/blobtable/rowstore"
	"github.com/wolfeidau/blobtable/telemetry"
)

// BlobTable is the row-store table holding blob descriptors.
const BlobTable = "blobs"

// BlobCacheName is the cache holding the per-name version lists.
const BlobCacheName = "blob_by_name"

// BlobSchema declares the metadata table: partition key name, cluster key
// version.
func BlobSchema() rowstore.Schema {
	return rowstore.Schema{
		Table:         BlobTable,
		PartitionKeys: []rowstore.Column{{Name: "name", Type: rowstore.TypeString}},
		ClusterKeys:   []rowstore.Column{{Name: "version", Type: rowstore.TypeInt}},
		DataColumns: []rowstore.Column{
			{Name: "blob_id", Type: rowstore.TypeString},
			{Name: "length", Type: rowstore.TypeInt},
			{Name: "segment_count", Type: rowstore.TypeInt},
			{Name: "segment_length", Type: rowstore.TypeInt},
			{Name: "time_created", Type: rowstore.TypeTime},
			{Name: "metadata", Type: rowstore.TypeString},
		},
	}
}

// MetadataStore persists and retrieves blob descriptors, caching the full
// version list per blob name.
type MetadataStore struct {
	rows    rowstore.Store
	cache   *cache.Cache[[]*blobtable.Blob]
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// mu serialises read-modify-write cycles on the cached version lists.
	mu sync.Mutex
}

func newMetadataStore(reg *cache.Registry, rows rowstore.Store, ttl, sweep time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) (*MetadataStore, error) {
	m := &MetadataStore{
		rows:    rows,
		logger:  logger,
		metrics: metrics,
	}

	c, err := cache.New(reg, BlobCacheName, cache.Config[[]*blobtable.Blob]{
		TTL:           ttl,
		SweepInterval: sweep,
		OnExpired:     m.writeBack,
	})
	if err != nil {
		return nil, err
	}
	m.cache = c

	return m, nil
}

// GetBlob returns the highest version on record for name, or nil when the
// name is unknown. Absence is not an error.
func (m *MetadataStore) GetBlob(ctx context.Context, name string) (*blobtable.Blob, error) {
	if list, ok := m.cache.Get(name); ok && len(list) > 0 {
		m.metrics.RecordCacheHit(ctx, BlobCacheName)
		return latestVersion(list), nil
	}
	m.metrics.RecordCacheMiss(ctx, BlobCacheName)

	list, err := m.loadAndMerge(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return latestVersion(list), nil
}

// GetBlobVersion returns exactly the requested version for name, or nil.
func (m *MetadataStore) GetBlobVersion(ctx context.Context, name string, version int) (*blobtable.Blob, error) {
	if list, ok := m.cache.Get(name); ok {
		if b := findVersion(list, version); b != nil {
			m.metrics.RecordCacheHit(ctx, BlobCacheName)
			return b, nil
		}
	}
	m.metrics.RecordCacheMiss(ctx, BlobCacheName)

	list, err := m.loadAndMerge(ctx, name)
	if err != nil {
		return nil, err
	}
	return findVersion(list, version), nil
}

// GetBlobs returns every version of name, backing rows merged with cached
// entries, deduplicated by version and sorted ascending.
func (m *MetadataStore) GetBlobs(ctx context.Context, name string) ([]*blobtable.Blob, error) {
	return m.loadAndMerge(ctx, name)
}

// SetBlob replaces or appends blob in the cached version list for its name
// and persists it with an idempotent upsert keyed by (name, version). A
// snapshot of the descriptor is cached, not the caller's pointer: a live
// Writer keeps mutating Length and SegmentCount, and the sweep write-back
// reads the cached list from another goroutine.
func (m *MetadataStore) SetBlob(ctx context.Context, blob *blobtable.Blob) error {
	snap := blob.Clone()

	m.mu.Lock()
	list, _ := m.cache.Get(snap.Name)
	merged := mergeBlob(list, snap)
	m.cache.Set(snap.Name, merged)
	m.mu.Unlock()

	if err := m.upsert(ctx, snap); err != nil {
		return err
	}

	m.logger.Debug("stored blob metadata",
		"name", snap.Name,
		"version", snap.Version,
		"length", snap.Length,
		"segments", snap.SegmentCount,
	)
	return nil
}

// RemoveBlob deletes every version of name: the cache entry is purged
// without write-back and each backing row deleted individually. It returns
// the removed descriptors so the caller can clean up their segments.
func (m *MetadataStore) RemoveBlob(ctx context.Context, name string) ([]*blobtable.Blob, error) {
	list, err := m.loadAndMerge(ctx, name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache.Delete(name)
	m.mu.Unlock()

	for _, b := range list {
		if err := m.rows.Delete(ctx, BlobTable, rowstore.Key{"name": name, "version": b.Version}); err != nil {
			return nil, fmt.Errorf("deleting blob %s@%d: %w", name, b.Version, err)
		}
	}
	return list, nil
}

// RemoveBlobVersion deletes exactly one version, pruning it from the cached
// list. It returns the removed descriptor, or nil if the version was
// unknown.
func (m *MetadataStore) RemoveBlobVersion(ctx context.Context, name string, version int) (*blobtable.Blob, error) {
	list, err := m.loadAndMerge(ctx, name)
	if err != nil {
		return nil, err
	}

	removed := findVersion(list, version)
	if removed == nil {
		return nil, nil
	}

	m.mu.Lock()
	remaining := slices.DeleteFunc(slices.Clone(list), func(b *blobtable.Blob) bool {
		return b.Version == version
	})
	if len(remaining) == 0 {
		m.cache.Delete(name)
	} else {
		m.cache.Set(name, remaining)
	}
	m.mu.Unlock()

	if err := m.rows.Delete(ctx, BlobTable, rowstore.Key{"name": name, "version": version}); err != nil {
		return nil, fmt.Errorf("deleting blob %s@%d: %w", name, version, err)
	}
	return removed, nil
}

// loadAndMerge reads every backing row for name and merges it with the
// cached list, preferring cached entries; the merged list becomes the new
// cache entry.
func (m *MetadataStore) loadAndMerge(ctx context.Context, name string) ([]*blobtable.Blob, error) {
	rows, err := m.rows.Select(ctx, BlobTable, rowstore.Key{"name": name})
	if err != nil {
		return nil, fmt.Errorf("listing blob %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list, _ := m.cache.Get(name)
	merged := slices.Clone(list)
	for _, row := range rows {
		b, err := decodeBlobRow(row)
		if err != nil {
			return nil, err
		}
		if findVersion(merged, b.Version) != nil {
			continue // cached entry wins, it may hold unflushed state
		}
		merged = append(merged, b)
	}

	slices.SortFunc(merged, func(a, b *blobtable.Blob) int {
		return a.Version - b.Version
	})

	if len(merged) > 0 {
		m.cache.Set(name, merged)
	}
	return merged, nil
}

// writeBack is the expiry callback for the version-list cache: every blob
// in an evicted list is re-upserted. The upserts are idempotent, so
// flushing an unchanged list is harmless.
func (m *MetadataStore) writeBack(ctx context.Context, name string, list []*blobtable.Blob, _ time.Time) error {
	for _, b := range list {
		if err := m.upsert(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (m *MetadataStore) upsert(ctx context.Context, blob *blobtable.Blob) error {
	metadata := ""
	if len(blob.Metadata) > 0 {
		data, err := json.Marshal(blob.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", blob.Key(), err)
		}
		metadata = string(data)
	}

	row := rowstore.Row{
		"name":           blob.Name,
		"version":        blob.Version,
		"blob_id":        blob.BlobID,
		"length":         blob.Length,
		"segment_count":  blob.SegmentCount,
		"segment_length": blob.SegmentLength,
		"time_created":   blob.TimeCreated,
		"metadata":       metadata,
	}
	if err := m.rows.Upsert(ctx, BlobTable, row); err != nil {
		return fmt.Errorf("persisting blob %s: %w", blob.Key(), err)
	}
	return nil
}

func decodeBlobRow(row rowstore.Row) (*blobtable.Blob, error) {
	b := &blobtable.Blob{
		Name:          stringColumn(row, "name"),
		Version:       intColumn(row, "version", 0),
		BlobID:        stringColumn(row, "blob_id"),
		Length:        int64(intColumn(row, "length", 0)),
		SegmentCount:  intColumn(row, "segment_count", 0),
		SegmentLength: intColumn(row, "segment_length", 0),
	}
	if t, ok := row["time_created"].(time.Time); ok {
		b.TimeCreated = t
	}
	if raw := stringColumn(row, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", b.Key(), err)
		}
	}
	return b, nil
}

func stringColumn(row rowstore.Row, col string) string {
	s, _ := row[col].(string)
	return s
}

func latestVersion(list []*blobtable.Blob) *blobtable.Blob {
	var best *blobtable.Blob
	for _, b := range list {
		if best == nil || b.Version > best.Version {
			best = b
		}
	}
	return best
}

func findVersion(list []*blobtable.Blob, version int) *blobtable.Blob {
	for _, b := range list {
		if b.Version == version {
			return b
		}
	}
	return nil
}

func mergeBlob(list []*blobtable.Blob, blob *blobtable.Blob) []*blobtable.Blob {
	merged := slices.Clone(list)
	for i, b := range merged {
		if b.Version == blob.Version && b.BlobID == blob.BlobID {
			merged[i] = blob
			return merged
		}
	}
	// A same-version entry with a different blob ID is a replacement.
	merged = slices.DeleteFunc(merged, func(b *blobtable.Blob) bool {
		return b.Version == blob.Version
	})
	return append(merged, blob)
}
