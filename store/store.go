// Package store implements segmented blob storage over a wide-column row
// store: blob descriptors and fixed-size segments are buffered in
// write-back TTL caches and persisted lazily through the caches' expiry
// callbacks. Callers read and write blobs through sequential streams.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	blobtable "github.com/wolfeidau/blobtable"
	"github.com/wolfeidau/blobtable/cache"
	"github.com/wolfeidau/blobtable/rowstore"
	"github.com/wolfeidau/blobtable/telemetry"
)

const (
	// DefaultSegmentTTL is how long a cached segment lives before the
	// sweep evicts (and, when dirty, persists) it.
	DefaultSegmentTTL = time.Minute

	// DefaultMetadataTTL is how long a cached blob version list lives.
	DefaultMetadataTTL = 5 * time.Minute
)

// Store owns the segment store, the blob metadata store and their cache
// registry.
//
// Lifecycle: New, Start (provisions tables and starts sweeps), use, Stop
// (flushes all buffered write-back state). A Store is explicitly
// constructed and passed by reference; there is no process-global instance.
type Store struct {
	rows    rowstore.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	segmentLength int
	segmentTTL    time.Duration
	segmentSweep  time.Duration
	metadataTTL   time.Duration
	metadataSweep time.Duration

	registry *cache.Registry
	codec    *segmentCodec
	segments *SegmentStore
	blobs    *MetadataStore
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store and its caches.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metric instruments. A nil Metrics disables
// recording.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSegmentLength sets the default segment length for new blobs.
func WithSegmentLength(n int) Option {
	return func(s *Store) {
		s.segmentLength = n
	}
}

// WithSegmentCacheTTL sets the TTL and sweep interval for the segment
// cache.
func WithSegmentCacheTTL(ttl, sweep time.Duration) Option {
	return func(s *Store) {
		s.segmentTTL = ttl
		s.segmentSweep = sweep
	}
}

// WithMetadataCacheTTL sets the TTL and sweep interval for the metadata
// cache.
func WithMetadataCacheTTL(ttl, sweep time.Duration) Option {
	return func(s *Store) {
		s.metadataTTL = ttl
		s.metadataSweep = sweep
	}
}

// New creates a Store over rows. Start must be called before use.
func New(rows rowstore.Store, opts ...Option) (*Store, error) {
	s := &Store{
		rows:          rows,
		logger:        slog.Default(),
		now:           time.Now,
		segmentLength: blobtable.DefaultSegmentLength,
		segmentTTL:    DefaultSegmentTTL,
		metadataTTL:   DefaultMetadataTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.segmentSweep <= 0 {
		s.segmentSweep = s.segmentTTL / 2
	}
	if s.metadataSweep <= 0 {
		s.metadataSweep = s.metadataTTL / 2
	}

	s.registry = cache.NewRegistry(
		cache.WithLogger(s.logger),
		cache.WithMetrics(s.metrics),
		cache.WithNow(s.now),
	)

	codec, err := newSegmentCodec()
	if err != nil {
		return nil, err
	}
	s.codec = codec

	s.segments, err = newSegmentStore(s.registry, rows, codec, s.segmentTTL, s.segmentSweep, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}

	s.blobs, err = newMetadataStore(s.registry, rows, s.metadataTTL, s.metadataSweep, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Start provisions the backing tables and starts the cache sweeps.
func (s *Store) Start(ctx context.Context) error {
	if err := s.rows.Provision(ctx, BlobSchema()); err != nil {
		return fmt.Errorf("provisioning blob table: %w", err)
	}
	if err := s.rows.Provision(ctx, SegmentSchema()); err != nil {
		return fmt.Errorf("provisioning segment table: %w", err)
	}

	if err := s.registry.Start(ctx); err != nil {
		return err
	}

	s.logger.Debug("blob store started", "segment_length", s.segmentLength)
	return nil
}

// Stop stops the cache sweeps and flushes all buffered write-back state to
// the row store. A write-back failure during this final flush is logged;
// the data may be lost.
func (s *Store) Stop() {
	s.registry.Stop()
	s.codec.Close()
}

// Registry exposes the cache registry, letting callers force a sweep or
// register additional caches on the shared timers.
func (s *Store) Registry() *cache.Registry {
	return s.registry
}

// GetBlob returns the highest version on record for name, or nil.
func (s *Store) GetBlob(ctx context.Context, name string) (*blobtable.Blob, error) {
	return s.blobs.GetBlob(ctx, name)
}

// GetBlobVersion returns exactly the requested version, or nil.
func (s *Store) GetBlobVersion(ctx context.Context, name string, version int) (*blobtable.Blob, error) {
	return s.blobs.GetBlobVersion(ctx, name, version)
}

// GetBlobs returns every version of name, sorted ascending.
func (s *Store) GetBlobs(ctx context.Context, name string) ([]*blobtable.Blob, error) {
	return s.blobs.GetBlobs(ctx, name)
}

// RemoveBlob deletes every version of name along with all their segments.
func (s *Store) RemoveBlob(ctx context.Context, name string) error {
	removed, err := s.blobs.RemoveBlob(ctx, name)
	if err != nil {
		return err
	}
	return s.removeSegments(ctx, removed)
}

// RemoveBlobVersion deletes exactly one version and its segments.
func (s *Store) RemoveBlobVersion(ctx context.Context, name string, version int) error {
	removed, err := s.blobs.RemoveBlobVersion(ctx, name, version)
	if err != nil || removed == nil {
		return err
	}
	return s.removeSegments(ctx, []*blobtable.Blob{removed})
}

func (s *Store) removeSegments(ctx context.Context, blobs []*blobtable.Blob) error {
	for _, b := range blobs {
		for i := range b.SegmentCount {
			if err := s.segments.RemoveSegment(ctx, b.BlobID, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// StreamOption configures CreateStream and OpenStream.
type StreamOption func(*streamOptions)

type streamOptions struct {
	version       int
	segmentLength int
	metadata      map[string]any
	bytesPerSec   int
}

// WithVersion pins the stream to an exact version. For CreateStream the
// version must not already exist; for OpenStream it must.
func WithVersion(version int) StreamOption {
	return func(o *streamOptions) {
		o.version = version
	}
}

// WithStreamSegmentLength overrides the store's default segment length for
// the created blob.
func WithStreamSegmentLength(n int) StreamOption {
	return func(o *streamOptions) {
		o.segmentLength = n
	}
}

// WithMetadata attaches an opaque metadata document to the created blob.
// The store never inspects its contents.
func WithMetadata(metadata map[string]any) StreamOption {
	return func(o *streamOptions) {
		o.metadata = metadata
	}
}

// WithRateLimit throttles OpenStream reads to at most bytesPerSec.
func WithRateLimit(bytesPerSec int) StreamOption {
	return func(o *streamOptions) {
		o.bytesPerSec = bytesPerSec
	}
}

// CreateStream creates a new blob version and returns a Writer for it. With
// WithVersion the exact version must not exist; otherwise the version is
// one past the latest on record. The descriptor is persisted immediately,
// so an empty blob is representable even if nothing is ever written.
func (s *Store) CreateStream(ctx context.Context, name string, opts ...StreamOption) (*Writer, error) {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}

	version := o.version
	if version > 0 {
		existing, err := s.blobs.GetBlobVersion(ctx, name, version)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s@%d", ErrVersionExists, name, version)
		}
	} else {
		latest, err := s.blobs.GetBlob(ctx, name)
		if err != nil {
			return nil, err
		}
		version = 1
		if latest != nil {
			version = latest.Version + 1
		}
	}

	segmentLength := o.segmentLength
	if segmentLength <= 0 {
		segmentLength = s.segmentLength
	}

	blob := &blobtable.Blob{
		Name:          name,
		Version:       version,
		BlobID:        blobtable.NewBlobID(),
		SegmentLength: segmentLength,
		TimeCreated:   s.now(),
		Metadata:      o.metadata,
	}

	if err := s.blobs.SetBlob(ctx, blob); err != nil {
		return nil, err
	}

	s.metrics.RecordStreamOpened(ctx, "create")
	s.logger.Debug("created blob stream", "name", name, "version", version, "blob_id", blob.BlobID)

	return &Writer{
		ctx:      ctx,
		blob:     blob,
		segments: s.segments,
		blobs:    s.blobs,
	}, nil
}

// OpenStream returns a Reader over an existing blob version (the latest
// unless pinned with WithVersion). Returns ErrNotFound when absent.
func (s *Store) OpenStream(ctx context.Context, name string, opts ...StreamOption) (*Reader, error) {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}

	var blob *blobtable.Blob
	var err error
	if o.version > 0 {
		blob, err = s.blobs.GetBlobVersion(ctx, name, o.version)
	} else {
		blob, err = s.blobs.GetBlob(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var limiter *rate.Limiter
	if o.bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.bytesPerSec), o.bytesPerSec)
	}

	s.metrics.RecordStreamOpened(ctx, "open")
	s.logger.Debug("opened blob stream", "name", name, "version", blob.Version, "blob_id", blob.BlobID)

	return &Reader{
		ctx:      ctx,
		blob:     blob,
		segments: s.segments,
		limiter:  limiter,
		curIndex: -1,
	}, nil
}
