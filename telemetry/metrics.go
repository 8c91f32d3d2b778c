// Package telemetry provides OpenTelemetry metric instruments for the
// blobtable cache and store layers, with an optional Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "github.com/wolfeidau/blobtable"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics handler.
	EnablePrometheus bool
}

// Metrics holds the metric instruments. All record methods are safe to call
// on a nil receiver, so callers never need to guard against metrics being
// disabled.
type Metrics struct {
	cacheHitsTotal         metric.Int64Counter
	cacheMissesTotal       metric.Int64Counter
	cacheEntries           metric.Int64Gauge
	writeBacksTotal        metric.Int64Counter
	writeBackFailuresTotal metric.Int64Counter
	writeBackRearmsTotal   metric.Int64Counter
	sweepDuration          metric.Float64Histogram
	flushDuration          metric.Float64Histogram
	segmentBytesWritten    metric.Int64Counter
	segmentBytesRead       metric.Int64Counter
	streamsOpenedTotal     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

// New initializes the metrics system and returns the instruments.
// The caller should call Shutdown on application exit.
func New(cfg Config) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "blobtable"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	m := &Metrics{}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(promExp))
		m.promHandler = promhttp.Handler()
	} else {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewManualReader()))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	m.meterProvider = mp

	if err := m.createInstruments(mp.Meter(meterName)); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) createInstruments(meter metric.Meter) error {
	var err error

	m.cacheHitsTotal, err = meter.Int64Counter(
		"blobtable_cache_hits_total",
		metric.WithDescription("Total cache lookups served from memory"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"blobtable_cache_misses_total",
		metric.WithDescription("Total cache lookups that fell through to the row store"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	m.cacheEntries, err = meter.Int64Gauge(
		"blobtable_cache_entries",
		metric.WithDescription("Current number of entries per cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	m.writeBacksTotal, err = meter.Int64Counter(
		"blobtable_writebacks_total",
		metric.WithDescription("Total write-back persists triggered by cache eviction"),
		metric.WithUnit("{writeback}"),
	)
	if err != nil {
		return err
	}

	m.writeBackFailuresTotal, err = meter.Int64Counter(
		"blobtable_writeback_failures_total",
		metric.WithDescription("Total write-back persists that failed"),
		metric.WithUnit("{writeback}"),
	)
	if err != nil {
		return err
	}

	m.writeBackRearmsTotal, err = meter.Int64Counter(
		"blobtable_writeback_rearms_total",
		metric.WithDescription("Total failed write-backs re-inserted for retry"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	m.sweepDuration, err = meter.Float64Histogram(
		"blobtable_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of cache sweep runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	m.flushDuration, err = meter.Float64Histogram(
		"blobtable_cache_flush_duration_seconds",
		metric.WithDescription("Duration of full cache flushes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	m.segmentBytesWritten, err = meter.Int64Counter(
		"blobtable_segment_bytes_written_total",
		metric.WithDescription("Total segment payload bytes persisted to the row store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	m.segmentBytesRead, err = meter.Int64Counter(
		"blobtable_segment_bytes_read_total",
		metric.WithDescription("Total segment payload bytes read from the row store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	m.streamsOpenedTotal, err = meter.Int64Counter(
		"blobtable_streams_opened_total",
		metric.WithDescription("Total blob streams opened, by mode"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Handler returns the Prometheus metrics handler, or nil if Prometheus
// export is disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return m.promHandler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.meterProvider == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

func cacheAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cache", name))
}

// RecordCacheHit records a cache lookup served from memory.
func (m *Metrics) RecordCacheHit(ctx context.Context, cache string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Add(ctx, 1, cacheAttr(cache))
}

// RecordCacheMiss records a cache lookup that fell through to the row store.
func (m *Metrics) RecordCacheMiss(ctx context.Context, cache string) {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, cacheAttr(cache))
}

// RecordCacheEntries records the current entry count for a cache.
func (m *Metrics) RecordCacheEntries(ctx context.Context, cache string, entries int) {
	if m == nil {
		return
	}
	m.cacheEntries.Record(ctx, int64(entries), cacheAttr(cache))
}

// RecordWriteBack records a write-back persist and its outcome.
func (m *Metrics) RecordWriteBack(ctx context.Context, cache string, err error) {
	if m == nil {
		return
	}
	m.writeBacksTotal.Add(ctx, 1, cacheAttr(cache))
	if err != nil {
		m.writeBackFailuresTotal.Add(ctx, 1, cacheAttr(cache))
	}
}

// RecordWriteBackRearm records a failed write-back re-inserted for retry.
func (m *Metrics) RecordWriteBackRearm(ctx context.Context, cache string) {
	if m == nil {
		return
	}
	m.writeBackRearmsTotal.Add(ctx, 1, cacheAttr(cache))
}

// RecordSweep records the duration of a sweep run for a cache.
func (m *Metrics) RecordSweep(ctx context.Context, cache string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Record(ctx, d.Seconds(), cacheAttr(cache))
}

// RecordFlush records the duration of a full cache flush.
func (m *Metrics) RecordFlush(ctx context.Context, cache string, d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Record(ctx, d.Seconds(), cacheAttr(cache))
}

// RecordSegmentWrite records segment payload bytes persisted to the row store.
func (m *Metrics) RecordSegmentWrite(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	m.segmentBytesWritten.Add(ctx, int64(bytes))
}

// RecordSegmentRead records segment payload bytes read from the row store.
func (m *Metrics) RecordSegmentRead(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	m.segmentBytesRead.Add(ctx, int64(bytes))
}

// RecordStreamOpened records a stream being opened in the given mode
// ("create" or "open").
func (m *Metrics) RecordStreamOpened(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.streamsOpenedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}
