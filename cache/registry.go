package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/blobtable/telemetry"
)

// DefaultStopTimeout bounds the final flush performed by Stop.
const DefaultStopTimeout = 30 * time.Second

// member is the non-generic view of a Cache held by the registry.
type member interface {
	sweep(ctx context.Context)
	flush(ctx context.Context)
	Len() int
}

// sweepGroup drives the sweeps for every cache sharing one interval. One
// timer goroutine exists per distinct interval, regardless of how many
// caches use it.
type sweepGroup struct {
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// Registry owns a set of named caches and their shared sweep timers, and
// guarantees a full flush of buffered write-back state on Stop.
//
// Lifecycle: NewRegistry, register caches with New, Start, use, Stop.
// Registries are explicitly constructed and passed by reference; there is no
// process-global instance.
type Registry struct {
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
	stopTimeout time.Duration

	mu      sync.Mutex
	caches  map[string]member
	groups  map[time.Duration]*sweepGroup
	byGroup map[time.Duration]map[string]member
	runCtx  context.Context
	running bool
	stopped bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger for sweep and flush events.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metric instruments. A nil Metrics disables recording.
func WithMetrics(m *telemetry.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithStopTimeout bounds the final flush performed by Stop.
func WithStopTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.stopTimeout = d
	}
}

// NewRegistry creates a registry with no caches.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:      slog.Default(),
		now:         time.Now,
		stopTimeout: DefaultStopTimeout,
		caches:      make(map[string]member),
		groups:      make(map[time.Duration]*sweepGroup),
		byGroup:     make(map[time.Duration]map[string]member),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// register adds a cache under name to the group for interval. Called by New.
func (r *Registry) register(name string, interval time.Duration, m member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return fmt.Errorf("cache registry is stopped")
	}
	if _, exists := r.caches[name]; exists {
		return fmt.Errorf("cache %s already exists", name)
	}

	r.caches[name] = m

	g, ok := r.groups[interval]
	if !ok {
		g = &sweepGroup{
			interval: interval,
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
		}
		r.groups[interval] = g
		r.byGroup[interval] = make(map[string]member)
	}
	r.byGroup[interval][name] = m

	if r.running && !g.started {
		g.started = true
		go r.runGroup(r.runCtx, g)
	}

	return nil
}

// Start begins the periodic sweeps. Sweep write-backs run on ctx; cancelling
// it stops the timers, but Stop should still be called to flush.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return fmt.Errorf("cache registry is stopped")
	}
	if r.running {
		return nil
	}
	r.running = true
	r.runCtx = ctx

	for _, g := range r.groups {
		if !g.started {
			g.started = true
			go r.runGroup(ctx, g)
		}
	}

	r.logger.Debug("cache registry started", "caches", len(r.caches), "timers", len(r.groups))
	return nil
}

func (r *Registry) runGroup(ctx context.Context, g *sweepGroup) {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			r.sweepGroup(ctx, g)
		}
	}
}

func (r *Registry) sweepGroup(ctx context.Context, g *sweepGroup) {
	r.mu.Lock()
	members := make(map[string]member, len(r.byGroup[g.interval]))
	for name, m := range r.byGroup[g.interval] {
		members[name] = m
	}
	r.mu.Unlock()

	for name, m := range members {
		start := r.now()
		m.sweep(ctx)
		r.metrics.RecordSweep(ctx, name, r.now().Sub(start))
	}
}

// Sweep runs a single sweep over every registered cache. Primarily for
// tests and for callers that manage their own timing.
func (r *Registry) Sweep(ctx context.Context) {
	r.mu.Lock()
	members := make(map[string]member, len(r.caches))
	for name, m := range r.caches {
		members[name] = m
	}
	r.mu.Unlock()

	for name, m := range members {
		start := r.now()
		m.sweep(ctx)
		r.metrics.RecordSweep(ctx, name, r.now().Sub(start))
	}
}

// DeleteCache flushes and unregisters the named cache. The group timer is
// stopped once its last cache is removed.
func (r *Registry) DeleteCache(ctx context.Context, name string) error {
	r.mu.Lock()
	m, ok := r.caches[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cache %s does not exist", name)
	}
	delete(r.caches, name)

	var emptied *sweepGroup
	for interval, names := range r.byGroup {
		if _, ok := names[name]; !ok {
			continue
		}
		delete(names, name)
		if len(names) == 0 {
			emptied = r.groups[interval]
			delete(r.groups, interval)
			delete(r.byGroup, interval)
		}
		break
	}
	r.mu.Unlock()

	if emptied != nil && emptied.started {
		close(emptied.stopCh)
		<-emptied.doneCh
	}

	m.flush(ctx)
	return nil
}

// Stop stops every sweep timer and flushes every cache, persisting all
// buffered write-back state. A write-back failure during this final flush is
// logged and the data dropped; there is no dead-letter. Stop is idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.running = false

	groups := make([]*sweepGroup, 0, len(r.groups))
	for _, g := range r.groups {
		if g.started {
			groups = append(groups, g)
		}
	}
	members := make([]member, 0, len(r.caches))
	for _, m := range r.caches {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, g := range groups {
		close(g.stopCh)
		<-g.doneCh
	}

	// The run context may already be cancelled; the final flush gets its
	// own bounded context so shutdown still persists dirty state.
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()

	var eg errgroup.Group
	for _, m := range members {
		eg.Go(func() error {
			m.flush(ctx)
			return nil
		})
	}
	_ = eg.Wait()

	r.logger.Debug("cache registry stopped", "caches", len(members))
}

// Timers returns the number of live sweep timers. Bounded by the number of
// distinct sweep intervals, not the number of caches.
func (r *Registry) Timers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Caches returns the number of registered caches.
func (r *Registry) Caches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.caches)
}
