// Package cache provides named write-back TTL caches managed by a Registry.
//
// A cache buffers mutations in memory; the expiry callback is the only path
// by which buffered state reaches durable storage. Periodic sweeps (one
// shared timer per distinct sweep interval, see Registry) evict expired
// entries and hand them to the callback. A failed write-back re-inserts the
// entry with a fresh TTL so it is retried on the next sweep.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OnAddedFunc is invoked after an entry is inserted or replaced.
type OnAddedFunc[V any] func(key string, value V, expiresAt time.Time)

// OnExpiredFunc is invoked when an entry is evicted by a sweep or a flush.
// For write-back caches this is the persistence path; a returned error
// causes the entry to be re-armed for retry while the registry is running.
type OnExpiredFunc[V any] func(ctx context.Context, key string, value V, expiresAt time.Time) error

// Config configures a cache created with New.
type Config[V any] struct {
	// TTL is the default time-to-live for entries. Required.
	TTL time.Duration

	// SweepInterval is how often expired entries are evicted. Caches
	// sharing an interval share a timer. Defaults to TTL if zero.
	SweepInterval time.Duration

	// OnAdded is invoked after every insert or replace. Optional.
	OnAdded OnAddedFunc[V]

	// OnExpired is invoked for every evicted entry. Optional.
	OnExpired OnExpiredFunc[V]
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a single named collection of key/value entries with expiry
// timestamps. Safe for concurrent use; the mutex also makes SetOrGet
// first-writer-wins under contention.
type Cache[V any] struct {
	name      string
	ttl       time.Duration
	onAdded   OnAddedFunc[V]
	onExpired OnExpiredFunc[V]

	reg     *Registry
	mu      sync.Mutex
	entries map[string]entry[V]
}

// New creates a cache named name and registers it with reg. It fails if the
// name is already registered. The cache's sweep timer starts once the
// registry is started.
func New[V any](reg *Registry, name string, cfg Config[V]) (*Cache[V], error) {
	if name == "" {
		return nil, fmt.Errorf("cache: name is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache %s: TTL is required", name)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}

	c := &Cache[V]{
		name:      name,
		ttl:       cfg.TTL,
		onAdded:   cfg.OnAdded,
		onExpired: cfg.OnExpired,
		reg:       reg,
		entries:   make(map[string]entry[V]),
	}

	if err := reg.register(name, cfg.SweepInterval, c); err != nil {
		return nil, err
	}

	return c, nil
}

// Name returns the cache name.
func (c *Cache[V]) Name() string {
	return c.name
}

// Len returns the current number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns the value for key if present. It has no side effects.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return e.value, ok
}

// GetRefresh returns the value for key if present, sliding its expiry
// forward by ttl.
func (c *Cache[V]) GetRefresh(key string, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}

	e.expiresAt = c.reg.now().Add(ttl)
	c.entries[key] = e
	return e.value, true
}

// SetOrGet returns the existing value for key if present, ignoring value.
// Otherwise it inserts value with the default TTL and returns it. The check
// and insert are atomic, so concurrent callers converge on the first
// inserted value.
func (c *Cache[V]) SetOrGet(key string, value V) V {
	return c.SetOrGetTTL(key, value, c.ttl)
}

// SetOrGetTTL is SetOrGet with an explicit TTL for the insert case.
func (c *Cache[V]) SetOrGetTTL(key string, value V, ttl time.Duration) V {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.value
	}

	expiresAt := c.reg.now().Add(ttl)
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.onAdded != nil {
		c.onAdded(key, value, expiresAt)
	}
	return value
}

// Set unconditionally inserts or replaces the entry for key with the
// default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL is Set with an explicit TTL.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	expiresAt := c.reg.now().Add(ttl)
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.onAdded != nil {
		c.onAdded(key, value, expiresAt)
	}
}

// Delete removes the entry for key without invoking the expiry callback.
// This is an explicit discard, not an eviction, so no write-back happens.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	return ok
}

// Clear removes every entry, invoking the expiry callback for each. Used to
// force a full flush of buffered write-back state. Callback failures are
// logged and the entries dropped; Clear never re-arms.
func (c *Cache[V]) Clear(ctx context.Context) {
	c.mu.Lock()
	evicted := c.entries
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()

	for key, e := range evicted {
		c.invoke(ctx, key, e, false)
	}
}

// sweep evicts every entry whose expiry has passed, invoking the expiry
// callback for each. Called by the registry's shared interval timer.
func (c *Cache[V]) sweep(ctx context.Context) {
	now := c.reg.now()

	c.mu.Lock()
	var expired map[string]entry[V]
	for key, e := range c.entries {
		if e.expiresAt.After(now) {
			continue
		}
		if expired == nil {
			expired = make(map[string]entry[V])
		}
		expired[key] = e
		delete(c.entries, key)
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	c.reg.metrics.RecordCacheEntries(ctx, c.name, remaining)

	for key, e := range expired {
		c.invoke(ctx, key, e, true)
	}
}

// invoke runs the expiry callback for an evicted entry, isolating the sweep
// loop from callback errors and panics. When rearm is set a failed
// write-back re-inserts the entry with a fresh TTL so the next sweep
// retries it, unless a newer value has been stored for the key since.
func (c *Cache[V]) invoke(ctx context.Context, key string, e entry[V], rearm bool) {
	if c.onExpired == nil {
		return
	}

	err := c.safeOnExpired(ctx, key, e.value, e.expiresAt)
	c.reg.metrics.RecordWriteBack(ctx, c.name, err)
	if err == nil {
		return
	}

	if !rearm {
		c.reg.logger.Error("write-back failed during flush, entry dropped",
			"cache", c.name,
			"key", key,
			"error", err,
		)
		return
	}

	c.reg.logger.Warn("write-back failed, re-arming entry",
		"cache", c.name,
		"key", key,
		"error", err,
	)
	c.reg.metrics.RecordWriteBackRearm(ctx, c.name)

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = entry[V]{value: e.value, expiresAt: c.reg.now().Add(c.ttl)}
	}
	c.mu.Unlock()
}

func (c *Cache[V]) safeOnExpired(ctx context.Context, key string, value V, expiresAt time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("expiry callback panic: %v", r)
		}
	}()
	return c.onExpired(ctx, key, value, expiresAt)
}

// flush implements the member interface for the registry.
func (c *Cache[V]) flush(ctx context.Context) {
	start := c.reg.now()
	c.Clear(ctx)
	c.reg.metrics.RecordFlush(ctx, c.name, c.reg.now().Sub(start))
}
