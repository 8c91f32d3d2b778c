package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryGroupsTimersByInterval(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := New(reg, "a", Config[string]{TTL: time.Minute, SweepInterval: time.Second})
	require.NoError(t, err)
	_, err = New(reg, "b", Config[string]{TTL: time.Hour, SweepInterval: time.Second})
	require.NoError(t, err)
	_, err = New(reg, "c", Config[string]{TTL: time.Minute, SweepInterval: 5 * time.Second})
	require.NoError(t, err)

	require.Equal(t, 3, reg.Caches())
	require.Equal(t, 2, reg.Timers())
}

func TestRegistryDuplicateName(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := New(reg, "dup", Config[string]{TTL: time.Minute})
	require.NoError(t, err)

	_, err = New(reg, "dup", Config[int]{TTL: time.Minute})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestRegistryDeleteCacheFlushes(t *testing.T) {
	reg, _ := newTestRegistry(t)

	flushed := 0
	c, err := New(reg, "t1", Config[string]{
		TTL: time.Hour,
		OnExpired: func(ctx context.Context, key string, value string, expiresAt time.Time) error {
			flushed++
			return nil
		},
	})
	require.NoError(t, err)

	c.Set("a", "1")
	c.Set("b", "2")

	require.NoError(t, reg.DeleteCache(context.Background(), "t1"))
	require.Equal(t, 2, flushed)
	require.Equal(t, 0, reg.Caches())
	require.Equal(t, 0, reg.Timers())

	require.Error(t, reg.DeleteCache(context.Background(), "t1"))
}

func TestRegistryStopFlushesEverything(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithNow(clock.Now))

	flushed := make(map[string]int)
	newCounting := func(name string) {
		_, err := New(reg, name, Config[string]{
			TTL: time.Hour,
			OnExpired: func(ctx context.Context, key string, value string, expiresAt time.Time) error {
				flushed[name]++
				return nil
			},
		})
		require.NoError(t, err)
	}

	newCounting("a")
	newCounting("b")

	ca, _ := reg.caches["a"].(*Cache[string])
	cb, _ := reg.caches["b"].(*Cache[string])
	ca.Set("k1", "v")
	ca.Set("k2", "v")
	cb.Set("k1", "v")

	require.NoError(t, reg.Start(context.Background()))
	reg.Stop()

	require.Equal(t, 2, flushed["a"])
	require.Equal(t, 1, flushed["b"])

	// Stop is idempotent and the registry rejects new caches afterwards.
	reg.Stop()
	_, err := New(reg, "late", Config[string]{TTL: time.Minute})
	require.Error(t, err)
}

func TestRegistrySweepsOnSharedTimer(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithNow(clock.Now))
	t.Cleanup(reg.Stop)

	expired := make(chan string, 4)
	c, err := New(reg, "t1", Config[string]{
		TTL:           time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		OnExpired: func(ctx context.Context, key string, value string, expiresAt time.Time) error {
			expired <- key
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, reg.Start(context.Background()))

	c.Set("k", "v")
	clock.Advance(time.Second)

	select {
	case key := <-expired:
		require.Equal(t, "k", key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep eviction")
	}
}

func TestRegistryCacheRegisteredAfterStartIsSwept(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithNow(clock.Now))
	t.Cleanup(reg.Stop)

	require.NoError(t, reg.Start(context.Background()))

	expired := make(chan string, 1)
	c, err := New(reg, "late", Config[string]{
		TTL:           time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		OnExpired: func(ctx context.Context, key string, value string, expiresAt time.Time) error {
			expired <- key
			return nil
		},
	})
	require.NoError(t, err)

	c.Set("k", "v")
	clock.Advance(time.Second)

	select {
	case key := <-expired:
		require.Equal(t, "k", key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep eviction")
	}
}
