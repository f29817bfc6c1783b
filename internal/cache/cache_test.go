package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chirpwatch/internal/item"
	logx "chirpwatch/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func drivers(t *testing.T) map[string]Driver {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Driver{
		"memory": NewMemory(),
		"redis":  NewRedisFromClient(rdb, "test:", time.Hour*6),
	}
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, drv := range drivers(t) {
		clk := &clock{now: time.Now()}
		c := New(drv, Options{Now: clk.Now}, logx.Nop())
		key := ItemKey("mirror", "Alice")

		require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: "100"}, PutOptions{}), name)
		require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: "100"}, PutOptions{}), name)
		e, ok := c.Get(ctx, Items, key, 0)
		require.True(t, ok, name)
		require.Empty(t, e.History, "%s: same id must not add history", name)

		require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: "101"}, PutOptions{}), name)
		e, _ = c.Get(ctx, Items, key, 0)
		require.Len(t, e.History, 1, name)
		require.Equal(t, "100", e.History[0].Item.ID, name)

		for i := 102; i < 120; i++ {
			require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: fmt.Sprint(i)}, PutOptions{}), name)
		}
		e, _ = c.Get(ctx, Items, key, 0)
		require.Len(t, e.History, DefaultHistorySize, name)
		require.Equal(t, "109", e.History[0].Item.ID, "%s: oldest dropped first", name)
		require.Equal(t, "118", e.History[9].Item.ID, name)
		require.Equal(t, "119", e.Item.ID, name)

		require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: "500"}, PutOptions{Force: true}), name)
		e, _ = c.Get(ctx, Items, key, 0)
		require.Empty(t, e.History, "%s: forced write drops history", name)
	}
}

func TestTenDistinctWritesAfterBaseline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := New(NewMemory(), Options{}, logx.Nop())
	key := ItemKey("api", "bob")
	require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: "1"}, PutOptions{}))
	for i := 2; i <= 11; i++ {
		require.NoError(t, c.Put(ctx, Items, key, &item.Item{ID: fmt.Sprint(i)}, PutOptions{}))
	}
	e, ok := c.Get(ctx, Items, key, 0)
	require.True(t, ok)
	require.Len(t, e.History, 10)
}

func TestLazyExpiryAndHorizonSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := &clock{now: time.Now()}
	mem := NewMemory()
	c := New(mem, Options{Now: clk.Now}, logx.Nop())

	require.NoError(t, c.Put(ctx, Items, "api:alice", &item.Item{ID: "1"}, PutOptions{}))
	require.NoError(t, c.PutValue(ctx, Identity, "alice", "42"))

	clk.Advance(6 * time.Minute)
	_, ok := c.Get(ctx, Items, "api:alice", 0)
	require.False(t, ok, "items expire after the short ttl")
	_, ok = c.Get(ctx, Items, "api:alice", time.Hour)
	require.True(t, ok, "explicit max age overrides the category ttl")
	e, ok := c.Get(ctx, Identity, "alice", 0)
	require.True(t, ok)
	require.Equal(t, "42", e.Value)
	require.Equal(t, 2, mem.Len(), "expired entries stay until the sweep")

	clk.Advance(7 * time.Hour)
	_, ok = c.Get(ctx, Identity, "alice", 48*time.Hour)
	require.False(t, ok)
	require.Equal(t, 0, mem.Len(), "sweep drops entries past the horizon")
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, drv := range drivers(t) {
		c := New(drv, Options{}, logx.Nop())
		require.NoError(t, c.Put(ctx, Items, ItemKey("api", "a"), &item.Item{ID: "1"}, PutOptions{}))
		require.NoError(t, c.Put(ctx, Items, ItemKey("mirror", "a"), &item.Item{ID: "1"}, PutOptions{}))
		require.NoError(t, c.Put(ctx, Items, ItemKey("api", "b"), &item.Item{ID: "2"}, PutOptions{}))
		require.NoError(t, c.PutValue(ctx, Identity, "a", "7"))
		require.NoError(t, c.PutValue(ctx, Identity, "b", "8"))

		require.NoError(t, c.InvalidateAccount(ctx, "@A", []string{"api", "mirror", "direct"}), name)
		_, ok := c.Get(ctx, Items, ItemKey("api", "a"), 0)
		require.False(t, ok, name)
		_, ok = c.Get(ctx, Identity, "a", 0)
		require.False(t, ok, name)
		_, ok = c.Get(ctx, Items, ItemKey("api", "b"), 0)
		require.True(t, ok, name)

		require.NoError(t, c.Invalidate(ctx, Items, ""), name)
		_, ok = c.Get(ctx, Items, ItemKey("api", "b"), 0)
		require.False(t, ok, name)
		_, ok = c.Get(ctx, Identity, "b", 0)
		require.True(t, ok, "%s: other categories survive", name)

		require.NoError(t, c.Invalidate(ctx, "", ""), name)
		_, ok = c.Get(ctx, Identity, "b", 0)
		require.False(t, ok, name)
	}
}
