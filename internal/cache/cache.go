// Package cache keeps the last result per (category, key) with lazy TTL
// expiry, an eager horizon sweep and a bounded history of superseded items.
package cache

import (
	"context"
	"strings"
	"time"

	"chirpwatch/internal/item"
	logx "chirpwatch/pkg/logx"
)

type Category string

const (
	// Items holds the latest post per backend and account ("<backend>:<handle>").
	Items Category = "items"
	// Identity holds handle to numeric user id lookups.
	Identity Category = "identity"
)

const (
	DefaultItemsTTL    = 5 * time.Minute
	DefaultIdentityTTL = 24 * time.Hour
	DefaultHorizon     = 6 * time.Hour
	DefaultHistorySize = 10
)

// Entry is one cached value. Item is set for Items, Value for Identity.
type Entry struct {
	Item     *item.Item     `json:"item,omitempty"`
	Value    string         `json:"value,omitempty"`
	StoredAt time.Time      `json:"stored_at"`
	History  []HistoryEntry `json:"history,omitempty"`
}

type HistoryEntry struct {
	Item     *item.Item `json:"item"`
	StoredAt time.Time  `json:"stored_at"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.History = append([]HistoryEntry(nil), e.History...)
	return &cp
}

// Driver is the storage behind the cache. Delete with an empty key drops a
// whole category; an empty category drops everything.
type Driver interface {
	Load(ctx context.Context, cat Category, key string) (*Entry, bool, error)
	Store(ctx context.Context, cat Category, key string, e *Entry) error
	Delete(ctx context.Context, cat Category, key string) error
	// Sweep drops entries stored before cutoff and reports how many.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

type Options struct {
	ItemsTTL    time.Duration
	IdentityTTL time.Duration
	Horizon     time.Duration
	HistorySize int
	Now         func() time.Time
}

type Cache struct {
	drv  Driver
	opts Options
	log  logx.Logger
}

func New(drv Driver, opts Options, log logx.Logger) *Cache {
	if opts.ItemsTTL <= 0 {
		opts.ItemsTTL = DefaultItemsTTL
	}
	if opts.IdentityTTL <= 0 {
		opts.IdentityTTL = DefaultIdentityTTL
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{drv: drv, opts: opts, log: log.Component("cache")}
}

// TTL returns the default max age for cat.
func (c *Cache) TTL(cat Category) time.Duration {
	if cat == Identity {
		return c.opts.IdentityTTL
	}
	return c.opts.ItemsTTL
}

// ItemKey builds the Items key for backend and handle.
func ItemKey(backend, handle string) string {
	return backend + ":" + strings.ToLower(strings.TrimPrefix(handle, "@"))
}

// Get returns the entry when it is younger than maxAge (the category TTL
// when maxAge is zero). Old entries past the horizon are swept first.
func (c *Cache) Get(ctx context.Context, cat Category, key string, maxAge time.Duration) (*Entry, bool) {
	now := c.opts.Now()
	if n, err := c.drv.Sweep(ctx, now.Add(-c.opts.Horizon)); err != nil {
		c.log.Debug("cache sweep failed", logx.Err(err))
	} else if n > 0 {
		c.log.Debug("cache swept", logx.Int("dropped", n))
	}

	e, ok, err := c.drv.Load(ctx, cat, key)
	if err != nil {
		c.log.Debug("cache load failed", logx.String("category", string(cat)), logx.String("key", key), logx.Err(err))
		return nil, false
	}
	if !ok || e == nil {
		return nil, false
	}
	if maxAge <= 0 {
		maxAge = c.TTL(cat)
	}
	if now.Sub(e.StoredAt) > maxAge {
		return nil, false
	}
	return e, true
}

// GetItem is Get for the Items category returning only the item.
func (c *Cache) GetItem(ctx context.Context, backend, handle string, maxAge time.Duration) (*item.Item, bool) {
	e, ok := c.Get(ctx, Items, ItemKey(backend, handle), maxAge)
	if !ok || e.Item == nil {
		return nil, false
	}
	return e.Item, true
}

type PutOptions struct {
	// Force replaces the entry and its history outright.
	Force bool
}

// Put stores it under (cat, key). In Items, a changed id moves the
// previous entry into the history ring unless Force is set.
func (c *Cache) Put(ctx context.Context, cat Category, key string, it *item.Item, opts PutOptions) error {
	return c.put(ctx, cat, key, &Entry{Item: it}, opts)
}

// PutValue stores a plain string value, used by Identity.
func (c *Cache) PutValue(ctx context.Context, cat Category, key, value string) error {
	return c.put(ctx, cat, key, &Entry{Value: value}, PutOptions{})
}

func (c *Cache) put(ctx context.Context, cat Category, key string, next *Entry, opts PutOptions) error {
	next.StoredAt = c.opts.Now()
	if opts.Force {
		if err := c.drv.Delete(ctx, cat, key); err != nil {
			return err
		}
		return c.drv.Store(ctx, cat, key, next)
	}

	prev, ok, err := c.drv.Load(ctx, cat, key)
	if err != nil {
		return err
	}
	if ok && prev != nil {
		next.History = prev.History
		if cat == Items && prev.Item != nil && next.Item != nil && prev.Item.ID != next.Item.ID {
			next.History = append(append([]HistoryEntry(nil), prev.History...), HistoryEntry{Item: prev.Item, StoredAt: prev.StoredAt})
			if n := len(next.History); n > c.opts.HistorySize {
				next.History = next.History[n-c.opts.HistorySize:]
			}
		}
	}
	return c.drv.Store(ctx, cat, key, next)
}

// Invalidate drops key in cat; an empty key drops the category and an
// empty category drops everything.
func (c *Cache) Invalidate(ctx context.Context, cat Category, key string) error {
	return c.drv.Delete(ctx, cat, key)
}

// InvalidateAccount drops every Items entry for handle across backends and
// its Identity entry.
func (c *Cache) InvalidateAccount(ctx context.Context, handle string, backends []string) error {
	h := strings.ToLower(strings.TrimPrefix(handle, "@"))
	for _, b := range backends {
		if err := c.drv.Delete(ctx, Items, ItemKey(b, h)); err != nil {
			return err
		}
	}
	return c.drv.Delete(ctx, Identity, h)
}

func (c *Cache) Close() error { return c.drv.Close() }
