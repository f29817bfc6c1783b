package cache

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	cat Category
	key string
}

// Memory is a process-local driver.
type Memory struct {
	mu sync.Mutex
	m  map[memKey]*Entry
}

func NewMemory() *Memory { return &Memory{m: map[memKey]*Entry{}} }

func (d *Memory) Load(ctx context.Context, cat Category, key string) (*Entry, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[memKey{cat, key}]
	return e.clone(), ok, nil
}

func (d *Memory) Store(ctx context.Context, cat Category, key string, e *Entry) error {
	d.mu.Lock()
	d.m[memKey{cat, key}] = e.clone()
	d.mu.Unlock()
	return nil
}

func (d *Memory) Delete(ctx context.Context, cat Category, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case cat == "":
		clear(d.m)
	case key == "":
		for k := range d.m {
			if k.cat == cat {
				delete(d.m, k)
			}
		}
	default:
		delete(d.m, memKey{cat, key})
	}
	return nil
}

func (d *Memory) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.m {
		if e.StoredAt.Before(cutoff) {
			delete(d.m, k)
			n++
		}
	}
	return n, nil
}

// Len is the number of stored entries.
func (d *Memory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}

func (d *Memory) Close() error { return nil }
