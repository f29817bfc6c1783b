// Package settings holds the runtime monitoring settings. Values are seeded
// from the monitor config section; operator changes are persisted as
// overrides and win over the file until cleared.
package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/config"
	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

// StorageKey is where overrides live in the storage KV area.
const StorageKey = "settings.overrides"

const (
	DefaultInterval       = 10 * time.Minute
	DefaultMinInterval    = time.Minute
	DefaultMaxInterval    = 24 * time.Hour
	DefaultParallelChecks = 3
	DefaultBatchPause     = 2 * time.Second
	DefaultInitialDelay   = 10 * time.Second
	DefaultErrorBackoff   = time.Minute
	DefaultCheckTimeout   = 2 * time.Minute
	DefaultMinFactor      = 0.8
	DefaultMaxFactor      = 1.2
	DefaultHealthCheck    = "1h"
)

var (
	ErrIntervalRange = errors.New("interval out of range")
	ErrNoBackends    = errors.New("at least one backend is required")
)

// Settings is an immutable snapshot. Callers must not modify Backends.
type Settings struct {
	Enabled        bool
	Interval       time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	Backends       []string
	Randomize      bool
	MinFactor      float64
	MaxFactor      float64
	ParallelChecks int
	BatchPause     time.Duration
	InitialDelay   time.Duration
	ErrorBackoff   time.Duration
	CheckTimeout   time.Duration
	UseProxies     bool
	Audit          bool
	HealthCheck    string
}

// FromConfig applies defaults to the monitor section. It assumes the
// config passed config.Validate.
func FromConfig(mc config.MonitorConfig) Settings {
	s := Settings{
		Enabled:        config.BoolOr(mc.Enabled, true),
		Interval:       config.MustDuration(mc.Interval, DefaultInterval),
		MinInterval:    config.MustDuration(mc.MinInterval, DefaultMinInterval),
		MaxInterval:    config.MustDuration(mc.MaxInterval, DefaultMaxInterval),
		Randomize:      config.BoolOr(mc.Randomize, true),
		MinFactor:      mc.MinFactor,
		MaxFactor:      mc.MaxFactor,
		ParallelChecks: mc.ParallelChecks,
		BatchPause:     config.MustDuration(mc.BatchPause, DefaultBatchPause),
		InitialDelay:   config.MustDuration(mc.InitialDelay, DefaultInitialDelay),
		ErrorBackoff:   config.MustDuration(mc.ErrorBackoff, DefaultErrorBackoff),
		CheckTimeout:   config.MustDuration(mc.CheckTimeout, DefaultCheckTimeout),
		UseProxies:     mc.UseProxies,
		Audit:          mc.Audit,
		HealthCheck:    mc.HealthCheck,
	}
	if names, err := backend.NormalizeNames(mc.Backends); err == nil && len(names) > 0 {
		s.Backends = names
	} else {
		s.Backends = slices.Clone(backend.Known)
	}
	if s.MinFactor <= 0 {
		s.MinFactor = DefaultMinFactor
	}
	if s.MaxFactor <= 0 {
		s.MaxFactor = DefaultMaxFactor
	}
	if s.ParallelChecks <= 0 {
		s.ParallelChecks = DefaultParallelChecks
	}
	if s.HealthCheck == "" {
		s.HealthCheck = DefaultHealthCheck
	}
	s.Interval = min(max(s.Interval, s.MinInterval), s.MaxInterval)
	return s
}

// overrides are the operator-set values persisted across restarts.
type overrides struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	Interval   string   `json:"interval,omitempty"`
	Backends   []string `json:"backends,omitempty"`
	UseProxies *bool    `json:"use_proxies,omitempty"`
	Audit      *bool    `json:"audit,omitempty"`
}

func (o overrides) apply(s Settings) Settings {
	if o.Enabled != nil {
		s.Enabled = *o.Enabled
	}
	if d, err := time.ParseDuration(o.Interval); err == nil && d >= s.MinInterval && d <= s.MaxInterval {
		s.Interval = d
	}
	if len(o.Backends) > 0 {
		if names, err := backend.NormalizeNames(o.Backends); err == nil {
			s.Backends = names
		}
	}
	if o.UseProxies != nil {
		s.UseProxies = *o.UseProxies
	}
	if o.Audit != nil {
		s.Audit = *o.Audit
	}
	return s
}

// Store owns the current snapshot. Reads are lock-free.
type Store struct {
	cur atomic.Pointer[Settings]

	mu   sync.Mutex
	base Settings
	ov   overrides
	st   storage.Store
	bus  eventbus.Bus
	log  logx.Logger
}

func NewStore(mc config.MonitorConfig, st storage.Store, bus eventbus.Bus, log logx.Logger) *Store {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Store{base: FromConfig(mc), st: st, bus: bus, log: log.Component("settings")}
	snap := s.base
	s.cur.Store(&snap)
	return s
}

// Load reads persisted overrides.
func (s *Store) Load(ctx context.Context) error {
	if s.st == nil {
		return nil
	}
	var ov overrides
	ok, err := storage.GetJSON(ctx, s.st, StorageKey, &ov)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.ov = ov
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// Get returns the current snapshot.
func (s *Store) Get() Settings { return *s.cur.Load() }

// Reseed replaces the config-derived base, keeping operator overrides.
func (s *Store) Reseed(mc config.MonitorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = FromConfig(mc)
	s.publishLocked()
}

func (s *Store) SetEnabled(ctx context.Context, on bool) error {
	return s.update(ctx, func(o *overrides) error { o.Enabled = &on; return nil })
}

func (s *Store) SetUseProxies(ctx context.Context, on bool) error {
	return s.update(ctx, func(o *overrides) error { o.UseProxies = &on; return nil })
}

func (s *Store) SetAudit(ctx context.Context, on bool) error {
	return s.update(ctx, func(o *overrides) error { o.Audit = &on; return nil })
}

// SetDefaultBackends sets the global backend order. A nil list drops the
// override and returns to the configured order.
func (s *Store) SetDefaultBackends(ctx context.Context, names []string) error {
	if names == nil {
		return s.update(ctx, func(o *overrides) error { o.Backends = nil; return nil })
	}
	norm, err := backend.NormalizeNames(names)
	if err != nil {
		return err
	}
	if len(norm) == 0 {
		return ErrNoBackends
	}
	return s.update(ctx, func(o *overrides) error { o.Backends = norm; return nil })
}

// SetInterval changes the base check interval within [MinInterval, MaxInterval].
func (s *Store) SetInterval(ctx context.Context, d time.Duration) error {
	cur := s.Get()
	if d < cur.MinInterval || d > cur.MaxInterval {
		return fmt.Errorf("%s not in [%s, %s]: %w", d, cur.MinInterval, cur.MaxInterval, ErrIntervalRange)
	}
	return s.update(ctx, func(o *overrides) error { o.Interval = d.String(); return nil })
}

func (s *Store) update(ctx context.Context, fn func(*overrides) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.ov
	next.Backends = slices.Clone(s.ov.Backends)
	if err := fn(&next); err != nil {
		return err
	}
	if s.st != nil {
		if err := storage.PutJSON(ctx, s.st, StorageKey, next); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	s.ov = next
	s.publishLocked()
	return nil
}

func (s *Store) publishLocked() {
	snap := s.ov.apply(s.base)
	snap.Backends = slices.Clone(snap.Backends)
	s.cur.Store(&snap)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSettings, Time: time.Now(), Data: snap})
}
