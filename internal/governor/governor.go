// Package governor tracks per-backend rate-limit windows and paces
// outgoing requests.
package governor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

// StateKey is the storage KV key holding the persisted limit windows.
const StateKey = "governor.state"

// State is the limit window of one backend.
type State struct {
	Limited bool      `json:"limited"`
	ResetAt time.Time `json:"reset_at"`
}

type Governor struct {
	mu      sync.Mutex
	limits  map[string]time.Time
	pacers  map[string]*rate.Limiter
	now     func() time.Time
	log     logx.Logger
	onLimit func(backend string, resetAt time.Time)
}

type Option func(*Governor)

func WithClock(now func() time.Time) Option { return func(g *Governor) { g.now = now } }

func WithLogger(log logx.Logger) Option {
	return func(g *Governor) { g.log = log.Component("governor") }
}

// WithOnLimit registers a hook called after MarkLimited.
func WithOnLimit(fn func(backend string, resetAt time.Time)) Option {
	return func(g *Governor) { g.onLimit = fn }
}

func New(opts ...Option) *Governor {
	g := &Governor{
		limits: map[string]time.Time{},
		pacers: map[string]*rate.Limiter{},
		now:    time.Now,
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// IsAvailable reports whether backend may be called now. A window whose
// reset time has passed is cleared here.
func (g *Governor) IsAvailable(backend string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	reset, ok := g.limits[backend]
	if !ok {
		return true
	}
	if !g.now().Before(reset) {
		delete(g.limits, backend)
		g.log.Info("backend rate limit expired", logx.String("backend", backend))
		return true
	}
	return false
}

// MarkLimited blocks backend until resetAt. An earlier reset never
// shortens an existing window.
func (g *Governor) MarkLimited(backend string, resetAt time.Time) {
	g.mu.Lock()
	if cur, ok := g.limits[backend]; !ok || resetAt.After(cur) {
		g.limits[backend] = resetAt
	}
	hook := g.onLimit
	g.mu.Unlock()

	g.log.Warn("backend rate limited",
		logx.String("backend", backend),
		logx.Time("reset_at", resetAt),
		logx.Duration("wait", resetAt.Sub(g.now()).Round(time.Second)),
	)
	if hook != nil {
		hook(backend, resetAt)
	}
}

// Clear removes any window for backend.
func (g *Governor) Clear(backend string) {
	g.mu.Lock()
	delete(g.limits, backend)
	g.mu.Unlock()
}

// Snapshot returns the active windows.
func (g *Governor) Snapshot() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make(map[string]State, len(g.limits))
	for b, reset := range g.limits {
		if now.Before(reset) {
			out[b] = State{Limited: true, ResetAt: reset}
		}
	}
	return out
}

// SetPace limits backend to perMinute requests with a burst of one.
// Zero or negative removes pacing.
func (g *Governor) SetPace(backend string, perMinute int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if perMinute <= 0 {
		delete(g.pacers, backend)
		return
	}
	lim := rate.Limit(float64(perMinute) / 60)
	if cur, ok := g.pacers[backend]; ok {
		cur.SetLimit(lim)
		return
	}
	g.pacers[backend] = rate.NewLimiter(lim, 1)
}

// Wait blocks until backend may send one request or ctx ends.
func (g *Governor) Wait(ctx context.Context, backend string) error {
	g.mu.Lock()
	lim := g.pacers[backend]
	g.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Save persists the active windows.
func (g *Governor) Save(ctx context.Context, st storage.Store) error {
	return storage.PutJSON(ctx, st, StateKey, g.Snapshot())
}

// Restore loads windows saved by Save, ignoring those already expired.
func (g *Governor) Restore(ctx context.Context, st storage.Store) error {
	var saved map[string]State
	ok, err := storage.GetJSON(ctx, st, StateKey, &saved)
	if err != nil || !ok {
		return err
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for b, s := range saved {
		if s.Limited && now.Before(s.ResetAt) {
			g.limits[b] = s.ResetAt
		}
	}
	return nil
}
