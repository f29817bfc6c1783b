// Package mirror scrapes public read-only mirrors of the platform. Each
// fetch tries a few healthy mirrors from a rotating pool.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/item"
	logx "chirpwatch/pkg/logx"
)

const (
	DefaultAttempts      = 3
	DefaultHealthTimeout = 10 * time.Second
	healthMinBody        = 1000
	healthFallback       = 3
	healthConcurrency    = 4
)

type Config struct {
	Instances        []string
	AttemptsPerCheck int
	FailureThreshold int
	HealthTimeout    time.Duration
	UserAgent        string
}

type Adapter struct {
	cfg    Config
	pool   *Pool
	client *http.Client
	cache  *cache.Cache
	pacer  backend.Pacer
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, client *http.Client, c *cache.Cache, pacer backend.Pacer, log logx.Logger) *Adapter {
	if cfg.AttemptsPerCheck <= 0 {
		cfg.AttemptsPerCheck = DefaultAttempts
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if client == nil {
		client = backend.NewHTTPClient(0, nil)
	}
	return &Adapter{
		cfg:    cfg,
		pool:   NewPool(cfg.Instances, cfg.FailureThreshold),
		client: client,
		cache:  c,
		pacer:  pacer,
		log:    log.Component("backend.mirror"),
		now:    time.Now,
	}
}

func (a *Adapter) Name() string                { return backend.Mirror }
func (a *Adapter) Comparator() item.Comparator { return item.NumericOrTime }
func (a *Adapter) Pool() *Pool                 { return a.pool }

// Healthy reports healthy mirrors against the active list size.
func (a *Adapter) Healthy() (healthy, total int) {
	active, _ := a.pool.Active()
	return a.pool.HealthyCount(), len(active)
}

// Fetch tries up to AttemptsPerCheck healthy mirrors in random order and
// returns the first page that yields an item. ErrNoItem and
// ErrInvalidIdentifier are returned only when every mirror tried answered
// that way.
func (a *Adapter) Fetch(ctx context.Context, handle, floor string) (backend.Result, error) {
	handle = backend.NormalizeHandle(handle)
	mirrors := a.pool.Pick(a.cfg.AttemptsPerCheck)
	if len(mirrors) == 0 {
		return backend.Result{}, fmt.Errorf("mirror: empty pool: %w", backend.ErrUnavailable)
	}

	var lastErr, answer error
	failed := 0
	for _, m := range mirrors {
		if a.pacer != nil {
			if err := a.pacer.Wait(ctx, backend.Mirror); err != nil {
				return backend.Result{}, err
			}
		}
		res, err := a.fetchFrom(ctx, m, handle, floor)
		switch {
		case err == nil:
			a.pool.ReportSuccess(m)
			return res, nil
		case ctx.Err() != nil:
			return backend.Result{}, ctx.Err()
		case errors.Is(err, backend.ErrNoItem) || errors.Is(err, backend.ErrInvalidIdentifier):
			// The mirror works; another one may still have a fresher copy.
			a.pool.ReportSuccess(m)
			answer = err
			continue
		}
		a.pool.ReportFailure(m)
		a.log.Debug("mirror attempt failed", logx.String("mirror", m), logx.String("handle", handle), logx.String("kind", backend.Kind(err)), logx.Err(err))
		lastErr = err
		failed++
	}
	if failed == 0 {
		return backend.Result{}, answer
	}
	// A 429 from one instance says nothing about the others, so it is not
	// surfaced as a backend-wide rate limit.
	if rl, ok := backend.AsRateLimited(lastErr); ok {
		lastErr = backend.Transient(fmt.Errorf("mirror limited until %s", rl.ResetAt.Format(time.RFC3339)))
	}
	return backend.Result{}, fmt.Errorf("mirror: %d of %d attempts failed: %w", failed, len(mirrors), lastErr)
}

func (a *Adapter) fetchFrom(ctx context.Context, base, handle, floor string) (backend.Result, error) {
	target := base + "/" + url.PathEscape(handle) + "?r=" + strconv.FormatInt(a.now().Unix(), 10)
	body, err := backend.GetPage(ctx, a.client, backend.Mirror, target, a.cfg.UserAgent, 0)
	if err != nil {
		return backend.Result{}, err
	}
	items, err := parseTimeline(body, base, handle, floor != "")
	if err != nil {
		return backend.Result{}, err
	}

	var refs []item.Ref
	var valid []*item.Item
	for _, it := range items {
		if item.ValidID(it.ID) {
			valid = append(valid, it)
			refs = append(refs, it.Ref())
		}
	}
	if len(valid) == 0 {
		if floor != "" {
			return backend.NoChange(floor), nil
		}
		if len(items) > 0 {
			return backend.Result{}, fmt.Errorf("mirror @%s: %w", handle, backend.ErrInvalidIdentifier)
		}
		return backend.Result{}, fmt.Errorf("mirror @%s: %w", handle, backend.ErrNoItem)
	}

	newest := valid[item.Newest(item.NumericOrTime, refs)]
	if floor != "" && !item.Newer(item.NumericOrTime, newest.Ref(), item.Ref{ID: floor}) {
		return backend.NoChange(floor), nil
	}
	if err := a.cache.Put(ctx, cache.Items, cache.ItemKey(backend.Mirror, handle), newest, cache.PutOptions{}); err != nil {
		a.log.Debug("cache put failed", logx.String("handle", handle), logx.Err(err))
	}
	return backend.Result{ID: newest.ID, Item: newest}, nil
}

// CheckHealth probes every seed mirror and installs the healthy ones as
// the active set. When none pass, the first few seeds are kept so the
// backend is never left without candidates.
func (a *Adapter) CheckHealth(ctx context.Context) []string {
	seeds := a.pool.Seeds()
	ok := make([]bool, len(seeds))

	sem := make(chan struct{}, healthConcurrency)
	var wg sync.WaitGroup
	for i, m := range seeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			ok[i] = a.probe(ctx, m)
		}()
	}
	wg.Wait()

	healthy := make([]string, 0, len(seeds))
	for i, m := range seeds {
		if ok[i] {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		healthy = append(healthy, seeds[:min(healthFallback, len(seeds))]...)
		a.log.Warn("no healthy mirrors, keeping fallback set", logx.Strings("mirrors", healthy))
	} else {
		a.log.Info("mirror health sweep", logx.Int("healthy", len(healthy)), logx.Int("total", len(seeds)))
	}
	a.pool.SetActive(healthy)
	return healthy
}

func (a *Adapter) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HealthTimeout)
	defer cancel()
	body, err := backend.GetPage(ctx, a.client, backend.Mirror, base+"/twitter", a.cfg.UserAgent, 1<<20)
	if err != nil {
		a.log.Debug("mirror probe failed", logx.String("mirror", base), logx.Err(err))
		return false
	}
	return len(body) > healthMinBody && strings.Contains(strings.ToLower(string(body)), "twitter")
}
