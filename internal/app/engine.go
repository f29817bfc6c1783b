package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chirpwatch/internal/accounts"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/backend/api"
	"chirpwatch/internal/backend/direct"
	"chirpwatch/internal/backend/mirror"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/config"
	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/governor"
	"chirpwatch/internal/metrics"
	"chirpwatch/internal/resolver"
	"chirpwatch/internal/settings"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

// Engine is the resolution core without any chat surface: storage,
// cache, governor, settings, accounts, backend adapters and the resolver.
type Engine struct {
	Store    storage.Store
	Cache    *cache.Cache
	Governor *governor.Governor
	Settings *settings.Store
	Accounts *accounts.Store
	Mirror   *mirror.Adapter
	Adapters []backend.Adapter
	Resolver *resolver.Resolver
	Proxies  *backend.ProxyPool
}

type EngineDeps struct {
	Config  *config.Config
	Store   storage.Store
	Sink    resolver.Sink
	Bus     eventbus.Bus
	Metrics *metrics.Collector
	Logger  logx.Logger
}

// NewEngine builds and loads the core. The caller owns d.Store; Close
// releases only what NewEngine opened.
func NewEngine(ctx context.Context, d EngineDeps) (*Engine, error) {
	cfg, log := d.Config, d.Logger
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	e := &Engine{Store: d.Store}

	drv, err := openCacheDriver(cfg.Cache)
	if err != nil {
		return nil, err
	}
	e.Cache = cache.New(drv, cacheOptions(cfg.Cache), log)

	e.Governor = governor.New(
		governor.WithLogger(log),
		governor.WithOnLimit(func(name string, resetAt time.Time) {
			d.Metrics.SetLimited(name, true)
			d.Bus.Publish(eventbus.Event{Type: eventbus.TypeBackendLimited, Time: time.Now(), Data: map[string]any{"backend": name, "reset_at": resetAt}})
		}),
	)
	if err := e.Governor.Restore(ctx, e.Store); err != nil {
		log.Warn("governor restore failed", logx.Err(err))
	}
	applyPacing(e.Governor, cfg.Backends)

	e.Settings = settings.NewStore(cfg.Monitor, e.Store, d.Bus, log)
	if err := e.Settings.Load(ctx); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	e.Accounts = accounts.NewStore(e.Store, log)
	if err := e.Accounts.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}

	e.Proxies, err = backend.NewProxyPool(cfg.Backends.Proxies, func() bool { return e.Settings.Get().UseProxies })
	if err != nil {
		return nil, fmt.Errorf("backends.proxies: %w", err)
	}
	if err := e.buildAdapters(cfg.Backends, log); err != nil {
		return nil, err
	}

	e.Resolver = resolver.New(resolver.Deps{
		Adapters: e.Adapters,
		Accounts: e.Accounts,
		Settings: e.Settings,
		Governor: e.Governor,
		Cache:    e.Cache,
		Sink:     d.Sink,
		Bus:      d.Bus,
		Metrics:  d.Metrics,
		Logger:   log,
	})
	return e, nil
}

func (e *Engine) buildAdapters(bc config.BackendsConfig, log logx.Logger) error {
	ua := strings.TrimSpace(bc.UserAgent)

	mt := config.MustDuration(bc.Mirror.Timeout, 15*time.Second)
	e.Mirror = mirror.New(mirror.Config{
		Instances:        bc.Mirror.Instances,
		AttemptsPerCheck: bc.Mirror.AttemptsPerCheck,
		FailureThreshold: bc.Mirror.FailureThreshold,
		HealthTimeout:    config.MustDuration(bc.Mirror.HealthTimeout, 0),
		UserAgent:        ua,
	}, backend.NewHTTPClient(mt, e.Proxies), e.Cache, e.Governor, log)

	dt := config.MustDuration(bc.Direct.Timeout, 15*time.Second)
	dir := direct.New(direct.Config{
		BaseURL:    bc.Direct.BaseURL,
		MaxRetries: bc.Direct.MaxRetries,
		UserAgent:  ua,
	}, backend.NewHTTPClient(dt, e.Proxies), e.Cache, e.Governor, log)

	ap := api.New(api.Config{
		BearerToken: bc.API.BearerToken,
		BaseURL:     bc.API.BaseURL,
		MaxResults:  bc.API.MaxResults,
		Timeout:     config.MustDuration(bc.API.Timeout, 0),
	}, e.Cache, e.Governor, log)
	if !ap.Configured() {
		log.Info("api backend has no bearer token; its attempts will fail until one is set")
	}

	e.Adapters = []backend.Adapter{e.Mirror, dir, ap}
	return nil
}

// Close persists governor state and releases the cache.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Governor != nil && e.Store != nil {
		errs = append(errs, e.Governor.Save(ctx, e.Store))
	}
	if e.Cache != nil {
		errs = append(errs, e.Cache.Close())
	}
	return errors.Join(errs...)
}

func applyPacing(g *governor.Governor, bc config.BackendsConfig) {
	g.SetPace(backend.API, bc.API.RequestsPerMinute)
	g.SetPace(backend.Mirror, bc.Mirror.RequestsPerMinute)
	g.SetPace(backend.Direct, bc.Direct.RequestsPerMinute)
}

// validateCache checks the cache section without dialing.
func validateCache(cc config.CacheConfig) error {
	switch driver := strings.ToLower(strings.TrimSpace(cc.Driver)); driver {
	case "", "memory":
		return nil
	case "redis":
		if strings.TrimSpace(cc.Addr) == "" {
			return errors.New("cache.addr is required when cache.driver=redis")
		}
		return nil
	default:
		return fmt.Errorf("unknown cache.driver: %s", driver)
	}
}

func openCacheDriver(cc config.CacheConfig) (cache.Driver, error) {
	if err := validateCache(cc); err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(cc.Driver), "redis") {
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(cache.RedisOptions{
		Addr:     cc.Addr,
		Password: cc.Password,
		DB:       cc.DB,
		Prefix:   cc.Prefix,
		Horizon:  config.MustDuration(cc.Horizon, cache.DefaultHorizon),
	}), nil
}

func cacheOptions(cc config.CacheConfig) cache.Options {
	return cache.Options{
		ItemsTTL:    config.MustDuration(cc.ItemsTTL, cache.DefaultItemsTTL),
		IdentityTTL: config.MustDuration(cc.IdentityTTL, cache.DefaultIdentityTTL),
		Horizon:     config.MustDuration(cc.Horizon, cache.DefaultHorizon),
		HistorySize: cc.HistorySize,
	}
}

// openStore opens the configured driver. No driver means memory, with a
// warning: accounts will not survive a restart.
func openStore(sc config.StorageConfig, log logx.Logger) (storage.Store, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Driver:      sc.Driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, log.Component("storage"))
	if errors.Is(err, storage.ErrDisabled) {
		log.Warn("no storage driver configured; state is kept in memory only")
		return storage.NewMemory(), nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))
	return st, nil
}
