package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/config"
	"chirpwatch/internal/governor"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

func newTestEngine(t *testing.T, cfg *config.Config, st storage.Store) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), EngineDeps{Config: cfg, Store: st, Logger: logx.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestNewEngineLoadsPersistedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	first := newTestEngine(t, &config.Config{}, st)
	_, err := first.Accounts.Add(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, first.Settings.SetInterval(ctx, 20*time.Minute))
	first.Governor.MarkLimited(backend.API, time.Now().Add(time.Hour))
	require.NoError(t, first.Close(ctx))

	second := newTestEngine(t, &config.Config{}, st)
	require.Equal(t, 1, second.Accounts.Len())
	require.Equal(t, 20*time.Minute, second.Settings.Get().Interval)
	require.False(t, second.Governor.IsAvailable(backend.API))
	require.True(t, second.Governor.IsAvailable(backend.Mirror))

	names := make([]string, 0, len(second.Adapters))
	for _, a := range second.Adapters {
		names = append(names, a.Name())
	}
	require.ElementsMatch(t, backend.Known, names)
}

func TestNewEngineRejectsBadSections(t *testing.T) {
	t.Parallel()
	cases := map[string]*config.Config{
		"cache driver":  {Cache: config.CacheConfig{Driver: "memcached"}},
		"redis no addr": {Cache: config.CacheConfig{Driver: "redis"}},
		"bad proxy":     {Backends: config.BackendsConfig{Proxies: []string{"http://[::1"}}},
	}
	for name, cfg := range cases {
		_, err := NewEngine(context.Background(), EngineDeps{Config: cfg, Store: storage.NewMemory(), Logger: logx.Nop()})
		require.Error(t, err, name)
	}
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	t.Parallel()
	st, err := openStore(config.StorageConfig{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AddSubscriber(context.Background(), 1))
	require.NoError(t, st.Close())

	_, err = openStore(config.StorageConfig{Driver: "oracle"}, logx.Nop())
	require.Error(t, err)
}

func TestApplyReseedsMonitorAndPacing(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &config.Config{}, storage.NewMemory())
	a := &App{log: logx.Nop(), eng: e}

	prev := &config.Config{}
	next := &config.Config{Monitor: config.MonitorConfig{Interval: "45m", ParallelChecks: 5}}
	a.apply(context.Background(), prev, next)

	got := e.Settings.Get()
	require.Equal(t, 45*time.Minute, got.Interval)
	require.Equal(t, 5, got.ParallelChecks)

	// An operator override still wins over a reloaded file.
	require.NoError(t, e.Settings.SetInterval(context.Background(), 30*time.Minute))
	a.apply(context.Background(), next, &config.Config{Monitor: config.MonitorConfig{Interval: "2h"}})
	require.Equal(t, 30*time.Minute, e.Settings.Get().Interval)
}

func TestSaveGovernorPersists(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	e := newTestEngine(t, &config.Config{}, st)
	a := &App{log: logx.Nop(), eng: e}
	e.Governor.MarkLimited(backend.Direct, time.Now().Add(10*time.Minute))
	require.NoError(t, a.saveGovernor(context.Background()))

	g := governor.New()
	require.NoError(t, g.Restore(context.Background(), st))
	require.False(t, g.IsAvailable(backend.Direct))
}
