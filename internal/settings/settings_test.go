package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/config"
	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

func TestFromConfigDefaults(t *testing.T) {
	t.Parallel()
	s := FromConfig(config.MonitorConfig{})
	require.True(t, s.Enabled)
	require.Equal(t, DefaultInterval, s.Interval)
	require.Equal(t, backend.Known, s.Backends)
	require.True(t, s.Randomize)
	require.Equal(t, 0.8, s.MinFactor)
	require.Equal(t, 1.2, s.MaxFactor)
	require.Equal(t, 3, s.ParallelChecks)
	require.Equal(t, 2*time.Second, s.BatchPause)
	require.Equal(t, 10*time.Second, s.InitialDelay)
	require.Equal(t, time.Minute, s.ErrorBackoff)

	off := false
	s = FromConfig(config.MonitorConfig{Enabled: &off, Interval: "5m", Backends: []string{"api", "nitter"}})
	require.False(t, s.Enabled)
	require.Equal(t, 5*time.Minute, s.Interval)
	require.Equal(t, []string{backend.API, backend.Mirror}, s.Backends)
}

func TestOverridesPersistAndSurviveReseed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := NewStore(config.MonitorConfig{}, st, bus, logx.Nop())
	require.NoError(t, s.SetEnabled(ctx, false))
	require.NoError(t, s.SetInterval(ctx, 30*time.Minute))
	require.NoError(t, s.SetDefaultBackends(ctx, []string{"web", "api"}))
	require.NoError(t, s.SetAudit(ctx, true))

	select {
	case e := <-events:
		require.Equal(t, eventbus.TypeSettings, e.Type)
	case <-time.After(time.Second):
		t.Fatalf("no settings event")
	}

	got := s.Get()
	require.False(t, got.Enabled)
	require.Equal(t, 30*time.Minute, got.Interval)
	require.Equal(t, []string{backend.Direct, backend.API}, got.Backends)
	require.True(t, got.Audit)

	// A config reload changes the base but keeps operator choices.
	s.Reseed(config.MonitorConfig{Interval: "15m", ParallelChecks: 5})
	got = s.Get()
	require.Equal(t, 30*time.Minute, got.Interval)
	require.Equal(t, 5, got.ParallelChecks)

	restarted := NewStore(config.MonitorConfig{}, st, nil, logx.Nop())
	require.NoError(t, restarted.Load(ctx))
	got = restarted.Get()
	require.False(t, got.Enabled)
	require.Equal(t, 30*time.Minute, got.Interval)
	require.Equal(t, []string{backend.Direct, backend.API}, got.Backends)

	require.NoError(t, restarted.SetDefaultBackends(ctx, nil))
	require.Equal(t, backend.Known, restarted.Get().Backends)
}

func TestSetterValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore(config.MonitorConfig{}, storage.NewMemory(), nil, logx.Nop())

	require.ErrorIs(t, s.SetInterval(ctx, 30*time.Second), ErrIntervalRange)
	require.ErrorIs(t, s.SetInterval(ctx, 1441*time.Minute), ErrIntervalRange)
	require.NoError(t, s.SetInterval(ctx, time.Minute))
	require.NoError(t, s.SetInterval(ctx, 1440*time.Minute))

	require.ErrorIs(t, s.SetDefaultBackends(ctx, []string{}), ErrNoBackends)
	require.Error(t, s.SetDefaultBackends(ctx, []string{"rss"}))
	require.Equal(t, backend.Known, s.Get().Backends)
}
