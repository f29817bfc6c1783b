// Package app wires the components into one process and owns hot reload
// and the ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"chirpwatch/internal/admin"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/config"
	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/metrics"
	"chirpwatch/internal/notifier"
	"chirpwatch/internal/observability"
	rtsup "chirpwatch/internal/runtime/supervisor"
	"chirpwatch/internal/scheduler"
	"chirpwatch/internal/task"
	kit "chirpwatch/internal/transport"
	telegram "chirpwatch/internal/transport/telegram/adapter"
	"chirpwatch/internal/transport/telegram/router"
	logx "chirpwatch/pkg/logx"
)

const (
	jobMirrorHealth   = "mirror.health"
	jobGovernorSave   = "governor.persist"
	governorSaveEvery = "5m"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	m    *metrics.Collector

	eng      *Engine
	sched    *scheduler.Scheduler
	notif    *notifier.Service
	controls *admin.Controls
	tasks    *task.Runner
	http     *observability.Server

	// tg is nil when no token is configured.
	tg        *telegram.Adapter
	router    *router.Router
	updates   chan kit.Message
	alertChat atomic.Pointer[kit.ChatTarget]

	healthSpec string
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg.Logging))
	cfgm.SetLogger(log)

	m, err := metrics.New()
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logs,
		bus:     bus,
		m:       m,
		tasks:   task.NewRunner(log),
		updates: make(chan kit.Message, 256),
	}

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout, 10*time.Second),
		}, log)
		if err != nil {
			return nil, err
		}
		a.tg = tg
		a.setAlertTarget(cfg.Telegram)
		logs.SetAlert(a.sendAlert)
	} else {
		a.log.Warn("telegram token not set; running headless, new items are only logged")
	}

	st, err := openStore(cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	var transport kit.Adapter
	if a.tg != nil {
		transport = a.tg
	}
	a.notif = notifier.New(notifier.ConfigFrom(cfg.Notifier), transport, st, bus, m, log)

	a.eng, err = NewEngine(ctx, EngineDeps{
		Config:  cfg,
		Store:   st,
		Sink:    a.notif,
		Bus:     bus,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.sched = scheduler.New(scheduler.Deps{
		Accounts: a.eng.Accounts,
		Settings: a.eng.Settings,
		Checker:  a.eng.Resolver,
		Bus:      bus,
		Metrics:  m,
		Logger:   log,
	})
	a.controls = admin.New(admin.Deps{
		Settings:  a.eng.Settings,
		Accounts:  a.eng.Accounts,
		Cache:     a.eng.Cache,
		Governor:  a.eng.Governor,
		Scheduler: a.sched,
		Resolver:  a.eng.Resolver,
		Mirrors:   a.eng.Mirror,
		Store:     st,
		Logger:    log,
	})
	if a.tg != nil {
		a.router = router.New(a.tg, cfg.Telegram.OwnerUserIDs, log)
	}
	a.http = observability.New(observability.ConfigFrom(cfg.HTTP), m, a.health, log)

	if err := a.registerJobs(); err != nil {
		return nil, err
	}
	return a, nil
}

// Controls exposes the admin surface, mainly for tests and the CLI.
func (a *App) Controls() *admin.Controls { return a.controls }

// Done is closed when the app supervisor stops, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateCache(cfg.Cache); err != nil {
			return err
		}
		return task.Validate(healthSchedule(cfg.Monitor))
	})

	a.notif.Start(run)
	a.tasks.Start(run)
	a.http.Start(run)

	if a.tg != nil {
		if err := a.tg.Start(run, a.updates); err != nil {
			return err
		}
		a.router.Register(run, admin.Commands(a.controls, a.notif)...)
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}

	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go0("events", a.watchEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// First health sweep runs right away so the pool starts from live data.
	a.sup.Go0("mirror.health.initial", func(context.Context) {
		if err := a.tasks.RunNow(jobMirrorHealth); err != nil {
			a.log.Warn("initial mirror sweep failed", logx.Err(err))
		}
	})

	startSystemd(a.sup, a.log)
	a.log.Info("app started",
		logx.Int("accounts", a.eng.Accounts.Len()),
		logx.Bool("telegram", a.tg != nil),
		logx.Strings("backends", a.eng.Settings.Get().Backends),
	)
	return nil
}

func (a *App) registerJobs() error {
	a.healthSpec = healthSchedule(a.cfgm.Get().Monitor)
	if s := a.eng.Settings.Get().HealthCheck; s != "" {
		a.healthSpec = s
	}
	if err := a.tasks.Add(jobMirrorHealth, a.healthSpec, 2*time.Minute, a.mirrorHealth); err != nil {
		return err
	}
	return a.tasks.Add(jobGovernorSave, governorSaveEvery, 30*time.Second, a.saveGovernor)
}

func (a *App) mirrorHealth(ctx context.Context) error {
	active := a.eng.Mirror.CheckHealth(ctx)
	healthy, total := a.eng.Mirror.Healthy()
	a.m.SetMirrorsHealthy(healthy)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeMirrorHealth, Time: time.Now(), Data: map[string]any{
		"active": active, "healthy": healthy, "total": total,
	}})
	return ctx.Err()
}

func (a *App) saveGovernor(ctx context.Context) error {
	snap := a.eng.Governor.Snapshot()
	for _, name := range backend.Known {
		a.m.SetLimited(name, snap[name].Limited && time.Now().Before(snap[name].ResetAt))
	}
	return a.eng.Governor.Save(ctx, a.eng.Store)
}

func (a *App) watchEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if e.Type == eventbus.TypeSettings {
				a.rescheduleHealth()
			}
		}
	}
}

func (a *App) rescheduleHealth() {
	spec := a.eng.Settings.Get().HealthCheck
	if spec == "" || spec == a.healthSpec {
		return
	}
	if err := a.tasks.Add(jobMirrorHealth, spec, 2*time.Minute, a.mirrorHealth); err != nil {
		a.log.Warn("mirror health schedule rejected; keeping previous", logx.String("spec", spec), logx.Err(err))
		return
	}
	a.healthSpec = spec
	a.log.Info("mirror health rescheduled", logx.String("spec", spec))
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if config.Has(sections, "telegram") {
		a.setAlertTarget(next.Telegram)
		if a.router != nil {
			a.router.SetOwners(next.Telegram.OwnerUserIDs)
		}
		if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
			a.log.Warn("telegram token or poll timeout changed; restart required")
		}
	}
	if config.Has(sections, "logging") {
		a.logs.Apply(logConfig(next.Logging))
	}
	if config.Has(sections, "monitor") {
		a.eng.Settings.Reseed(next.Monitor)
	}
	if config.Has(sections, "backends") {
		applyPacing(a.eng.Governor, next.Backends)
		a.log.Warn("backend endpoints, proxies and tokens apply on restart; pacing applied now")
	}
	if config.Has(sections, "notifier") {
		a.notif.Apply(notifier.ConfigFrom(next.Notifier))
	}
	if config.Has(sections, "http") {
		a.http.Reconfigure(ctx, observability.ConfigFrom(next.HTTP))
	}
	for _, s := range []string{"storage", "cache"} {
		if config.Has(sections, s) {
			a.log.Warn(s + " config changed; restart required")
		}
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) health(context.Context) (any, error) {
	st := a.sched.Status()
	detail := map[string]any{
		"scheduler": st.State,
		"accounts":  a.eng.Accounts.Len(),
	}
	if st.LastPass != nil {
		detail["last_pass"] = st.LastPass.Started
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return detail, err
		}
	}
	if st.State == scheduler.StateStopped {
		return detail, errors.New("scheduler stopped")
	}
	return detail, nil
}

func (a *App) setAlertTarget(tc config.TelegramConfig) {
	if tc.LogChatID == 0 {
		a.alertChat.Store(nil)
		return
	}
	a.alertChat.Store(&kit.ChatTarget{ChatID: tc.LogChatID, ThreadID: tc.LogThreadID})
}

func (a *App) sendAlert(ctx context.Context, text string) error {
	to := a.alertChat.Load()
	if to == nil || a.tg == nil {
		return nil
	}
	_, err := a.tg.SendText(ctx, *to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Stop shuts components down in dependency order. Each step is bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("tasks", 3*time.Second, func(c context.Context) error { a.tasks.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { return a.eng.Close(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.eng.Store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func healthSchedule(mc config.MonitorConfig) string {
	if s := strings.TrimSpace(mc.HealthCheck); s != "" {
		return s
	}
	return "1h"
}
