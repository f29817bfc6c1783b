// Package scheduler drives periodic check passes over every tracked
// account.
//
// Each run cycles WAITING -> SELECTING -> DISPATCHING -> WAITING. Accounts
// are ordered by score and checked in batches of ParallelChecks with a
// pause between batches. Stopping lets the in-flight batch finish and
// dispatches nothing after it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chirpwatch/internal/accounts"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/metrics"
	"chirpwatch/internal/resolver"
	"chirpwatch/internal/settings"
	logx "chirpwatch/pkg/logx"
)

type State string

const (
	StateIdle        State = "idle"
	StateWaiting     State = "waiting"
	StateSelecting   State = "selecting"
	StateDispatching State = "dispatching"
	StateDisabled    State = "disabled"
	StateStopped     State = "stopped"
)

// Checker runs one check cycle. *resolver.Resolver implements it.
type Checker interface {
	Resolve(ctx context.Context, handle string, opts resolver.Options) (resolver.Outcome, error)
}

// PassReport summarizes one pass.
type PassReport struct {
	ID       string
	Started  time.Time
	Took     time.Duration
	Checked  int
	Outcomes map[resolver.OutcomeKind]int
	Errors   int
	Forced   bool
	Aborted  bool
}

// Status is a point-in-time view for operators.
type Status struct {
	State    State
	NextAt   time.Time
	LastPass *PassReport
}

type Scheduler struct {
	accts    *accounts.Store
	settings *settings.Store
	checker  Checker
	bus      eventbus.Bus
	metrics  *metrics.Collector
	log      logx.Logger
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	wake  chan struct{}
	force atomic.Bool

	state    atomic.Value // State
	nextAt   atomic.Int64 // unix nano
	lastPass atomic.Pointer[PassReport]
}

type Deps struct {
	Accounts *accounts.Store
	Settings *settings.Store
	Checker  Checker
	Bus      eventbus.Bus
	Metrics  *metrics.Collector
	Logger   logx.Logger
}

func New(d Deps) *Scheduler {
	s := &Scheduler{
		accts:    d.Accounts,
		settings: d.Settings,
		checker:  d.Checker,
		bus:      d.Bus,
		metrics:  d.Metrics,
		log:      d.Logger.Component("scheduler"),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:     make(chan struct{}, 1),
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.state.Store(StateIdle)
	return s
}

// Run blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.state.Store(StateStopped)
	cfg := s.settings.Get()
	s.log.Info("scheduler started", logx.Duration("initial_delay", cfg.InitialDelay), logx.Duration("interval", cfg.Interval))
	if !s.wait(ctx, cfg.InitialDelay) {
		return nil
	}

	for {
		cfg = s.settings.Get()
		if !cfg.Enabled {
			s.state.Store(StateDisabled)
			if !s.wait(ctx, cfg.Interval) {
				return nil
			}
			continue
		}

		rep, err := s.safePass(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Error("pass failed", logx.Duration("backoff", cfg.ErrorBackoff), logx.Err(err))
			if !s.wait(ctx, cfg.ErrorBackoff) {
				return nil
			}
			continue
		}

		next := s.nextDelay(cfg)
		s.log.Info("pass done",
			logx.String("pass_id", rep.ID),
			logx.Int("checked", rep.Checked),
			logx.Int("new", rep.Outcomes[resolver.OutcomeNew]),
			logx.Int("failed", rep.Outcomes[resolver.OutcomeFailed]),
			logx.Duration("took", rep.Took.Round(time.Millisecond)),
			logx.Duration("next_in", next.Round(time.Second)),
		)
		if !s.wait(ctx, next) {
			return nil
		}
	}
}

// Trigger wakes the loop early and makes the next pass bypass the cache.
func (s *Scheduler) Trigger() {
	s.force.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CheckNow runs a forced check of one account outside the loop.
func (s *Scheduler) CheckNow(ctx context.Context, handle string) (resolver.Outcome, error) {
	return s.checker.Resolve(ctx, handle, resolver.Options{BypassCache: true})
}

func (s *Scheduler) Status() Status {
	st := Status{State: s.state.Load().(State), LastPass: s.lastPass.Load()}
	if n := s.nextAt.Load(); n > 0 {
		st.NextAt = time.Unix(0, n)
	}
	return st
}

// wait sleeps d or until ctx ends or Trigger is called. It reports false
// when ctx ended.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	s.state.Store(StateWaiting)
	s.nextAt.Store(s.now().Add(d).UnixNano())
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-t.C:
		return true
	}
}

func (s *Scheduler) nextDelay(cfg settings.Settings) time.Duration {
	if !cfg.Randomize || cfg.MaxFactor <= cfg.MinFactor {
		return cfg.Interval
	}
	s.rngMu.Lock()
	f := cfg.MinFactor + s.rng.Float64()*(cfg.MaxFactor-cfg.MinFactor)
	s.rngMu.Unlock()
	return time.Duration(float64(cfg.Interval) * f)
}

func (s *Scheduler) safePass(ctx context.Context) (rep PassReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pass panic: %v", p)
			s.log.Error("pass panicked", logx.Any("panic", p), logx.Stack(logx.StackTrace(3, 32)))
		}
	}()
	return s.pass(ctx), nil
}

func (s *Scheduler) pass(ctx context.Context) PassReport {
	cfg := s.settings.Get()
	rep := PassReport{
		ID:       uuid.NewString(),
		Started:  s.now(),
		Outcomes: map[resolver.OutcomeKind]int{},
		Forced:   s.force.Swap(false),
	}
	log := s.log.With(logx.String("pass_id", rep.ID))

	s.state.Store(StateSelecting)
	queue := Order(s.accts.List(), s.now())
	s.metrics.SetAccounts(s.accts.Len())

	s.state.Store(StateDispatching)
	batch := max(cfg.ParallelChecks, 1)
	var mu sync.Mutex
	for start := 0; start < len(queue); start += batch {
		if start > 0 && !sleepCtx(ctx, cfg.BatchPause) {
			rep.Aborted = true
			break
		}
		if ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		end := min(start+batch, len(queue))

		var wg sync.WaitGroup
		for _, a := range queue[start:end] {
			wg.Add(1)
			go func(handle string) {
				defer wg.Done()
				kind, err := s.checkOne(ctx, cfg, handle, rep.Forced)
				mu.Lock()
				defer mu.Unlock()
				rep.Checked++
				if err != nil {
					rep.Errors++
					log.Warn("check error", logx.String("handle", handle), logx.Err(err))
					return
				}
				rep.Outcomes[kind]++
			}(a.Handle)
		}
		wg.Wait()
	}

	rep.Took = s.now().Sub(rep.Started)
	s.metrics.PassDone(rep.Took)
	s.lastPass.Store(&rep)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypePassDone, Time: s.now(), Data: rep})
	return rep
}

// checkOne runs one account. Stopping the scheduler does not cancel a
// check already dispatched; CheckTimeout bounds it instead.
func (s *Scheduler) checkOne(ctx context.Context, cfg settings.Settings, handle string, forced bool) (kind resolver.OutcomeKind, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("check panic: %v", p)
		}
	}()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CheckTimeout)
	defer cancel()
	out, err := s.checker.Resolve(cctx, handle, resolver.Options{BypassCache: forced})
	switch {
	case errors.Is(err, backend.ErrAccountDisabled):
		return resolver.OutcomeDisabled, nil
	case errors.Is(err, resolver.ErrInFlight), errors.Is(err, accounts.ErrNotFound):
		return out.Kind, nil
	}
	return out.Kind, err
}

// Score ranks an account for dispatch; higher goes first.
func Score(a accounts.Account, now time.Time) float64 {
	score := a.Priority + min(0.5, float64(a.FailCount)*0.1)
	if !a.LastCheckAt.IsZero() {
		if h := now.Sub(a.LastCheckAt).Hours(); h < 1 {
			score -= 0.5 * (1 - h)
		}
	}
	return score
}

// Order drops disabled accounts and sorts the rest by descending score.
func Order(list []accounts.Account, now time.Time) []accounts.Account {
	out := make([]accounts.Account, 0, len(list))
	for _, a := range list {
		if !a.Disabled() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return Score(out[i], now) > Score(out[j], now) })
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
