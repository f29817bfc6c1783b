package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "chirpwatch/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic function. Runs of the same job never overlap; a
// trigger that finds the previous run still going is dropped.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	job     Job
	id      cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	mu      sync.Mutex
	lastErr string
	lastAt  time.Time
	lastDur time.Duration
}

// Info describes a registered job.
type Info struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	LastErr  string
	LastTook time.Duration
}

// Runner owns the cron instance. Jobs may be added before or after Start.
type Runner struct {
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	base    context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	wg      sync.WaitGroup
}

func NewRunner(log logx.Logger) *Runner {
	return &Runner{log: log.Component("task"), entries: map[string]*entry{}}
}

// Add registers or replaces the job called name.
func (r *Runner) Add(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("job name required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if !spec.IsInterval() {
		if _, err := parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[name]; ok && r.c != nil {
		r.c.Remove(old.id)
	}
	e := &entry{name: name, spec: spec, timeout: timeout, job: job}
	r.entries[name] = e
	if r.c != nil {
		r.registerLocked(e)
	}
	return nil
}

func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		if r.c != nil {
			r.c.Remove(e.id)
		}
		delete(r.entries, name)
	}
}

// Start begins triggering. Jobs run with a context derived from ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.base, r.cancel = context.WithCancel(ctx)
	r.c = cron.New(cron.WithParser(parser), cron.WithLocation(time.Local))
	for _, e := range r.entries {
		r.registerLocked(e)
	}
	r.c.Start()
	r.log.Info("task runner started", logx.Int("jobs", len(r.entries)))
}

func (r *Runner) registerLocked(e *entry) {
	fn := cron.FuncJob(func() { r.run(e) })
	if e.spec.IsInterval() {
		e.id = r.c.Schedule(withSpread(e.spec.Every, time.Now(), e.name), fn)
		return
	}
	id, err := r.c.AddJob(e.spec.Cron, fn)
	if err != nil {
		r.log.Error("job register failed", logx.String("job", e.name), logx.String("spec", e.spec.String()), logx.Err(err))
		return
	}
	e.id = id
}

// RunNow triggers name immediately, honoring the no-overlap rule, and
// waits for it.
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return r.run(e)
}

func (r *Runner) run(e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		r.log.Debug("job still running, trigger skipped", logx.String("job", e.name))
		return nil
	}
	defer e.running.Store(false)

	r.mu.Lock()
	base := r.base
	r.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx := base
	var cancel context.CancelFunc = func() {}
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, e.timeout)
	}
	defer cancel()

	r.wg.Add(1)
	defer r.wg.Done()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.log.Error("job panicked", logx.String("job", e.name), logx.Any("panic", p), logx.Stack(logx.StackTrace(3, 32)))
		}
		took := time.Since(start)
		e.runs.Add(1)
		e.mu.Lock()
		e.lastAt, e.lastDur = start, took
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		if err != nil {
			r.log.Warn("job failed", logx.String("job", e.name), logx.Duration("took", took), logx.Err(err))
		} else {
			r.log.Debug("job done", logx.String("job", e.name), logx.Duration("took", took))
		}
	}()
	return e.job(ctx)
}

// Stop halts triggering, cancels running jobs and waits for them until
// ctx ends.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Snapshot lists jobs ordered by name.
func (r *Runner) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{Name: e.name, Spec: e.spec.String(), Running: e.running.Load(), Runs: e.runs.Load(), Skipped: e.skipped.Load()}
		if r.c != nil {
			ce := r.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		e.mu.Lock()
		info.LastErr, info.LastTook = e.lastErr, e.lastDur
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
