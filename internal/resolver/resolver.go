// Package resolver runs one check cycle for an account: it walks the
// effective backend order, reconciles what the backends returned and
// commits the outcome to the account store.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chirpwatch/internal/accounts"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/item"
	"chirpwatch/internal/metrics"
	"chirpwatch/internal/settings"
	logx "chirpwatch/pkg/logx"
)

// ErrInFlight is returned when a cycle for the same account is running.
var ErrInFlight = errors.New("check already in progress")

// Sink receives items proven newer than the account's last confirmed one.
type Sink interface {
	NotifyNewItem(ctx context.Context, handle string, it *item.Item) error
}

// Governor is the part of *governor.Governor the resolver needs.
type Governor interface {
	IsAvailable(backend string) bool
	MarkLimited(backend string, resetAt time.Time)
}

type Options struct {
	// Audit queries every backend instead of stopping at the first newer item.
	Audit bool
	// BypassCache drops cached items for the account before fetching.
	BypassCache bool
	// DryRun reconciles without touching the account or notifying.
	DryRun bool
}

type OutcomeKind string

const (
	OutcomeDisabled OutcomeKind = "disabled"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeLimited  OutcomeKind = "limited"
	OutcomeNoChange OutcomeKind = "no_change"
	OutcomeBaseline OutcomeKind = "baseline"
	OutcomeNew      OutcomeKind = "new"
)

// Outcome is the result of one cycle.
type Outcome struct {
	CheckID  string
	Handle   string
	Kind     OutcomeKind
	ID       string
	Item     *item.Item
	Backend  string
	Attempts []Attempt
	Account  accounts.Account
	Notified bool
}

type Deps struct {
	Adapters []backend.Adapter
	Accounts *accounts.Store
	Settings *settings.Store
	Governor Governor
	Cache    *cache.Cache
	Sink     Sink
	Bus      eventbus.Bus
	Metrics  *metrics.Collector
	Logger   logx.Logger
	Now      func() time.Time
}

type Resolver struct {
	adapters map[string]backend.Adapter
	accts    *accounts.Store
	settings *settings.Store
	gov      Governor
	cache    *cache.Cache
	sink     Sink
	bus      eventbus.Bus
	metrics  *metrics.Collector
	log      logx.Logger
	now      func() time.Time

	inflight sync.Map // account key -> struct{}
}

func New(d Deps) *Resolver {
	r := &Resolver{
		adapters: make(map[string]backend.Adapter, len(d.Adapters)),
		accts:    d.Accounts,
		settings: d.Settings,
		gov:      d.Governor,
		cache:    d.Cache,
		sink:     d.Sink,
		bus:      d.Bus,
		metrics:  d.Metrics,
		log:      d.Logger.Component("resolver"),
		now:      d.Now,
	}
	for _, a := range d.Adapters {
		r.adapters[a.Name()] = a
	}
	if r.bus == nil {
		r.bus = eventbus.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Order returns the backend order a cycle for acct would use. An empty
// result means the account is disabled.
func (r *Resolver) Order(acct accounts.Account) []string {
	if acct.Backends != nil {
		return acct.Backends
	}
	return r.settings.Get().Backends
}

// Resolve runs one cycle for handle.
func (r *Resolver) Resolve(ctx context.Context, handle string, opts Options) (Outcome, error) {
	key := accounts.Key(handle)
	acct, ok := r.accts.Get(key)
	if !ok {
		return Outcome{Handle: handle}, fmt.Errorf("@%s: %w", backend.NormalizeHandle(handle), accounts.ErrNotFound)
	}
	out := Outcome{CheckID: uuid.NewString(), Handle: acct.Handle, Account: acct}
	if acct.Disabled() {
		out.Kind = OutcomeDisabled
		r.metrics.Check(string(OutcomeDisabled))
		return out, backend.ErrAccountDisabled
	}
	if _, busy := r.inflight.LoadOrStore(key, struct{}{}); busy {
		return out, fmt.Errorf("@%s: %w", acct.Handle, ErrInFlight)
	}
	defer r.inflight.Delete(key)

	log := r.log.With(logx.String("handle", acct.Handle), logx.String("check_id", out.CheckID))
	cfg := r.settings.Get()
	audit := opts.Audit || cfg.Audit

	if opts.BypassCache && r.cache != nil {
		if err := r.cache.InvalidateAccount(ctx, acct.Handle, backend.Known); err != nil {
			log.Debug("cache bypass failed", logx.Err(err))
		}
	}

	floor := floorRef(acct)
	out.Attempts = r.run(ctx, log, acct, r.Order(acct), floor, audit)
	if err := ctx.Err(); err != nil {
		return out, err
	}

	win := reconcile(out.Attempts)
	switch {
	case win == nil && onlyLimited(out.Attempts):
		out.Kind = OutcomeLimited
	case win == nil:
		out.Kind = OutcomeFailed
	case floor.ID == "" || acct.FirstCheck:
		out.Kind = OutcomeBaseline
	case item.Newer(crossComparator(win.Result, floor), refOf(win.Result), floor):
		out.Kind = OutcomeNew
	default:
		out.Kind = OutcomeNoChange
	}
	if win != nil {
		out.ID = win.Result.ID
		out.Item = win.Result.Item
		out.Backend = win.Backend
	}
	if out.Kind == OutcomeNew && out.Item == nil {
		out.Item = &item.Item{ID: out.ID, Handle: acct.Handle, URL: item.PostURL(acct.Handle, out.ID)}
	}

	if opts.DryRun {
		return out, nil
	}
	updated, err := r.accts.Update(ctx, key, func(a *accounts.Account) error {
		r.apply(a, out)
		return nil
	})
	if err != nil {
		log.Error("account update failed", logx.String("outcome", string(out.Kind)), logx.Err(err))
		return out, err
	}
	out.Account = updated

	if out.Kind == OutcomeNew && r.sink != nil {
		if err := r.sink.NotifyNewItem(ctx, acct.Handle, out.Item); err != nil {
			log.Warn("notify failed", logx.String("id", out.ID), logx.Err(err))
		} else {
			out.Notified = true
		}
	}
	r.report(log, out)
	return out, nil
}

// run walks order sequentially. After a backend proves an item newer than
// the floor the rest are left pending unless audit is set.
func (r *Resolver) run(ctx context.Context, log logx.Logger, acct accounts.Account, order []string, floor item.Ref, audit bool) []Attempt {
	attempts := newAttempts(order)
	for i := range attempts {
		at := &attempts[i]
		if ctx.Err() != nil {
			break
		}
		ad, ok := r.adapters[at.Backend]
		if !ok {
			at.skip("not configured", nil)
			continue
		}
		if r.gov != nil && !r.gov.IsAvailable(at.Backend) {
			at.skip("rate limited", nil)
			r.metrics.BackendAttempt(at.Backend, at.State.String(), "rate_limited", 0)
			continue
		}

		at.State = Tried
		start := r.now()
		res, err := fetch(ctx, log, ad, acct.Handle, floor.ID)
		if err == nil && res.ID == "" {
			err = fmt.Errorf("%s returned no id: %w", at.Backend, backend.ErrNoItem)
		}
		at.finish(res, err, r.now().Sub(start))

		if rl, limited := backend.AsRateLimited(err); limited && r.gov != nil {
			r.gov.MarkLimited(at.Backend, rl.ResetAt)
		}
		if errors.Is(err, backend.ErrUnavailable) {
			at.skip("unavailable", err)
		}
		r.metrics.BackendAttempt(at.Backend, at.State.String(), at.Kind(), at.Duration)

		if at.State != Succeeded {
			if ctx.Err() == nil {
				log.Debug("backend attempt failed", logx.String("backend", at.Backend), logx.String("kind", at.Kind()), logx.Err(err))
			}
			continue
		}
		if !audit && res.Item != nil && item.Newer(ad.Comparator(), res.Item.Ref(), floor) {
			break
		}
	}
	return attempts
}

// fetch turns an adapter panic into a failed attempt so the remaining
// backends still run.
func fetch(ctx context.Context, log logx.Logger, ad backend.Adapter, handle, floor string) (res backend.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("backend panic recovered", logx.String("backend", ad.Name()), logx.Any("panic", p), logx.Stack(logx.StackTrace(3, 32)))
			res, err = backend.Result{}, fmt.Errorf("%s: panic: %v", ad.Name(), p)
		}
	}()
	return ad.Fetch(ctx, handle, floor)
}

// apply folds the outcome into the account's counters and state.
func (r *Resolver) apply(a *accounts.Account, out Outcome) {
	now := r.now()
	switch out.Kind {
	case OutcomeFailed:
		a.RecordFailure(now)
		return
	case OutcomeLimited:
		a.CheckCount++
		a.LastCheckAt = now
		return
	}
	a.RecordSuccess(now)
	for _, at := range out.Attempts {
		if at.Result.UserID != "" {
			a.UserID = at.Result.UserID
		}
	}
	if out.Kind == OutcomeBaseline || out.Kind == OutcomeNew {
		a.LastItemID = out.ID
		a.FirstCheck = false
		a.LastBackend = out.Backend
		if out.Item != nil {
			a.Summary = accounts.SummaryOf(out.Item)
		}
	}
}

func (r *Resolver) report(log logx.Logger, out Outcome) {
	r.metrics.Check(string(out.Kind))
	fields := []logx.Field{
		logx.String("outcome", string(out.Kind)),
		logx.String("id", out.ID),
		logx.String("backend", out.Backend),
		logx.Int("fails", out.Account.FailCount),
	}
	switch out.Kind {
	case OutcomeNew:
		log.Info("new item", fields...)
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeNewItem, Time: r.now(), Data: out})
	case OutcomeBaseline:
		log.Info("baseline recorded", fields...)
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeBaseline, Time: r.now(), Data: out})
	case OutcomeFailed:
		log.Warn("all backends failed", append(fields, logx.String("attempts", summarize(out.Attempts)))...)
	default:
		log.Debug("check done", fields...)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeCheckDone, Time: r.now(), Data: out})
}

func floorRef(a accounts.Account) item.Ref {
	ref := item.Ref{ID: a.LastItemID}
	if a.Summary != nil {
		ref.CreatedAt = a.Summary.CreatedAt
	}
	return ref
}

func onlyLimited(attempts []Attempt) bool {
	limited := false
	for _, at := range attempts {
		switch {
		case at.State == Skipped && at.Reason == "rate limited":
			limited = true
		case backend.Kind(at.Err) == "rate_limited":
			limited = true
		case at.State == Failed:
			return false
		}
	}
	return limited
}

func summarize(attempts []Attempt) string {
	s := ""
	for i, at := range attempts {
		if i > 0 {
			s += " "
		}
		s += at.Backend + "=" + at.State.String()
		if at.State != Succeeded && at.State != Pending {
			s += "/" + at.Kind()
		}
	}
	return s
}
