// Package admin holds the operator controls and the owner-only chat
// commands that drive them.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chirpwatch/internal/accounts"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/governor"
	"chirpwatch/internal/resolver"
	"chirpwatch/internal/scheduler"
	"chirpwatch/internal/settings"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 1440
)

// Checker is the slice of the scheduler the controls drive.
type Checker interface {
	Trigger()
	CheckNow(ctx context.Context, handle string) (resolver.Outcome, error)
	Status() scheduler.Status
}

// Resolver runs a check with explicit options; used for the Track probe.
type Resolver interface {
	Resolve(ctx context.Context, handle string, opts resolver.Options) (resolver.Outcome, error)
}

// Mirrors is the mirror backend's health surface. Optional.
type Mirrors interface {
	CheckHealth(ctx context.Context) []string
	Healthy() (healthy, total int)
}

// Actor identifies who changed something, for the audit trail.
type Actor struct {
	ID     int64
	Name   string
	ChatID int64
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

type Deps struct {
	Settings  *settings.Store
	Accounts  *accounts.Store
	Cache     *cache.Cache
	Governor  *governor.Governor
	Scheduler Checker
	Resolver  Resolver
	Mirrors   Mirrors
	Store     storage.Store
	Logger    logx.Logger
}

// Controls is the narrow mutation surface for operators. Every method
// validates first and changes nothing on error.
type Controls struct {
	settings *settings.Store
	accts    *accounts.Store
	cache    *cache.Cache
	gov      *governor.Governor
	sched    Checker
	res      Resolver
	mirrors  Mirrors
	store    storage.Store
	log      logx.Logger
	now      func() time.Time
}

func New(d Deps) *Controls {
	return &Controls{
		settings: d.Settings,
		accts:    d.Accounts,
		cache:    d.Cache,
		gov:      d.Governor,
		sched:    d.Scheduler,
		res:      d.Resolver,
		mirrors:  d.Mirrors,
		store:    d.Store,
		log:      d.Logger.Component("admin"),
		now:      time.Now,
	}
}

func (c *Controls) SetEnabled(ctx context.Context, on bool) error {
	err := c.settings.SetEnabled(ctx, on)
	c.audit(ctx, "set_enabled", "", fmt.Sprint(on), err)
	return err
}

// SetAudit toggles running every backend on each check.
func (c *Controls) SetAudit(ctx context.Context, on bool) error {
	err := c.settings.SetAudit(ctx, on)
	c.audit(ctx, "set_audit", "", fmt.Sprint(on), err)
	return err
}

func (c *Controls) SetUseProxies(ctx context.Context, on bool) error {
	err := c.settings.SetUseProxies(ctx, on)
	c.audit(ctx, "set_use_proxies", "", fmt.Sprint(on), err)
	return err
}

// SetDefaultBackends sets the global order. A nil list restores the
// configured order.
func (c *Controls) SetDefaultBackends(ctx context.Context, names []string) error {
	err := c.settings.SetDefaultBackends(ctx, names)
	c.audit(ctx, "set_default_backends", "", fmt.Sprint(names), err)
	return err
}

// SetAccountBackends overrides the order for one account. A nil list
// resets it to the global default; an empty list disables the account.
func (c *Controls) SetAccountBackends(ctx context.Context, handle string, names []string) (accounts.Account, error) {
	norm, err := backend.NormalizeNames(names)
	if err != nil {
		return accounts.Account{}, err
	}
	a, err := c.accts.Update(ctx, handle, func(a *accounts.Account) error {
		a.Backends = norm
		return nil
	})
	c.audit(ctx, "set_account_backends", handle, fmt.Sprint(names), err)
	return a, err
}

// SetInterval changes the base check interval, in minutes.
func (c *Controls) SetInterval(ctx context.Context, minutes int) error {
	var err error
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		err = fmt.Errorf("%d minutes not in [%d, %d]: %w", minutes, MinIntervalMinutes, MaxIntervalMinutes, settings.ErrIntervalRange)
	} else {
		err = c.settings.SetInterval(ctx, time.Duration(minutes)*time.Minute)
	}
	c.audit(ctx, "set_interval", "", fmt.Sprint(minutes), err)
	return err
}

// ForceCheck checks handle now, bypassing the cache. An empty handle
// wakes the scheduler for a forced pass over every account and returns
// immediately.
func (c *Controls) ForceCheck(ctx context.Context, handle string) (resolver.Outcome, error) {
	if handle == "" {
		c.sched.Trigger()
		c.audit(ctx, "force_check", "*", "", nil)
		return resolver.Outcome{}, nil
	}
	out, err := c.sched.CheckNow(ctx, handle)
	c.audit(ctx, "force_check", handle, string(out.Kind), err)
	return out, err
}

// Track adds handle and probes it once so the baseline is known before
// the next pass. A failed probe keeps the account.
func (c *Controls) Track(ctx context.Context, handle string) (accounts.Account, resolver.Outcome, error) {
	a, err := c.accts.Add(ctx, handle)
	c.audit(ctx, "track", handle, "", err)
	if err != nil {
		return accounts.Account{}, resolver.Outcome{}, err
	}
	out, perr := c.res.Resolve(ctx, a.Handle, resolver.Options{BypassCache: true})
	if perr != nil {
		c.log.Warn("initial probe failed", logx.String("handle", a.Handle), logx.Err(perr))
		return a, out, nil
	}
	return out.Account, out, nil
}

// Untrack deletes handle and everything cached for it.
func (c *Controls) Untrack(ctx context.Context, handle string) error {
	err := c.accts.Delete(ctx, handle)
	if err == nil {
		if cerr := c.cache.InvalidateAccount(ctx, handle, backend.Known); cerr != nil {
			c.log.Warn("cache purge failed", logx.String("handle", handle), logx.Err(cerr))
		}
	}
	c.audit(ctx, "untrack", handle, "", err)
	return err
}

// Reset clears tracking state and cache for handle. The next successful
// check sets a fresh baseline. The backend override is kept.
func (c *Controls) Reset(ctx context.Context, handle string) (accounts.Account, error) {
	a, err := c.accts.Update(ctx, handle, func(a *accounts.Account) error {
		a.Reset()
		return nil
	})
	if err == nil {
		if cerr := c.cache.InvalidateAccount(ctx, handle, backend.Known); cerr != nil {
			c.log.Warn("cache purge failed", logx.String("handle", handle), logx.Err(cerr))
		}
	}
	c.audit(ctx, "reset", handle, "", err)
	return a, err
}

func (c *Controls) ClearCache(ctx context.Context) error {
	err := c.cache.Invalidate(ctx, "", "")
	c.audit(ctx, "clear_cache", "", "", err)
	return err
}

// CheckMirrors runs a health sweep now and returns the active list.
func (c *Controls) CheckMirrors(ctx context.Context) ([]string, error) {
	if c.mirrors == nil {
		return nil, errors.New("mirror backend not configured")
	}
	return c.mirrors.CheckHealth(ctx), nil
}

// Status is a point-in-time operator view.
type Status struct {
	Settings       settings.Settings
	Scheduler      scheduler.Status
	Accounts       int
	Disabled       int
	Limits         map[string]governor.State
	MirrorsHealthy int
	MirrorsTotal   int
}

func (c *Controls) Status(ctx context.Context) Status {
	st := Status{
		Settings:  c.settings.Get(),
		Scheduler: c.sched.Status(),
	}
	for _, a := range c.accts.List() {
		st.Accounts++
		if a.Disabled() {
			st.Disabled++
		}
	}
	if c.gov != nil {
		st.Limits = c.gov.Snapshot()
	}
	if c.mirrors != nil {
		st.MirrorsHealthy, st.MirrorsTotal = c.mirrors.Healthy()
	}
	return st
}

func (c *Controls) audit(ctx context.Context, action, target, meta string, err error) {
	a, _ := actorFrom(ctx)
	e := storage.AuditEntry{
		At:      c.now(),
		ActorID: a.ID,
		Actor:   a.Name,
		ChatID:  a.ChatID,
		Action:  action,
		Target:  target,
		OK:      err == nil,
		Meta:    meta,
	}
	if err != nil {
		e.Error = err.Error()
	}
	c.log.Info("admin action", logx.String("action", action), logx.String("target", target), logx.Int64("actor", a.ID), logx.Bool("ok", e.OK))
	if c.store == nil {
		return
	}
	if aerr := c.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		c.log.Warn("audit write failed", logx.Err(aerr))
	}
}
