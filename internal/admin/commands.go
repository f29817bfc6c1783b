package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"

	"chirpwatch/internal/accounts"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/resolver"
	"chirpwatch/internal/transport/telegram/router"
)

// Subscriptions manages which chats receive new-item notifications.
type Subscriptions interface {
	Subscribe(ctx context.Context, chatID int64) error
	Unsubscribe(ctx context.Context, chatID int64) error
}

var errUsage = errors.New("bad arguments")

// Commands returns the chat command set backed by c. subs may be nil when
// notifications are disabled.
func Commands(c *Controls, subs Subscriptions) []router.Command {
	h := &handlers{c: c, subs: subs}
	cmds := []router.Command{
		{Name: "start", Description: "subscribe this chat to new posts", Handle: h.start},
		{Name: "stop", Description: "unsubscribe this chat", Handle: h.stop},
		{Name: "add", Usage: "/add <handle>", Description: "track an account", Access: router.AccessOwnerOnly, Handle: h.add},
		{Name: "remove", Aliases: []string{"rm"}, Usage: "/remove <handle>", Description: "stop tracking an account", Access: router.AccessOwnerOnly, Handle: h.remove},
		{Name: "list", Description: "tracked accounts", Access: router.AccessOwnerOnly, Handle: h.list},
		{Name: "methods", Usage: "/methods <handle> <api,mirror,direct|default|none>", Description: "per-account backend order", Access: router.AccessOwnerOnly, Handle: h.methods},
		{Name: "order", Usage: "/order <api,mirror,direct|default>", Description: "default backend order", Access: router.AccessOwnerOnly, Handle: h.order},
		{Name: "interval", Usage: "/interval <minutes>", Description: "base check interval", Access: router.AccessOwnerOnly, Handle: h.interval},
		{Name: "enable", Description: "resume monitoring", Access: router.AccessOwnerOnly, Handle: h.toggle(true)},
		{Name: "disable", Description: "pause monitoring", Access: router.AccessOwnerOnly, Handle: h.toggle(false)},
		{Name: "check", Usage: "/check [handle]", Description: "check now, bypassing the cache", Access: router.AccessOwnerOnly, Timeout: 5 * time.Minute, Handle: h.check},
		{Name: "reset", Usage: "/reset <handle>", Description: "forget state and cache for an account", Access: router.AccessOwnerOnly, Handle: h.reset},
		{Name: "clearcache", Description: "drop every cached result", Access: router.AccessOwnerOnly, Handle: h.clearCache},
		{Name: "mirrors", Description: "run a mirror health sweep", Access: router.AccessOwnerOnly, Timeout: time.Minute, Handle: h.mirrors},
		{Name: "status", Description: "monitor status", Access: router.AccessOwnerOnly, Handle: h.status},
		{Name: "audit", Usage: "/audit on|off", Description: "query every backend on each check", Access: router.AccessOwnerOnly, Handle: h.flag("audit", c.SetAudit)},
		{Name: "proxies", Usage: "/proxies on|off", Description: "route backend traffic through the proxy pool", Access: router.AccessOwnerOnly, Handle: h.flag("proxies", c.SetUseProxies)},
	}
	for i := range cmds {
		cmds[i].Handle = withActor(cmds[i].Handle)
	}
	return cmds
}

func withActor(next router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		ctx = WithActor(ctx, Actor{ID: req.FromID, Name: req.Msg.FromUsername, ChatID: req.Chat.ChatID})
		return next(ctx, req)
	}
}

type handlers struct {
	c    *Controls
	subs Subscriptions
}

func (h *handlers) start(ctx context.Context, req *router.Request) error {
	if h.subs == nil {
		return req.Reply(ctx, "notifications are disabled")
	}
	if err := h.subs.Subscribe(ctx, req.Chat.ChatID); err != nil {
		return err
	}
	return req.Reply(ctx, "subscribed. new posts from tracked accounts will show up here. /stop to leave.")
}

func (h *handlers) stop(ctx context.Context, req *router.Request) error {
	if h.subs == nil {
		return req.Reply(ctx, "notifications are disabled")
	}
	if err := h.subs.Unsubscribe(ctx, req.Chat.ChatID); err != nil {
		return err
	}
	return req.Reply(ctx, "unsubscribed")
}

func (h *handlers) add(ctx context.Context, req *router.Request) error {
	handle, err := oneHandle(req.Args)
	if err != nil {
		return err
	}
	a, out, err := h.c.Track(ctx, handle)
	if err != nil {
		return err
	}
	msg := "tracking @" + a.Handle
	switch out.Kind {
	case resolver.OutcomeBaseline, resolver.OutcomeNoChange, resolver.OutcomeNew:
		msg += fmt.Sprintf(", baseline %s via %s", a.LastItemID, out.Backend)
	case "":
	default:
		msg += fmt.Sprintf(" (first check: %s, will retry on the next pass)", out.Kind)
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) remove(ctx context.Context, req *router.Request) error {
	handle, err := oneHandle(req.Args)
	if err != nil {
		return err
	}
	if err := h.c.Untrack(ctx, handle); err != nil {
		return err
	}
	return req.Reply(ctx, "removed @"+backend.NormalizeHandle(handle))
}

func (h *handlers) list(ctx context.Context, req *router.Request) error {
	accts := h.c.accts.List()
	if len(accts) == 0 {
		return req.Reply(ctx, "no accounts tracked. /add <handle> to start.")
	}
	now := h.c.now()
	var b strings.Builder
	fmt.Fprintf(&b, "%s accounts\n", humanize.Comma(int64(len(accts))))
	for _, a := range accts {
		b.WriteString("\n")
		b.WriteString(accountLine(a, now))
	}
	return req.Reply(ctx, b.String())
}

func accountLine(a accounts.Account, now time.Time) string {
	last := "never"
	if !a.LastCheckAt.IsZero() {
		last = humanize.RelTime(a.LastCheckAt, now, "ago", "from now")
	}
	id := a.LastItemID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("@%s [%s] last %s, checked %s, %.0f%% ok (%s checks)",
		a.Handle, backendsLabel(a.Backends), id, last, a.Reliability, humanize.Comma(int64(a.CheckCount)))
}

func backendsLabel(names []string) string {
	switch {
	case names == nil:
		return "default"
	case len(names) == 0:
		return "disabled"
	default:
		return strings.Join(names, ",")
	}
}

func (h *handlers) methods(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return fmt.Errorf("%w: /methods <handle> <api,mirror,direct|default|none>", errUsage)
	}
	names := parseBackends(req.Args[1:])
	a, err := h.c.SetAccountBackends(ctx, req.Args[0], names)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("@%s backends: %s", a.Handle, backendsLabel(a.Backends)))
}

func (h *handlers) order(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "default order: "+strings.Join(h.c.settings.Get().Backends, ","))
	}
	names := parseBackends(req.Args)
	if names != nil && len(names) == 0 {
		return fmt.Errorf("%w: the default order needs at least one backend", errUsage)
	}
	if err := h.c.SetDefaultBackends(ctx, names); err != nil {
		return err
	}
	return req.Reply(ctx, "default order: "+strings.Join(h.c.settings.Get().Backends, ","))
}

// parseBackends reads "api,mirror", "api mirror", "default" (nil) or
// "none" (empty).
func parseBackends(args []string) []string {
	joined := strings.ToLower(strings.Join(args, ","))
	switch joined {
	case "default", "reset":
		return nil
	case "none", "off":
		return []string{}
	}
	out := []string{}
	for _, p := range strings.Split(joined, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *handlers) interval(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "interval: "+h.c.settings.Get().Interval.String())
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return fmt.Errorf("%w: minutes must be a number", errUsage)
	}
	if err := h.c.SetInterval(ctx, n); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("interval set to %d min", n))
}

func (h *handlers) toggle(on bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if err := h.c.SetEnabled(ctx, on); err != nil {
			return err
		}
		if on {
			return req.Reply(ctx, "monitoring enabled")
		}
		return req.Reply(ctx, "monitoring disabled")
	}
}

func (h *handlers) flag(name string, set func(context.Context, bool) error) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) != 1 {
			return fmt.Errorf("%w: /%s on|off", errUsage, name)
		}
		var on bool
		switch strings.ToLower(req.Args[0]) {
		case "on", "true", "1", "yes":
			on = true
		case "off", "false", "0", "no":
		default:
			return fmt.Errorf("%w: /%s on|off", errUsage, name)
		}
		if err := set(ctx, on); err != nil {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("%s %s", name, onOff(on)))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (h *handlers) check(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		if _, err := h.c.ForceCheck(ctx, ""); err != nil {
			return err
		}
		return req.Reply(ctx, "full check started")
	}
	out, err := h.c.ForceCheck(ctx, req.Args[0])
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("@%s: %s", out.Handle, out.Kind)
	if out.ID != "" {
		msg += fmt.Sprintf(" %s via %s", out.ID, out.Backend)
	}
	if out.Notified {
		msg += ", notified"
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) reset(ctx context.Context, req *router.Request) error {
	handle, err := oneHandle(req.Args)
	if err != nil {
		return err
	}
	a, err := h.c.Reset(ctx, handle)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "@"+a.Handle+" reset, next check sets a new baseline")
}

func (h *handlers) clearCache(ctx context.Context, req *router.Request) error {
	if err := h.c.ClearCache(ctx); err != nil {
		return err
	}
	return req.Reply(ctx, "cache cleared")
}

func (h *handlers) mirrors(ctx context.Context, req *router.Request) error {
	active, err := h.c.CheckMirrors(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%d active mirrors\n%s", len(active), strings.Join(active, "\n")))
}

func (h *handlers) status(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, FormatStatus(h.c.Status(ctx), h.c.now()))
}

// FormatStatus renders st for chat.
func FormatStatus(st Status, now time.Time) string {
	var b strings.Builder
	s := st.Settings
	fmt.Fprintf(&b, "monitoring: %s (%s)\n", onOff(s.Enabled), st.Scheduler.State)
	fmt.Fprintf(&b, "interval: %s, parallel: %d\n", s.Interval, s.ParallelChecks)
	fmt.Fprintf(&b, "backends: %s\n", strings.Join(s.Backends, ","))
	fmt.Fprintf(&b, "audit: %s, proxies: %s\n", onOff(s.Audit), onOff(s.UseProxies))
	fmt.Fprintf(&b, "accounts: %s (%d disabled)\n", humanize.Comma(int64(st.Accounts)), st.Disabled)
	if !st.Scheduler.NextAt.IsZero() {
		fmt.Fprintf(&b, "next pass: %s\n", humanize.RelTime(st.Scheduler.NextAt, now, "ago", "from now"))
	}
	if lp := st.Scheduler.LastPass; lp != nil {
		fmt.Fprintf(&b, "last pass: %s, %d checked, %d errors, took %s\n",
			humanize.RelTime(lp.Started, now, "ago", "from now"), lp.Checked, lp.Errors, lp.Took.Round(time.Millisecond))
	}
	if st.MirrorsTotal > 0 {
		fmt.Fprintf(&b, "mirrors: %d/%d healthy\n", st.MirrorsHealthy, st.MirrorsTotal)
	}
	for _, name := range backend.Known {
		ls, ok := st.Limits[name]
		if ok && ls.Limited {
			fmt.Fprintf(&b, "%s: rate limited until %s\n", name, humanize.RelTime(ls.ResetAt, now, "ago", "from now"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneHandle(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: expected one handle", errUsage)
	}
	h := backend.NormalizeHandle(args[0])
	if !backend.ValidHandle(h) {
		return "", fmt.Errorf("%q: %w", args[0], accounts.ErrInvalidHandle)
	}
	return h, nil
}
