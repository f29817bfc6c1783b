package admin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chirpwatch/internal/accounts"
	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/config"
	"chirpwatch/internal/governor"
	"chirpwatch/internal/item"
	"chirpwatch/internal/resolver"
	"chirpwatch/internal/scheduler"
	"chirpwatch/internal/settings"
	"chirpwatch/internal/storage"
	kit "chirpwatch/internal/transport"
	"chirpwatch/internal/transport/telegram/router"
	logx "chirpwatch/pkg/logx"
)

type fakeChecker struct {
	mu       sync.Mutex
	triggers int
	checked  []string
}

func (f *fakeChecker) Trigger() {
	f.mu.Lock()
	f.triggers++
	f.mu.Unlock()
}

func (f *fakeChecker) CheckNow(_ context.Context, h string) (resolver.Outcome, error) {
	f.mu.Lock()
	f.checked = append(f.checked, h)
	f.mu.Unlock()
	return resolver.Outcome{Handle: h, Kind: resolver.OutcomeNew, ID: "200", Backend: backend.API, Notified: true}, nil
}

func (f *fakeChecker) Status() scheduler.Status {
	return scheduler.Status{State: scheduler.StateWaiting}
}

type fakeResolver struct {
	mu   sync.Mutex
	opts []resolver.Options
	err  error
}

func (f *fakeResolver) Resolve(_ context.Context, h string, opts resolver.Options) (resolver.Outcome, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.err != nil {
		return resolver.Outcome{}, f.err
	}
	return resolver.Outcome{
		Handle:  h,
		Kind:    resolver.OutcomeBaseline,
		ID:      "100",
		Backend: backend.Mirror,
		Account: accounts.Account{Handle: h, LastItemID: "100"},
	}, nil
}

type auditStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (s *auditStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *auditStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	c     *Controls
	accts *accounts.Store
	cache *cache.Cache
	sched *fakeChecker
	res   *fakeResolver
	store *auditStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := &auditStore{Store: storage.NewMemory()}
	accts := accounts.NewStore(st, logx.Nop())
	set := settings.NewStore(config.MonitorConfig{Backends: []string{backend.Mirror, backend.API}}, st, nil, logx.Nop())
	ch := cache.New(cache.NewMemory(), cache.Options{}, logx.Nop())
	h := &harness{accts: accts, cache: ch, sched: &fakeChecker{}, res: &fakeResolver{}, store: st}
	h.c = New(Deps{
		Settings:  set,
		Accounts:  accts,
		Cache:     ch,
		Governor:  governor.New(),
		Scheduler: h.sched,
		Resolver:  h.res,
		Store:     st,
		Logger:    logx.Nop(),
	})
	return h
}

func TestSetAccountBackendsTriState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.accts.Add(ctx, "alice")
	require.NoError(t, err)

	a, err := h.c.SetAccountBackends(ctx, "alice", []string{"nitter", "api"})
	require.NoError(t, err)
	require.Equal(t, []string{backend.Mirror, backend.API}, a.Backends)

	_, err = h.c.SetAccountBackends(ctx, "alice", []string{"carrier-pigeon"})
	require.Error(t, err)
	got, _ := h.accts.Get("alice")
	require.Equal(t, []string{backend.Mirror, backend.API}, got.Backends, "failed update must not change state")

	a, err = h.c.SetAccountBackends(ctx, "alice", []string{})
	require.NoError(t, err)
	require.True(t, a.Disabled())

	a, err = h.c.SetAccountBackends(ctx, "alice", nil)
	require.NoError(t, err)
	require.Nil(t, a.Backends)
	require.False(t, a.Disabled())

	_, err = h.c.SetAccountBackends(ctx, "ghost", nil)
	require.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestSetIntervalBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	for _, n := range []int{0, -5, 1441} {
		require.ErrorIs(t, h.c.SetInterval(ctx, n), settings.ErrIntervalRange, "minutes=%d", n)
	}
	require.NoError(t, h.c.SetInterval(ctx, 1440))
	require.NoError(t, h.c.SetInterval(ctx, 30))
	require.Equal(t, 30*time.Minute, h.c.settings.Get().Interval)
}

func TestTrackProbesAndUntrackPurgesCache(t *testing.T) {
	t.Parallel()
	ctx := WithActor(context.Background(), Actor{ID: 7, Name: "op"})
	h := newHarness(t)

	a, out, err := h.c.Track(ctx, "@Alice")
	require.NoError(t, err)
	require.Equal(t, resolver.OutcomeBaseline, out.Kind)
	require.Equal(t, "100", a.LastItemID)
	require.Len(t, h.res.opts, 1)
	require.True(t, h.res.opts[0].BypassCache)

	_, _, err = h.c.Track(ctx, "alice")
	require.ErrorIs(t, err, accounts.ErrExists)

	require.NoError(t, h.cache.Put(ctx, cache.Items, cache.ItemKey(backend.Mirror, "alice"), &item.Item{ID: "100"}, cache.PutOptions{}))
	require.NoError(t, h.c.Untrack(ctx, "alice"))
	_, ok := h.cache.GetItem(ctx, backend.Mirror, "alice", time.Hour)
	require.False(t, ok)
	require.Equal(t, 0, h.accts.Len())

	require.Equal(t, []string{"track", "track", "untrack"}, h.store.actions())
	require.Equal(t, int64(7), h.store.entries[0].ActorID)
	require.False(t, h.store.entries[1].OK)
}

func TestTrackKeepsAccountWhenProbeFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.res.err = errors.New("all backends down")
	a, _, err := h.c.Track(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", a.Handle)
	require.Equal(t, 1, h.accts.Len())
}

func TestForceCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.c.ForceCheck(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.sched.triggers)

	out, err := h.c.ForceCheck(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, resolver.OutcomeNew, out.Kind)
	require.Equal(t, []string{"alice"}, h.sched.checked)
}

func TestResetKeepsOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.accts.Add(ctx, "alice")
	require.NoError(t, err)
	_, err = h.accts.Update(ctx, "alice", func(a *accounts.Account) error {
		a.LastItemID = "500"
		a.FirstCheck = false
		a.Backends = []string{backend.API}
		return nil
	})
	require.NoError(t, err)

	a, err := h.c.Reset(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, a.LastItemID)
	require.True(t, a.FirstCheck)
	require.Equal(t, []string{backend.API}, a.Backends)
}

func TestParseBackends(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   []string
		want []string
	}{
		{[]string{"default"}, nil},
		{[]string{"none"}, []string{}},
		{[]string{"api,mirror"}, []string{"api", "mirror"}},
		{[]string{"API", "direct"}, []string{"api", "direct"}},
	}
	for _, tc := range cases {
		got := parseBackends(tc.in)
		if (got == nil) != (tc.want == nil) || strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Fatalf("parseBackends(%v)=%#v want %#v", tc.in, got, tc.want)
		}
	}
}

type replies struct {
	mu   sync.Mutex
	text []string
}

func (r *replies) Start(context.Context, chan<- kit.Message) error { return nil }
func (r *replies) Stop(context.Context) error                      { return nil }

func (r *replies) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.text = append(r.text, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *replies) SendPhoto(ctx context.Context, to kit.ChatTarget, _, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.SendText(ctx, to, caption, opt)
}

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.text) == 0 {
		return ""
	}
	return r.text[len(r.text)-1]
}

type subs struct{ chats map[int64]bool }

func (s *subs) Subscribe(_ context.Context, id int64) error   { s.chats[id] = true; return nil }
func (s *subs) Unsubscribe(_ context.Context, id int64) error { delete(s.chats, id); return nil }

func TestCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sb := &subs{chats: map[int64]bool{}}
	byName := map[string]router.Command{}
	for _, c := range Commands(h.c, sb) {
		byName[c.Name] = c
	}
	out := &replies{}
	run := func(name string, args ...string) (string, error) {
		req := &router.Request{
			Chat:    kit.ChatTarget{ChatID: 42},
			FromID:  1,
			Command: name,
			Args:    args,
			Adapter: out,
			Logger:  logx.Nop(),
		}
		err := byName[name].Handle(context.Background(), req)
		return out.last(), err
	}

	reply, err := run("start")
	require.NoError(t, err)
	require.Contains(t, reply, "subscribed")
	require.True(t, sb.chats[42])

	reply, err = run("add", "alice")
	require.NoError(t, err)
	require.Equal(t, "tracking @alice, baseline 100 via mirror", reply)

	_, err = run("add")
	require.ErrorIs(t, err, errUsage)
	_, err = run("add", "not a handle!")
	require.ErrorIs(t, err, accounts.ErrInvalidHandle)

	reply, err = run("methods", "alice", "none")
	require.NoError(t, err)
	require.Equal(t, "@alice backends: disabled", reply)

	reply, err = run("list")
	require.NoError(t, err)
	require.Contains(t, reply, "1 accounts")
	require.Contains(t, reply, "@alice [disabled]")

	reply, err = run("order", "api,direct")
	require.NoError(t, err)
	require.Equal(t, "default order: api,direct", reply)

	_, err = run("interval", "abc")
	require.ErrorIs(t, err, errUsage)
	reply, err = run("interval", "15")
	require.NoError(t, err)
	require.Equal(t, "interval set to 15 min", reply)

	reply, err = run("audit", "on")
	require.NoError(t, err)
	require.Equal(t, "audit on", reply)
	require.True(t, h.c.settings.Get().Audit)

	reply, err = run("check", "alice")
	require.NoError(t, err)
	require.Equal(t, "@alice: new 200 via api, notified", reply)

	reply, err = run("disable")
	require.NoError(t, err)
	require.Equal(t, "monitoring disabled", reply)

	reply, err = run("status")
	require.NoError(t, err)
	require.Contains(t, reply, "monitoring: off (waiting)")
	require.Contains(t, reply, "interval: 15m0s")
	require.Contains(t, reply, "accounts: 1 (1 disabled)")

	_, err = run("mirrors")
	require.Error(t, err)

	reply, err = run("stop")
	require.NoError(t, err)
	require.Equal(t, "unsubscribed", reply)
	require.False(t, sb.chats[42])

	// Every handler call records an actor.
	for _, e := range h.store.entries {
		require.Equal(t, int64(1), e.ActorID)
		require.Equal(t, int64(42), e.ChatID)
	}
}

func TestFormatStatusLimits(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	st := Status{
		Settings:       settings.Settings{Enabled: true, Interval: 10 * time.Minute, Backends: []string{"api"}},
		Scheduler:      scheduler.Status{State: scheduler.StateIdle},
		Accounts:       1200,
		Limits:         map[string]governor.State{backend.API: {Limited: true, ResetAt: now.Add(15 * time.Minute)}},
		MirrorsHealthy: 2,
		MirrorsTotal:   5,
	}
	s := FormatStatus(st, now)
	require.Contains(t, s, "accounts: 1,200 (0 disabled)")
	require.Contains(t, s, "mirrors: 2/5 healthy")
	require.Contains(t, s, "api: rate limited until 15 minutes from now")
}
