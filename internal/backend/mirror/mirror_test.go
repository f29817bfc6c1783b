package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	logx "chirpwatch/pkg/logx"
)

const nonOrganicItems = `
<div class="timeline-item">
  <div class="pinned"><span class="icon-pin"></span> Pinned Tweet</div>
  <a class="tweet-link" href="/alice/status/987654321000001#m"></a>
  <span class="tweet-date"><a href="/alice/status/987654321000001" title="Jan 2, 2026 · 3:04 PM UTC">Jan 2</a></span>
  <div class="tweet-content">pinned post</div>
</div>
<div class="timeline-item">
  <div class="retweet-header"><span class="icon-retweet"></span> alice retweeted</div>
  <a class="tweet-link" href="/bob/status/987654321099999#m"></a>
  <div class="tweet-content">boosted post</div>
</div>`

const organicItems = `
<div class="timeline-item">
  <a class="tweet-link" href="/alice/status/987654321098765#m"></a>
  <span class="tweet-date"><a href="#" title="Mar 1, 2026 · 10:00 AM UTC">Mar 1</a></span>
  <div class="tweet-content"> hello world </div>
  <div class="attachments"><div class="attachment-image"><img src="/pic/media%2Fabc.jpg"></div></div>
  <div class="tweet-stats">
    <span class="tweet-stat"><div class="icon-container"><span class="icon-comment"></span> 3</div></span>
    <span class="tweet-stat"><div class="icon-container"><span class="icon-retweet"></span> 12</div></span>
    <span class="tweet-stat"><div class="icon-container"><span class="icon-heart"></span> 1,234</div></span>
  </div>
</div>
<div class="timeline-item">
  <a class="tweet-link" href="/alice/status/987654321098700#m"></a>
  <span class="tweet-date"><a href="#" title="28 Feb 2026 · 09:00:00 UTC">Feb 28</a></span>
  <div class="tweet-content">older</div>
</div>`

const (
	organicPage  = `<html><body><div class="timeline">` + organicItems + `</div></body></html>`
	timelinePage = `<html><body><div class="timeline">` + nonOrganicItems + organicItems + `</div></body></html>`
)

func mirrorServer(t *testing.T, page string, healthy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/alice", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("r") == "" {
			t.Errorf("missing cache-buster")
		}
		if page == "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/twitter", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			_, _ = w.Write([]byte("rate limited"))
			return
		}
		_, _ = w.Write([]byte("<html>Twitter " + strings.Repeat("x", 2000) + "</html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(instances ...string) *Adapter {
	c := cache.New(cache.NewMemory(), cache.Options{}, logx.Nop())
	return New(Config{Instances: instances, HealthTimeout: 2 * time.Second}, nil, c, nil, logx.Nop())
}

func TestFetchParsesTimeline(t *testing.T) {
	t.Parallel()
	srv := mirrorServer(t, organicPage, true)
	a := newTestAdapter(srv.URL)

	res, err := a.Fetch(context.Background(), "@alice", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	it := res.Item
	if res.ID != "987654321098765" || it == nil {
		t.Fatalf("result=%+v", res)
	}
	if it.Text != "hello world" || it.Likes != 1234 || it.Reposts != 12 {
		t.Fatalf("item=%+v", it)
	}
	if len(it.Media) != 1 || it.Media[0].URL != srv.URL+"/pic/media%2Fabc.jpg" {
		t.Fatalf("media=%+v", it.Media)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !it.CreatedAt.Equal(want) {
		t.Fatalf("created=%s want %s", it.CreatedAt, want)
	}
	if _, ok := a.cache.GetItem(context.Background(), backend.Mirror, "alice", 0); !ok {
		t.Fatalf("fetch should cache the item")
	}
}

func TestFetchFloorSkipsPinnedAndBoosted(t *testing.T) {
	t.Parallel()
	srv := mirrorServer(t, timelinePage, true)
	a := newTestAdapter(srv.URL)

	// The boosted post carries a higher id; with a floor it must be ignored.
	res, err := a.Fetch(context.Background(), "alice", "987654321098765")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.ID != "987654321098765" || res.Item != nil {
		t.Fatalf("expected no change, got %+v", res)
	}

	res, err = a.Fetch(context.Background(), "alice", "987654321098700")
	if err != nil || res.ID != "987654321098765" || res.Item == nil {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestFetchFallsThroughBrokenMirror(t *testing.T) {
	t.Parallel()
	bad := mirrorServer(t, "", false)
	good := mirrorServer(t, organicPage, true)
	a := newTestAdapter(bad.URL, good.URL)

	for i := 0; i < 3; i++ {
		res, err := a.Fetch(context.Background(), "alice", "")
		if err != nil || res.ID != "987654321098765" {
			t.Fatalf("round %d: res=%+v err=%v", i, res, err)
		}
	}
}

func TestFetchSkipsErrorPanelMirror(t *testing.T) {
	t.Parallel()
	limited := mirrorServer(t, `<html><body><div class="error-panel"><span>Instance has been rate limited.</span></div></body></html>`, false)
	good := mirrorServer(t, organicPage, true)

	for i := 0; i < 20; i++ {
		a := newTestAdapter(limited.URL, good.URL)
		res, err := a.Fetch(context.Background(), "alice", "")
		if err != nil || res.ID != "987654321098765" {
			t.Fatalf("round %d: res=%+v err=%v", i, res, err)
		}
	}

	a := newTestAdapter(limited.URL)
	_, err := a.Fetch(context.Background(), "alice", "")
	if !errors.Is(err, backend.ErrTransient) || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err=%v want transient error panel", err)
	}
	if s := a.Pool().Snapshot(); s[0].Failures != 1 {
		t.Fatalf("error panel should count as a failure: %+v", s)
	}
}

func TestFetchNoItemOnlyWhenEveryMirrorAgrees(t *testing.T) {
	t.Parallel()
	empty := `<html><body><div class="timeline-none">No items found</div></body></html>`
	none1 := mirrorServer(t, empty, true)
	none2 := mirrorServer(t, empty, true)

	a := newTestAdapter(none1.URL, none2.URL)
	_, err := a.Fetch(context.Background(), "alice", "")
	if !errors.Is(err, backend.ErrNoItem) {
		t.Fatalf("err=%v want no item", err)
	}
	for _, s := range a.Pool().Snapshot() {
		if s.Failures != 0 {
			t.Fatalf("empty timeline is not a mirror failure: %+v", s)
		}
	}

	good := mirrorServer(t, organicPage, true)
	for i := 0; i < 10; i++ {
		a := newTestAdapter(none1.URL, good.URL)
		res, err := a.Fetch(context.Background(), "alice", "")
		if err != nil || res.ID != "987654321098765" {
			t.Fatalf("round %d: res=%+v err=%v", i, res, err)
		}
	}
}

func TestFetchKeepsCacheHistory(t *testing.T) {
	t.Parallel()
	older := `<html><body><div class="timeline"><div class="timeline-item">
  <a class="tweet-link" href="/alice/status/987654321098700#m"></a>
  <div class="tweet-content">older</div>
</div></div></body></html>`
	var page atomic.Value
	page.Store(older)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv.URL)
	ctx := context.Background()

	if _, err := a.Fetch(ctx, "alice", ""); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	page.Store(organicPage)
	if _, err := a.Fetch(ctx, "alice", ""); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	e, ok := a.cache.Get(ctx, cache.Items, cache.ItemKey(backend.Mirror, "alice"), 0)
	if !ok || e.Item.ID != "987654321098765" {
		t.Fatalf("entry=%+v ok=%v", e, ok)
	}
	if len(e.History) != 1 || e.History[0].Item.ID != "987654321098700" {
		t.Fatalf("history=%+v", e.History)
	}
}

func TestFetchAllMirrorsFail(t *testing.T) {
	t.Parallel()
	bad := mirrorServer(t, "", false)
	a := newTestAdapter(bad.URL)

	_, err := a.Fetch(context.Background(), "alice", "")
	if !errors.Is(err, backend.ErrTransient) {
		t.Fatalf("err=%v want transient", err)
	}
	if s := a.Pool().Snapshot(); s[0].Failures != 1 {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestParseTimelineShapes(t *testing.T) {
	t.Parallel()

	_, err := parseTimeline([]byte(`<div class="timeline-none">No items found</div>`), "", "alice", false)
	if !errors.Is(err, backend.ErrNoItem) {
		t.Fatalf("empty timeline err=%v", err)
	}
	_, err = parseTimeline([]byte(`<html><body>redesigned</body></html>`), "", "alice", false)
	var pe *backend.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("unknown markup err=%v", err)
	}
}

func TestPoolRehabilitation(t *testing.T) {
	t.Parallel()
	p := NewPool([]string{"https://a.example/", "https://b.example"}, 2)

	p.ReportFailure("https://a.example")
	p.ReportFailure("https://a.example")
	if got := p.Pick(3); len(got) != 1 || got[0] != "https://b.example" {
		t.Fatalf("pick=%v", got)
	}
	p.ReportFailure("https://b.example")
	p.ReportFailure("https://b.example")
	if p.HealthyCount() != 0 {
		t.Fatalf("healthy=%d", p.HealthyCount())
	}
	if got := p.Pick(3); len(got) != 2 {
		t.Fatalf("all unhealthy should reset counters, pick=%v", got)
	}
	if p.HealthyCount() != 2 {
		t.Fatalf("healthy after reset=%d", p.HealthyCount())
	}
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()
	good := mirrorServer(t, timelinePage, true)
	bad := mirrorServer(t, timelinePage, false)

	a := newTestAdapter(bad.URL, good.URL)
	healthy := a.CheckHealth(context.Background())
	if len(healthy) != 1 || healthy[0] != good.URL {
		t.Fatalf("healthy=%v", healthy)
	}
	active, at := a.Pool().Active()
	if len(active) != 1 || at.IsZero() {
		t.Fatalf("active=%v at=%s", active, at)
	}

	none := newTestAdapter(bad.URL)
	if got := none.CheckHealth(context.Background()); len(got) != 1 || got[0] != bad.URL {
		t.Fatalf("fallback=%v", got)
	}
}
