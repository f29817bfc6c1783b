package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorExposesDomainMetrics(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.BackendAttempt("mirror", "succeeded", "ok", 200*time.Millisecond)
	c.BackendAttempt("api", "skipped", "rate_limited", 0)
	c.Check("new")
	c.Notification("sent")
	c.SetLimited("api", true)
	c.SetAccounts(4)
	c.SetMirrorsHealthy(2)

	h := c.InstrumentHandler(c.Handler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`chirpwatch_backend_attempts_total{backend="mirror",kind="ok",state="succeeded"} 1`,
		`chirpwatch_backend_attempts_total{backend="api",kind="rate_limited",state="skipped"} 1`,
		`chirpwatch_resolver_checks_total{outcome="new"} 1`,
		`chirpwatch_notifier_messages_total{result="sent"} 1`,
		`chirpwatch_governor_limited{backend="api"} 1`,
		`chirpwatch_accounts 4`,
		`chirpwatch_mirror_healthy 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in\n%s", want, body)
		}
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.BackendAttempt("api", "failed", "transient", time.Second)
	c.Check("failed")
	c.PassDone(time.Second)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rr := httptest.NewRecorder()
	c.InstrumentHandler(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
}
