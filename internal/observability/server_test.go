package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chirpwatch/internal/config"
	"chirpwatch/internal/metrics"
	logx "chirpwatch/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	m.SetAccounts(3)
	s := New(Config{}, m, nil, logx.Nop())
	h := s.Handler(Config{})

	code, body := get(t, h, "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(body, "chirpwatch_") {
		t.Fatalf("/metrics code=%d", code)
	}
	code, body = get(t, h, "/healthz", nil)
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Fatalf("/healthz code=%d body=%s", code, body)
	}
	if code, _ = get(t, h, "/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof should be off, code=%d", code)
	}
	if code, _ = get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("pprof on, code=%d", code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{}, nil, nil, logx.Nop()).Handler(Config{Token: "s3cret"})
	cases := []struct {
		target string
		hdr    map[string]string
		want   int
	}{
		{"/healthz", nil, http.StatusUnauthorized},
		{"/healthz?token=nope", nil, http.StatusUnauthorized},
		{"/healthz?token=s3cret", nil, http.StatusOK},
		{"/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"/healthz", map[string]string{"Authorization": "Bearer other"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if code, _ := get(t, h, tc.target, tc.hdr); code != tc.want {
			t.Fatalf("%s %v: code=%d want %d", tc.target, tc.hdr, code, tc.want)
		}
	}
}

func TestUnhealthy(t *testing.T) {
	t.Parallel()
	health := func(context.Context) (any, error) {
		return map[string]int{"accounts": 2}, errors.New("storage closed")
	}
	h := New(Config{}, nil, health, logx.Nop()).Handler(Config{})
	code, body := get(t, h, "/healthz", nil)
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "storage closed") || !strings.Contains(body, `"accounts":2`) {
		t.Fatalf("code=%d body=%s", code, body)
	}
}

func TestConfigFromAndLoopback(t *testing.T) {
	t.Parallel()
	if c := ConfigFrom(config.HTTPConfig{Enabled: true}); c.Addr != DefaultAddr {
		t.Fatalf("addr=%q", c.Addr)
	}
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v", addr, got)
		}
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, logx.Nop())
	err := s.serveOnce(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	if !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err=%v", err)
	}
}
