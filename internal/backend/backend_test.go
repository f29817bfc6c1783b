package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNormalizeNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      []string
		want    []string
		wantErr bool
	}{
		{nil, nil, false},
		{[]string{}, []string{}, false},
		{[]string{" Nitter", "web", "API"}, []string{Mirror, Direct, API}, false},
		{[]string{"mirror", "nitter"}, nil, true},
		{[]string{"rss"}, nil, true},
	}
	for _, tt := range tests {
		got, err := NormalizeNames(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeNames(%v) err=%v", tt.in, err)
		}
		if tt.wantErr {
			continue
		}
		if (got == nil) != (tt.want == nil) || fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Fatalf("NormalizeNames(%v)=%#v want %#v", tt.in, got, tt.want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{Transient(errors.New("reset")), "transient"},
		{fmt.Errorf("wrapped: %w", &RateLimitedError{Backend: API}), "rate_limited"},
		{Parse("mirror", errors.New("no timeline")), "parse"},
		{fmt.Errorf("id 12: %w", ErrInvalidIdentifier), "invalid_id"},
		{ErrNoItem, "no_item"},
		{ErrAccountDisabled, "disabled"},
		{errors.New("x"), "error"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Fatalf("Kind(%v)=%q want %q", tt.err, got, tt.want)
		}
	}
	if !errors.Is(Transient(errors.New("x")), ErrTransient) {
		t.Fatalf("Transient should match ErrTransient")
	}
}

func TestGetPageStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("hello"))
		case "/limited":
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewHTTPClient(time.Second, nil)

	body, err := GetPage(ctx, c, Direct, srv.URL+"/ok", "", 0)
	if err != nil || string(body) != "hello" {
		t.Fatalf("ok: body=%q err=%v", body, err)
	}
	_, err = GetPage(ctx, c, Direct, srv.URL+"/limited", "", 0)
	rl, ok := AsRateLimited(err)
	if !ok || time.Until(rl.ResetAt) < 100*time.Second {
		t.Fatalf("limited: err=%v", err)
	}
	if _, err := GetPage(ctx, c, Direct, srv.URL+"/down", "", 0); !errors.Is(err, ErrTransient) {
		t.Fatalf("down: err=%v", err)
	}
	if _, err := GetPage(ctx, c, Direct, srv.URL+"/missing", "", 0); err == nil || errors.Is(err, ErrTransient) {
		t.Fatalf("missing: err=%v", err)
	}
}

func TestProxyPool(t *testing.T) {
	t.Parallel()

	on := false
	p, err := NewProxyPool([]string{"10.0.0.1:8080", "", "http://u:p@10.0.0.2:3128"}, func() bool { return on })
	if err != nil || p.Len() != 2 {
		t.Fatalf("pool len=%d err=%v", p.Len(), err)
	}
	if u, _ := p.Proxy(nil); u != nil {
		t.Fatalf("disabled pool should not proxy")
	}
	on = true
	u, _ := p.Proxy(nil)
	if u == nil || u.Scheme != "http" {
		t.Fatalf("proxy=%v", u)
	}
	var nilPool *ProxyPool
	if u, _ := nilPool.Proxy(nil); u != nil {
		t.Fatalf("nil pool should not proxy")
	}
}
