package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRenderAlertSortsFields(t *testing.T) {
	t.Parallel()

	got := renderAlert([]byte(`{"level":"warn","message":"mirror down","time":"x","url":"https://m.example","comp":"mirror"}`))
	want := "[WARN] mirror down\n- comp=mirror\n- url=https://m.example"
	if got != want {
		t.Fatalf("renderAlert=%q want %q", got, want)
	}
}

func TestRenderAlertNonJSON(t *testing.T) {
	t.Parallel()

	if got := renderAlert([]byte("  plain line \n")); got != "plain line" {
		t.Fatalf("renderAlert=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghijklmnop", 12, "abcdefghi..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Fatalf("Truncate(%q,%d)=%q want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestServiceForwardsWarnings(t *testing.T) {
	t.Parallel()

	svc, log := New(Config{Level: "debug", Console: false, Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 4)
	svc.SetAlert(func(ctx context.Context, text string) error {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	log.Info("ignored")
	log.Warn("backend limited", String("backend", "api"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !strings.Contains(got[0], "backend limited") || !strings.Contains(got[0], "backend=api") {
		t.Fatalf("alerts=%q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if ParseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatalf("warning should map to warn")
	}
	if ParseLevel("nope", LevelError) != LevelError {
		t.Fatalf("unknown should fall back")
	}
}
