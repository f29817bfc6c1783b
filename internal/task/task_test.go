package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "chirpwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "1h", every: time.Hour},
		{in: "02:30", every: 2*time.Hour + 30*time.Minute},
		{in: "every: 15m", every: 15 * time.Minute},
		{in: "interval:00:05", every: 5 * time.Minute},
		{in: "*/5 * * * *", cron: "*/5 * * * *"},
		{in: "@hourly", cron: "@hourly"},
		{in: "cron: 0 3 * * *", cron: "0 3 * * *"},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseSchedule(%q) err=%v", tt.in, err)
		}
		if tt.wantErr {
			continue
		}
		if got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q)=%+v", tt.in, got)
		}
	}

	if err := Validate("61 * * * *"); err == nil {
		t.Fatalf("Validate should reject minute 61")
	}
	if err := Validate("@every 10m"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	for _, now := range []time.Time{
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 12, 0, 0, 734_000_123, time.UTC),
	} {
		for _, name := range []string{"mirror.health", "governor.persist", "a", "b"} {
			s := withSpread(time.Minute, now, name)

			first := s.Next(now)
			if first.Before(now.Add(time.Minute)) || first.After(now.Add(time.Minute+maxSpread+time.Second)) {
				t.Fatalf("%s: first=%s now=%s", name, first, now)
			}
			if first.Nanosecond() != 0 {
				t.Fatalf("%s: first run %s not on a whole second", name, first)
			}
			if next := s.Next(first); next.Sub(first) != time.Minute {
				t.Fatalf("%s: second run %s after first", name, next.Sub(first))
			}
		}
	}
}

func TestRunnerRunNow(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	var n atomic.Int32
	boom := errors.New("boom")
	if err := r.Add("count", "1h", time.Second, func(ctx context.Context) error {
		if n.Add(1) == 2 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add("bad", "61 * * * *", 0, nil); err == nil {
		t.Fatalf("Add should reject invalid cron")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop(context.Background())

	if err := r.RunNow("count"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := r.RunNow("count"); !errors.Is(err, boom) {
		t.Fatalf("RunNow err=%v", err)
	}
	if err := r.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunNow missing err=%v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 2 || snap[0].LastErr != "boom" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestRunnerSkipsOverlap(t *testing.T) {
	t.Parallel()
	r := NewRunner(logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	_ = r.Add("slow", "1h", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- r.RunNow("slow") }()
	<-started
	if err := r.RunNow("slow"); err != nil {
		t.Fatalf("overlapping RunNow: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	if s := r.Snapshot()[0]; s.Runs != 1 || s.Skipped != 1 {
		t.Fatalf("snapshot=%+v", s)
	}
}
