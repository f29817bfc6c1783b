package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsPanicAsError(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected panic error")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Panics != 1 || snap[0].Active != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestGoRestartRetriesUntilLimit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("fail")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected final error")
	}
	if got := runs.Load(); got != 4 {
		t.Fatalf("runs=%d want 4", got)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	started := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop err=%v", err)
	}
}
