package task

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval job by a per-name
// jitter so jobs registered together do not fire in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withSpread(every time.Duration, now time.Time, name string) cron.Schedule {
	base := cron.Every(every)
	window := min(every, maxSpread)
	if window <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	first := now.Add(every + time.Duration(rng.Int63n(int64(window))))
	// cron.Every works in whole seconds; round up so later runs stay a
	// full interval apart.
	if r := first.Truncate(time.Second); r.Before(first) {
		first = r.Add(time.Second)
	}
	return &spreadSchedule{base: base, first: first}
}
