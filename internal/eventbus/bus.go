// Package eventbus is an in-memory fanout of lifecycle events (checks,
// new items, rate limits, mirror health). Publish never blocks; slow
// subscribers lose events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeCheckDone      = "check.done"
	TypeNewItem        = "item.new"
	TypeBaseline       = "item.baseline"
	TypeBackendLimited = "backend.limited"
	TypeMirrorHealth   = "mirror.health"
	TypePassDone       = "scheduler.pass"
	TypeSettings       = "settings.changed"
	TypeNotifyFailed   = "notify.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus without background goroutines.
func New() Bus { return &memBus{subs: map[uint64]*sub{}} }

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type sub struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	drops  atomic.Uint64
}

func (s *sub) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.drops.Add(1)
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
