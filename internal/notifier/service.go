package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chirpwatch/internal/eventbus"
	"chirpwatch/internal/item"
	"chirpwatch/internal/metrics"
	rtsup "chirpwatch/internal/runtime/supervisor"
	"chirpwatch/internal/storage"
	kit "chirpwatch/internal/transport"
	logx "chirpwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	handle string
	id     string
	msg    Message
	chats  []int64
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service fans new items out to every subscriber through a queue, a
// worker pool, a shared send rate limit, per-send retry and a dedup window
// that survives restarts.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup

	adapter kit.Adapter
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Collector
	log     logx.Logger

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. A nil adapter runs headless: messages are logged
// instead of sent.
func New(cfg Config, adapter kit.Adapter, store storage.Store, bus eventbus.Bus, m *metrics.Collector, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		adapter: adapter,
		store:   store,
		bus:     bus,
		metrics: m,
		log:     log.Component("notifier"),
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.SendPause = max(cfg.SendPause, 0)
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q := s.queue

	if s.store != nil && s.cfg.DedupWindow > 0 {
		s.persistCh = make(chan dedupWrite, 256)
		pch := s.persistCh
		s.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return nil
		})
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
}

// Stop refuses new items and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.persistCh, s.sup = nil, nil, nil
		s.mu.Unlock()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// NotifyNewItem queues it for every subscriber. It returns once queued.
func (s *Service) NotifyNewItem(ctx context.Context, handle string, it *item.Item) error {
	if it == nil || it.ID == "" {
		return errors.New("notify: empty item")
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("notifications disabled, item not sent", logx.String("handle", handle), logx.String("id", it.ID))
		return nil
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := handle + "|" + it.ID
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg.DedupWindow) {
		s.metrics.Notification("deduped")
		s.log.Debug("duplicate notification suppressed", logx.String("handle", handle), logx.String("id", it.ID))
		return nil
	}

	msg := Render(handle, it)
	if s.adapter == nil {
		s.log.Info("new item", logx.String("handle", handle), logx.String("id", it.ID), logx.String("text", logx.Truncate(msg.Text, 200)))
		return nil
	}
	chats, err := s.Subscribers(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(chats) == 0 {
		s.log.Info("no subscribers, item not sent", logx.String("handle", handle), logx.String("id", it.ID))
		return nil
	}

	select {
	case q <- job{handle: handle, id: it.ID, msg: msg, chats: chats}:
		return nil
	default:
		s.metrics.Notification("dropped")
		return ErrQueueFull
	}
}

func (s *Service) Subscribers(ctx context.Context) ([]int64, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSubscribers(ctx)
}

func (s *Service) Subscribe(ctx context.Context, chatID int64) error {
	if s.store == nil {
		return errors.New("no storage configured")
	}
	return s.store.AddSubscriber(ctx, chatID)
}

func (s *Service) Unsubscribe(ctx context.Context, chatID int64) error {
	if s.store == nil {
		return errors.New("no storage configured")
	}
	return s.store.RemoveSubscriber(ctx, chatID)
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	pause := s.cfg.SendPause
	s.mu.Unlock()

	h := HistoryItem{At: time.Now(), Handle: j.handle, ID: j.id}
	for i, chat := range j.chats {
		if i > 0 && pause > 0 {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		err := s.sendWithRetry(ctx, kit.ChatTarget{ChatID: chat}, j.msg)
		if err == nil {
			h.Sent++
			s.metrics.Notification("sent")
			continue
		}
		h.Failed++
		s.metrics.Notification("failed")
		if errors.Is(err, kit.ErrUnreachable) && s.store != nil {
			if rerr := s.store.RemoveSubscriber(ctx, chat); rerr == nil {
				s.log.Info("unreachable subscriber removed", logx.Int64("chat_id", chat))
			}
		}
		s.log.Warn("notify failed", logx.String("handle", j.handle), logx.String("id", j.id), logx.Int64("chat_id", chat), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: FailureEvent{Handle: j.handle, ID: j.id, ChatID: chat, Error: err.Error()}})
	}
	s.appendHistory(h)
}

func (s *Service) sendWithRetry(ctx context.Context, to kit.ChatTarget, m Message) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	photo := m.Photo
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		var err error
		if photo != "" {
			_, err = s.adapter.SendPhoto(cctx, to, photo, m.Text, nil)
			if err != nil && !errors.Is(err, kit.ErrUnreachable) {
				// Remote image rejected; the text still carries the link.
				s.log.Debug("photo send failed, falling back to text", logx.Err(err))
				photo = ""
				_, err = s.adapter.SendText(cctx, to, m.Text, nil)
			}
		} else {
			_, err = s.adapter.SendText(cctx, to, m.Text, nil)
		}
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, kit.ErrUnreachable) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dmu.Unlock()

	s.mu.Lock()
	pch := s.persistCh
	s.mu.Unlock()
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}
