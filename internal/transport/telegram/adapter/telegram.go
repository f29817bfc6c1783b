package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chirpwatch/internal/runtime/supervisor"
	kit "chirpwatch/internal/transport"
	logx "chirpwatch/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Message
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log.Component("telegram"), bot: b}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)

	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.forward(kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		})
		return nil
	})
	return a, nil
}

func (a *Adapter) forward(m kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// Start blocks until Stop; it can also return on its own, so keep it
	// under restart.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithRestartOnCleanExit())
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	wasRunning := a.running
	a.sup, a.running = nil, false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop()

	// Long polling can hold getUpdates open; never block shutdown on it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(dl))
	}
	wctx, cancel := context.WithTimeout(ctx, max(grace, 0))
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var first kit.MessageRef
	for i, chunk := range SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, chunk, sendOptions(to, opt))
		if err != nil {
			return first, mapErr(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, url, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	p := &tele.Photo{File: tele.FromURL(url), Caption: kit.TrimRunes(caption, kit.CaptionLimit)}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, p, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, mapErr(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: kit.TrimRunes(d, 256)})
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		if len(list) == 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	return so
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup):
		return fmt.Errorf("%w: %v", kit.ErrUnreachable, err)
	}
	return err
}

// SplitText breaks s into chunks of at most limit runes, preferring line
// boundaries.
func SplitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
