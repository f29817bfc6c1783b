// Package router dispatches inbound chat commands to handlers through a
// bounded worker pool with owner checks and middleware.
package router

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "chirpwatch/internal/runtime/supervisor"
	kit "chirpwatch/internal/transport"
	logx "chirpwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one routed command.
type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
	Adapter kit.Adapter
}

// Reply sends text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Router struct {
	adapter kit.Adapter
	log     logx.Logger

	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	owners []int64

	jobs chan func()
	seq  atomic.Uint64
}

func New(adapter kit.Adapter, owners []int64, log logx.Logger) *Router {
	return &Router{
		adapter: adapter,
		log:     log.Component("router"),
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		jobs:    make(chan func(), 128),
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

// Register replaces the command set. A help command is always added.
func (r *Router) Register(ctx context.Context, cmds ...Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "list commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(r.isOwner(req.FromID)))
		},
	})
	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				alias[a] = c
			}
		}
	}
	r.mu.Lock()
	r.cmds, r.alias = byName, alias
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, r.menu()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// Run consumes in until ctx ends or in closes.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			r.route(ctx, m)
		}
	}
}

func (r *Router) route(ctx context.Context, m kit.Message) {
	name, args, ok := ParseCommand(m.Text)
	if !ok {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}

	r.mu.RLock()
	cmd := r.cmds[name]
	if cmd == nil {
		cmd = r.alias[name]
	}
	r.mu.RUnlock()
	if cmd == nil {
		_, _ = r.adapter.SendText(ctx, to, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(m.FromID) {
		_, _ = r.adapter.SendText(ctx, to, "unauthorized", nil)
		return
	}

	rid := strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(r.seq.Add(1), 36)
	req := &Request{
		Msg:     m,
		Chat:    to,
		FromID:  m.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", m.ChatID),
			logx.Int64("from_id", m.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle, Recover(r.log), RequestLog(), Timeout(cmd.Timeout))

	select {
	case r.jobs <- func() {
		if err := final(ctx, req); err != nil {
			_ = req.Reply(ctx, "error: "+err.Error())
		}
	}:
	default:
		_, _ = r.adapter.SendText(ctx, to, "busy, try again", nil)
	}
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

func (r *Router) sorted() []*Command {
	r.mu.RLock()
	out := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseCommand splits "/cmd@bot a b" into name and args. Text that is not
// a command reports false.
func ParseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}
