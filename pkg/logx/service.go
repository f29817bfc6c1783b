package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards log lines at or above MinLevel to an operator chat.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertFunc delivers one rendered log line. It is called from a single
// worker goroutine, never from the logging call site.
type AlertFunc func(ctx context.Context, text string) error

// Service owns the live sinks. Apply swaps them at runtime.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Pointer[zerolog.Logger]
	file *os.File

	alert    AlertFunc
	queue    chan string
	minLevel zerolog.Level
	limiter  *rate.Limiter

	workerOnce sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds the service, applies cfg and returns the live root logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{queue: make(chan string, 128)}
	boot := zerolog.New(consoleWriter(Stdout())).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlert installs the alert delivery func. Passing nil disables delivery.
func (s *Service) SetAlert(fn AlertFunc) {
	s.mu.Lock()
	s.alert = fn
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the writer set and level. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	s.minLevel = ParseLevel(cfg.Alert.MinLevel, LevelWarn)
	rps := cfg.Alert.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./chirpwatch.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alert.Enabled {
		s.workerOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.alertWorker(ctx)
			}()
		})
		writers = append(writers, alertWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.queue:
			s.mu.Lock()
			fn := s.alert
			s.mu.Unlock()
			if fn != nil {
				_ = fn(ctx, text)
			}
		}
	}
}

type alertWriter struct{ svc *Service }

func (w alertWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.InfoLevel, p) }

func (w alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	ok := s.alert != nil && level >= s.minLevel && s.limiter != nil && s.limiter.Allow()
	s.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	msg := renderAlert(p)
	if msg == "" {
		return len(p), nil
	}
	// Logging never blocks on the alert channel.
	select {
	case s.queue <- msg:
	default:
	}
	return len(p), nil
}

// renderAlert turns one zerolog JSON line into a compact chat message.
func renderAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return Truncate(strings.TrimSpace(string(p)), 3500)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=" + Truncate(fmt.Sprint(m[k]), limit))
	}
	return Truncate(b.String(), 3500)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

// Truncate cuts s to at most maxN bytes, marking the cut with "...".
func Truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
