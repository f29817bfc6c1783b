// Package observability runs the ops HTTP server: Prometheus metrics, a
// health probe and optional pprof endpoints.
package observability

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"chirpwatch/internal/config"
	"chirpwatch/internal/metrics"
	rtsup "chirpwatch/internal/runtime/supervisor"
	logx "chirpwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

var ErrInsecureBind = errors.New("non-loopback addr requires token or allow_insecure")

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	Pprof         bool
	AllowInsecure bool
}

func ConfigFrom(hc config.HTTPConfig) Config {
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	return Config{
		Enabled:       hc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(hc.Token),
		Pprof:         hc.Pprof,
		AllowInsecure: hc.AllowInsecure,
	}
}

// HealthFunc reports component health. A non-nil error turns /healthz
// into a 503.
type HealthFunc func(ctx context.Context) (detail any, err error)

type Server struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	metrics *metrics.Collector
	health  HealthFunc

	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, m *metrics.Collector, health HealthFunc, log logx.Logger) *Server {
	return &Server{cfg: cfg, metrics: m, health: health, log: log.Component("http")}
}

// Handler builds the mux for cfg. Exposed for tests.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	if s.metrics != nil {
		mux.Handle("/metrics", wrap(s.metrics.Handler()))
	}
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.serveHealth)))
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return s.metrics.InstrumentHandler(mux)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		detail, err := s.health(ctx)
		cancel()
		if detail != nil {
			body["detail"] = detail
		}
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Addr is the bound listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or restarting the listener
// as needed. Safe during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. Failures are logged and retried with backoff; the
// ops server never takes the process down.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second), rtsup.WithMaxRestarts(20))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
}

func (s *Server) serveOnce(ctx context.Context, cfg Config) error {
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("ops server refused to start", logx.String("addr", cfg.Addr), logx.Err(ErrInsecureBind))
		return ErrInsecureBind
	}
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("ops server running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
