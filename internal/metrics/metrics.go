// Package metrics exposes chirpwatch counters on a private Prometheus
// registry. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chirpwatch"

type Collector struct {
	registry *prometheus.Registry

	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	checks         *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	limited        *prometheus.GaugeVec
	accounts       prometheus.Gauge
	mirrorsHealthy prometheus.Gauge
	passDuration   prometheus.Histogram
	httpTotal      *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "attempts_total",
			Help: "Backend attempts by final state and error kind.",
		}, []string{"backend", "state", "kind"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "backend", Name: "attempt_duration_seconds",
			Help:    "Latency of backend fetches.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"backend"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "checks_total",
			Help: "Account check cycles by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "messages_total",
			Help: "Subscriber deliveries by result.",
		}, []string{"result"}),
		limited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "limited",
			Help: "1 while a backend is rate limited.",
		}, []string{"backend"}),
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "accounts",
			Help: "Tracked accounts.",
		}),
		mirrorsHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mirror", Name: "healthy",
			Help: "Mirrors under the failure threshold.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "pass_duration_seconds",
			Help:    "Duration of a full pass over all accounts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Requests to the ops server.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Latency of ops server requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	for _, m := range []prometheus.Collector{
		c.attempts, c.attemptLatency, c.checks, c.notifications, c.limited,
		c.accounts, c.mirrorsHealthy, c.passDuration, c.httpTotal, c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) BackendAttempt(backend, state, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(backend, state, kind).Inc()
	if d > 0 {
		c.attemptLatency.WithLabelValues(backend).Observe(d.Seconds())
	}
}

func (c *Collector) Check(outcome string) {
	if c == nil {
		return
	}
	c.checks.WithLabelValues(outcome).Inc()
}

func (c *Collector) Notification(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

func (c *Collector) SetLimited(backend string, limited bool) {
	if c == nil {
		return
	}
	v := 0.0
	if limited {
		v = 1
	}
	c.limited.WithLabelValues(backend).Set(v)
}

func (c *Collector) SetAccounts(n int) {
	if c == nil {
		return
	}
	c.accounts.Set(float64(n))
}

func (c *Collector) SetMirrorsHealthy(n int) {
	if c == nil {
		return
	}
	c.mirrorsHealthy.Set(float64(n))
}

func (c *Collector) PassDone(d time.Duration) {
	if c == nil {
		return
	}
	c.passDuration.Observe(d.Seconds())
}

// InstrumentHandler wraps next to record request counts and latency.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		status := strconv.Itoa(rw.status)
		c.httpTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		c.httpDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
