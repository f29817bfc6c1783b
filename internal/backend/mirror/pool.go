package mirror

import (
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultInstances seeds the pool when the config lists none.
var DefaultInstances = []string{
	"https://nitter.net",
	"https://nitter.lacontrevoie.fr",
	"https://nitter.unixfox.eu",
	"https://nitter.fdn.fr",
	"https://nitter.1d4.us",
	"https://nitter.kavin.rocks",
	"https://nitter.mint.lgbt",
	"https://nitter.privacy.com.de",
	"https://nitter.projectsegfau.lt",
	"https://nitter.privacydev.net",
	"https://tweet.lambda.dance",
	"https://tweet.namejeff.xyz",
}

// Pool tracks consecutive failures per mirror. Mirrors at or above the
// threshold are skipped until every mirror is unhealthy, at which point
// all counters reset.
type Pool struct {
	mu        sync.Mutex
	seeds     []string
	active    []string
	failures  map[string]int
	threshold int
	rng       *rand.Rand
	checkedAt time.Time
}

// Status is one row of Pool.Snapshot.
type Status struct {
	URL      string `json:"url"`
	Failures int    `json:"failures"`
	Healthy  bool   `json:"healthy"`
	Active   bool   `json:"active"`
}

func NewPool(seeds []string, threshold int) *Pool {
	if len(seeds) == 0 {
		seeds = DefaultInstances
	}
	if threshold <= 0 {
		threshold = 3
	}
	clean := make([]string, 0, len(seeds))
	for _, s := range seeds {
		s = strings.TrimRight(strings.TrimSpace(s), "/")
		if s != "" && !slices.Contains(clean, s) {
			clean = append(clean, s)
		}
	}
	return &Pool{
		seeds:     clean,
		active:    append([]string(nil), clean...),
		failures:  map[string]int{},
		threshold: threshold,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seeds returns the configured mirror list.
func (p *Pool) Seeds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seeds...)
}

// Pick returns up to n healthy mirrors in random order.
func (p *Pool) Pick(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	healthy := make([]string, 0, len(p.active))
	for _, m := range p.active {
		if p.failures[m] < p.threshold {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		clear(p.failures)
		healthy = append(healthy, p.active...)
	}
	p.rng.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	if n > 0 && len(healthy) > n {
		healthy = healthy[:n]
	}
	return healthy
}

func (p *Pool) ReportFailure(m string) {
	p.mu.Lock()
	p.failures[m]++
	p.mu.Unlock()
}

func (p *Pool) ReportSuccess(m string) {
	p.mu.Lock()
	delete(p.failures, m)
	p.mu.Unlock()
}

// SetActive replaces the working set, typically with the result of a
// health sweep. An empty list keeps the current set.
func (p *Pool) SetActive(list []string) {
	if len(list) == 0 {
		return
	}
	p.mu.Lock()
	p.active = append([]string(nil), list...)
	p.checkedAt = time.Now()
	p.mu.Unlock()
}

// Active returns the working set and when it was last refreshed.
func (p *Pool) Active() ([]string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.active...), p.checkedAt
}

// HealthyCount is the number of active mirrors under the failure threshold.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.active {
		if p.failures[m] < p.threshold {
			n++
		}
	}
	return n
}

func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.seeds))
	for _, m := range p.seeds {
		f := p.failures[m]
		out = append(out, Status{URL: m, Failures: f, Healthy: f < p.threshold, Active: slices.Contains(p.active, m)})
	}
	return out
}
