package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment overrides for secrets that should not live in the file.
const (
	EnvTelegramToken = "CHIRPWATCH_TELEGRAM_TOKEN"
	EnvAPIBearer     = "CHIRPWATCH_API_BEARER"
	EnvStorageDSN    = "CHIRPWATCH_STORAGE_DSN"
	EnvCachePassword = "CHIRPWATCH_CACHE_PASSWORD"
)

// ApplyEnv copies non-empty secret variables over the parsed file values.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Backends.API.BearerToken, EnvAPIBearer)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Cache.Password, EnvCachePassword)
}

// Validate checks shapes and ranges. Backend names are checked by the
// settings package, which owns the registry of known names.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	m := cfg.Monitor
	interval := dur("monitor.interval", m.Interval)
	minI := dur("monitor.min_interval", m.MinInterval)
	maxI := dur("monitor.max_interval", m.MaxInterval)
	dur("monitor.batch_pause", m.BatchPause)
	dur("monitor.initial_delay", m.InitialDelay)
	dur("monitor.error_backoff", m.ErrorBackoff)
	dur("monitor.check_timeout", m.CheckTimeout)
	if minI > 0 && maxI > 0 && minI > maxI {
		errs = append(errs, fmt.Errorf("monitor.min_interval %s exceeds max_interval %s", minI, maxI))
	}
	if interval > 0 && ((minI > 0 && interval < minI) || (maxI > 0 && interval > maxI)) {
		errs = append(errs, fmt.Errorf("monitor.interval %s outside [%s, %s]", interval, minI, maxI))
	}
	if m.MinFactor < 0 || m.MaxFactor < 0 || (m.MaxFactor > 0 && m.MinFactor > m.MaxFactor) {
		errs = append(errs, fmt.Errorf("monitor: invalid jitter band %.2f-%.2f", m.MinFactor, m.MaxFactor))
	}
	if m.ParallelChecks < 0 {
		errs = append(errs, errors.New("monitor.parallel_checks must be >= 0"))
	}

	b := cfg.Backends
	dur("backends.api.timeout", b.API.Timeout)
	dur("backends.mirror.timeout", b.Mirror.Timeout)
	dur("backends.mirror.health_timeout", b.Mirror.HealthTimeout)
	dur("backends.direct.timeout", b.Direct.Timeout)
	if n := b.API.MaxResults; n != 0 && (n < 5 || n > 100) {
		errs = append(errs, fmt.Errorf("backends.api.max_results %d outside [5, 100]", n))
	}

	c := cfg.Cache
	dur("cache.items_ttl", c.ItemsTTL)
	dur("cache.identity_ttl", c.IdentityTTL)
	dur("cache.horizon", c.Horizon)
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Addr) == "" {
			errs = append(errs, errors.New("cache.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver %q unknown", c.Driver))
	}

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	n := cfg.Notifier
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.dedup_window", n.DedupWindow)
	dur("notifier.send_pause", n.SendPause)

	return errors.Join(errs...)
}
