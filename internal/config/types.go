package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10m", "24h"). Empty fields
// take the defaults documented next to each section.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Monitor  MonitorConfig  `json:"monitor"`
	Backends BackendsConfig `json:"backends"`
	Cache    CacheConfig    `json:"cache"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
	HTTP     HTTPConfig     `json:"http"`
}

// TelegramConfig configures the bot transport. An empty token runs the
// process headless: notifications are only logged.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	LogChatID    int64   `json:"log_chat_id,omitempty"`
	LogThreadID  int     `json:"log_thread_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"` // default 10s
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings to telegram.log_chat_id.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MonitorConfig seeds the runtime settings on first start. Once an operator
// changes a setting through the bot the persisted value wins.
//
// Defaults:
//   - enabled: true
//   - interval: 10m (bounded by min_interval 1m and max_interval 24h)
//   - backends: [mirror, direct, api]
//   - randomize: true, jitter 0.8-1.2
//   - parallel_checks: 3, batch_pause: 2s
//   - initial_delay: 10s, error_backoff: 60s
//   - health_check: "1h" (any schedule accepted by the task package)
type MonitorConfig struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	Interval       string   `json:"interval,omitempty"`
	MinInterval    string   `json:"min_interval,omitempty"`
	MaxInterval    string   `json:"max_interval,omitempty"`
	Backends       []string `json:"backends,omitempty"`
	Randomize      *bool    `json:"randomize,omitempty"`
	MinFactor      float64  `json:"min_factor,omitempty"`
	MaxFactor      float64  `json:"max_factor,omitempty"`
	ParallelChecks int      `json:"parallel_checks,omitempty"`
	BatchPause     string   `json:"batch_pause,omitempty"`
	InitialDelay   string   `json:"initial_delay,omitempty"`
	ErrorBackoff   string   `json:"error_backoff,omitempty"`
	CheckTimeout   string   `json:"check_timeout,omitempty"` // per account, default 2m
	UseProxies     bool     `json:"use_proxies,omitempty"`
	Audit          bool     `json:"audit,omitempty"`
	HealthCheck    string   `json:"health_check,omitempty"`
}

type BackendsConfig struct {
	UserAgent string       `json:"user_agent,omitempty"`
	Proxies   []string     `json:"proxies,omitempty"`
	API       APIConfig    `json:"api"`
	Mirror    MirrorConfig `json:"mirror"`
	Direct    DirectConfig `json:"direct"`
}

// APIConfig configures the authenticated API backend. The bearer token can
// also come from CHIRPWATCH_API_BEARER.
type APIConfig struct {
	BearerToken       string `json:"bearer_token,omitempty"`
	BaseURL           string `json:"base_url,omitempty"`    // default https://api.twitter.com
	MaxResults        int    `json:"max_results,omitempty"` // 5..100, default 20
	Timeout           string `json:"timeout,omitempty"`     // default 15s
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
}

type MirrorConfig struct {
	Instances         []string `json:"instances,omitempty"`
	AttemptsPerCheck  int      `json:"attempts_per_check,omitempty"` // default 3
	FailureThreshold  int      `json:"failure_threshold,omitempty"`  // default 3
	Timeout           string   `json:"timeout,omitempty"`            // default 15s
	HealthTimeout     string   `json:"health_timeout,omitempty"`     // default 10s
	RequestsPerMinute int      `json:"requests_per_minute,omitempty"`
}

type DirectConfig struct {
	BaseURL           string `json:"base_url,omitempty"` // default https://twitter.com
	Timeout           string `json:"timeout,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"` // default 2
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
}

// CacheConfig selects the result cache driver ("memory" or "redis").
type CacheConfig struct {
	Driver      string `json:"driver,omitempty"`
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	ItemsTTL    string `json:"items_ttl,omitempty"`    // default 5m
	IdentityTTL string `json:"identity_ttl,omitempty"` // default 24h
	Horizon     string `json:"horizon,omitempty"`      // default 6h
	HistorySize int    `json:"history_size,omitempty"` // default 10
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chirpwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// NotifierConfig controls the subscriber fan-out pipeline.
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	SendPause     string `json:"send_pause,omitempty"`
}

// HTTPConfig controls the ops server (/metrics, /healthz, optional pprof).
//
// Prefer a loopback bind. A non-loopback address needs a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9090
	Token         string `json:"token,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// BoolOr dereferences p, returning def when unset.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
