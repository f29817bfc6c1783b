package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chirpwatch/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ and returns
// log fields describing the new values. Secrets are reported only as
// "set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, a, b any, f ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	section("telegram", oldCfg.Telegram, newCfg.Telegram,
		logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
		logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
	)
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
	)
	section("monitor", oldCfg.Monitor, newCfg.Monitor,
		logx.String("monitor.interval", newCfg.Monitor.Interval),
		logx.Strings("monitor.backends", newCfg.Monitor.Backends),
		logx.Int("monitor.parallel_checks", newCfg.Monitor.ParallelChecks),
		logx.String("monitor.health_check", newCfg.Monitor.HealthCheck),
	)

	ob, nb := oldCfg.Backends, newCfg.Backends
	ob.API.BearerToken, nb.API.BearerToken = "", ""
	section("backends", ob, nb,
		logx.Bool("backends.api.token_set", set(newCfg.Backends.API.BearerToken)),
		logx.Int("backends.mirror.instances", len(newCfg.Backends.Mirror.Instances)),
		logx.Int("backends.proxies", len(newCfg.Backends.Proxies)),
	)
	if oldCfg.Backends.API.BearerToken != newCfg.Backends.API.BearerToken {
		changed = append(changed, "backends.api.token")
	}

	section("cache", oldCfg.Cache, newCfg.Cache,
		logx.String("cache.driver", newCfg.Cache.Driver),
		logx.String("cache.items_ttl", newCfg.Cache.ItemsTTL),
	)
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
		logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
	)
	section("notifier", oldCfg.Notifier, newCfg.Notifier,
		logx.Bool("notifier.enabled", BoolOr(newCfg.Notifier.Enabled, true)),
		logx.Int("notifier.workers", newCfg.Notifier.Workers),
		logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
	)
	section("http", oldCfg.HTTP, newCfg.HTTP,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
	)

	sort.Strings(changed)
	return changed, fields
}

// Has reports whether name is among the changed sections.
func Has(changed []string, name string) bool {
	for _, c := range changed {
		if c == name || strings.HasPrefix(c, name+".") {
			return true
		}
	}
	return false
}
