package storage

import (
	"errors"
	"strings"

	logx "chirpwatch/pkg/logx"
)

// Open initializes the configured driver. An empty driver or "none" yields
// ErrDisabled; chirpwatch needs somewhere to keep accounts, so callers
// usually fall back to "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
