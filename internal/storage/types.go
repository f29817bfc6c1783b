// Package storage persists chirpwatch state.
//
// Records are opaque JSON blobs keyed by string; the owning packages
// (accounts, settings, governor, notifier) define and version the payloads.
// Drivers:
//   - "file": journal + snapshot next to the configured path
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL via lib/pq, DSN in Config.DSN
//   - "memory": process lifetime only (tests, dry runs)
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int           // postgres only
}

// Record is one stored account payload.
type Record struct {
	Key       string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// AuditEntry records one operator action.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id"`
	Actor   string    `json:"actor,omitempty"`
	ChatID  int64     `json:"chat_id"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Meta    string    `json:"meta,omitempty"`
}

// Store is the persistence surface used by the rest of the process.
type Store interface {
	LoadAccounts(ctx context.Context) ([]Record, error)
	PutAccount(ctx context.Context, key string, data json.RawMessage) error
	DeleteAccount(ctx context.Context, key string) error

	GetKV(ctx context.Context, key string) (json.RawMessage, bool, error)
	PutKV(ctx context.Context, key string, value json.RawMessage) error

	ListSubscribers(ctx context.Context) ([]int64, error)
	AddSubscriber(ctx context.Context, chatID int64) error
	RemoveSubscriber(ctx context.Context, chatID int64) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// GetJSON loads key from the KV area into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.GetKV(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// PutJSON stores v under key in the KV area.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.PutKV(ctx, key, raw)
}
