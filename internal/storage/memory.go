package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// state is the in-memory image shared by the memory and file drivers.
type state struct {
	Accounts    map[string]Record          `json:"accounts"`
	KV          map[string]json.RawMessage `json:"kv"`
	Subscribers map[int64]struct{}         `json:"-"`
	SubList     []int64                    `json:"subscribers"`
	Dedup       map[string]int64           `json:"dedup"` // unix milli
}

func newState() *state {
	return &state{
		Accounts:    map[string]Record{},
		KV:          map[string]json.RawMessage{},
		Subscribers: map[int64]struct{}{},
		Dedup:       map[string]int64{},
	}
}

// op is one mutation; the file driver journals these.
type op struct {
	Kind  string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Chat  int64           `json:"chat,omitempty"`
	Until int64           `json:"until,omitempty"`
	At    int64           `json:"at,omitempty"`
}

const (
	opPutAccount = "put_account"
	opDelAccount = "del_account"
	opPutKV      = "put_kv"
	opAddSub     = "add_sub"
	opDelSub     = "del_sub"
	opPutDedup   = "put_dedup"
)

func (s *state) apply(o op) {
	switch o.Kind {
	case opPutAccount:
		s.Accounts[o.Key] = Record{Key: o.Key, Data: o.Data, UpdatedAt: time.UnixMilli(o.At)}
	case opDelAccount:
		delete(s.Accounts, o.Key)
	case opPutKV:
		s.KV[o.Key] = o.Data
	case opAddSub:
		s.Subscribers[o.Chat] = struct{}{}
	case opDelSub:
		delete(s.Subscribers, o.Chat)
	case opPutDedup:
		s.Dedup[o.Key] = o.Until
	}
}

func (s *state) pruneDedup(now time.Time) {
	ms := now.UnixMilli()
	for k, v := range s.Dedup {
		if v < ms {
			delete(s.Dedup, k)
		}
	}
}

func (s *state) subscribers() []int64 {
	out := make([]int64, 0, len(s.Subscribers))
	for id := range s.Subscribers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *state) records() []Record {
	out := make([]Record, 0, len(s.Accounts))
	for _, r := range s.Accounts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// memStore keeps everything in process memory.
type memStore struct {
	mu     sync.Mutex
	st     *state
	audit  []AuditEntry
	closed bool

	// commit is called with the lock held after each mutation is applied.
	commit func(o op) error
}

// NewMemory returns a store that forgets everything on exit.
func NewMemory() Store { return &memStore{st: newState()} }

func (m *memStore) mutate(o op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.apply(o)
	if m.commit != nil {
		return m.commit(o)
	}
	return nil
}

func (m *memStore) LoadAccounts(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.records(), nil
}

func (m *memStore) PutAccount(ctx context.Context, key string, data json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return m.mutate(op{Kind: opPutAccount, Key: key, Data: append(json.RawMessage(nil), data...), At: time.Now().UnixMilli()})
}

func (m *memStore) DeleteAccount(ctx context.Context, key string) error {
	return m.mutate(op{Kind: opDelAccount, Key: strings.TrimSpace(key)})
}

func (m *memStore) GetKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.st.KV[key]
	return v, ok, nil
}

func (m *memStore) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	return m.mutate(op{Kind: opPutKV, Key: key, Data: append(json.RawMessage(nil), value...)})
}

func (m *memStore) ListSubscribers(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.subscribers(), nil
}

func (m *memStore) AddSubscriber(ctx context.Context, chatID int64) error {
	return m.mutate(op{Kind: opAddSub, Chat: chatID})
}

func (m *memStore) RemoveSubscriber(ctx context.Context, chatID int64) error {
	return m.mutate(op{Kind: opDelSub, Chat: chatID})
}

func (m *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return m.mutate(op{Kind: opPutDedup, Key: key, Until: until.UnixMilli()})
}

func (m *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := m.st.Dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (m *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > 1000 {
		m.audit = append([]AuditEntry(nil), m.audit[len(m.audit)-1000:]...)
	}
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
