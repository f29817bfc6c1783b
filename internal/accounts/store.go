package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrExists        = errors.New("account already tracked")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrRegression    = errors.New("last item id would move backwards")
)

// Store keeps every account in memory and writes through to storage.
// Writers on the same key are serialized; readers get copies.
type Store struct {
	st  storage.Store
	log logx.Logger
	now func() time.Time

	mu    sync.RWMutex
	accts map[string]*Account
	locks map[string]*sync.Mutex
}

func NewStore(st storage.Store, log logx.Logger) *Store {
	return &Store{
		st:    st,
		log:   log.Component("accounts"),
		now:   time.Now,
		accts: map[string]*Account{},
		locks: map[string]*sync.Mutex{},
	}
}

// LoadAll replaces the in-memory set with what storage holds. Records from
// older schema versions are upgraded and written back.
func (s *Store) LoadAll(ctx context.Context) error {
	recs, err := s.st.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	loaded := make(map[string]*Account, len(recs))
	var upgraded []*Account
	for _, rec := range recs {
		var a Account
		if err := json.Unmarshal(rec.Data, &a); err != nil {
			s.log.Warn("skipping unreadable account", logx.String("key", rec.Key), logx.Err(err))
			continue
		}
		if a.Handle == "" {
			a.Handle = rec.Key
		}
		if a.Normalize(s.now()) {
			upgraded = append(upgraded, &a)
		}
		loaded[a.Key()] = &a
	}
	for _, a := range upgraded {
		if err := s.persist(ctx, a); err != nil {
			s.log.Warn("account upgrade not persisted", logx.String("handle", a.Handle), logx.Err(err))
		}
	}

	s.mu.Lock()
	s.accts = loaded
	s.mu.Unlock()
	s.log.Info("accounts loaded", logx.Int("count", len(loaded)), logx.Int("upgraded", len(upgraded)))
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accts)
}

// List returns copies of every account ordered by key.
func (s *Store) List() []Account {
	s.mu.RLock()
	out := make([]Account, 0, len(s.accts))
	for _, a := range s.accts {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (s *Store) Get(handle string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accts[Key(handle)]
	if !ok {
		return Account{}, false
	}
	return a.Clone(), true
}

// Add starts tracking handle.
func (s *Store) Add(ctx context.Context, handle string) (Account, error) {
	h := backend.NormalizeHandle(handle)
	if !backend.ValidHandle(h) {
		return Account{}, fmt.Errorf("%q: %w", handle, ErrInvalidHandle)
	}
	key := Key(h)
	unlock := s.lock(key)
	defer unlock()

	if _, ok := s.Get(key); ok {
		return Account{}, fmt.Errorf("@%s: %w", h, ErrExists)
	}
	a := NewAccount(h, s.now())
	if err := s.persist(ctx, &a); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	s.accts[key] = &a
	s.mu.Unlock()
	return a.Clone(), nil
}

// Upsert writes a whole record.
func (s *Store) Upsert(ctx context.Context, a Account) error {
	a.Normalize(s.now())
	key := a.Key()
	unlock := s.lock(key)
	defer unlock()
	if err := s.persist(ctx, &a); err != nil {
		return err
	}
	cp := a.Clone()
	s.mu.Lock()
	s.accts[key] = &cp
	s.mu.Unlock()
	return nil
}

// Update applies fn to a copy of the account and commits it when fn
// returns nil. The last item id may only move forward or be cleared.
func (s *Store) Update(ctx context.Context, handle string, fn func(*Account) error) (Account, error) {
	key := Key(handle)
	unlock := s.lock(key)
	defer unlock()

	cur, ok := s.Get(key)
	if !ok {
		return Account{}, fmt.Errorf("@%s: %w", backend.NormalizeHandle(handle), ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur, err
	}
	if Regresses(cur.LastItemID, next.LastItemID) {
		return cur, fmt.Errorf("@%s %s -> %s: %w", cur.Handle, cur.LastItemID, next.LastItemID, ErrRegression)
	}
	if err := s.persist(ctx, &next); err != nil {
		return cur, err
	}
	cp := next.Clone()
	s.mu.Lock()
	s.accts[key] = &cp
	s.mu.Unlock()
	return next, nil
}

func (s *Store) Delete(ctx context.Context, handle string) error {
	key := Key(handle)
	unlock := s.lock(key)
	defer unlock()

	s.mu.RLock()
	_, ok := s.accts[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("@%s: %w", backend.NormalizeHandle(handle), ErrNotFound)
	}
	if err := s.st.DeleteAccount(ctx, key); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	s.mu.Lock()
	delete(s.accts, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(ctx context.Context, a *Account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.st.PutAccount(ctx, a.Key(), raw); err != nil {
		return fmt.Errorf("save account %s: %w", a.Key(), err)
	}
	return nil
}

func (s *Store) lock(key string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
