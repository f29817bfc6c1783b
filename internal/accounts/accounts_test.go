package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

func TestCountersAndPriority(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a := NewAccount("@Alice", now)
	require.Equal(t, "Alice", a.Handle)
	require.Equal(t, "alice", a.Key())

	for i := 0; i < 5; i++ {
		a.RecordFailure(now)
	}
	require.Equal(t, 5, a.FailCount)
	require.Equal(t, 0.0, a.Reliability)
	// Decay starts after the third failure: 1.0 * 0.9 * 0.9.
	require.InDelta(t, 0.81, a.Priority, 1e-9)

	a.RecordSuccess(now)
	require.Equal(t, 4, a.FailCount)
	require.Equal(t, 6, a.CheckCount)
	require.InDelta(t, 33.33, a.Reliability, 0.01)
	require.InDelta(t, 0.891, a.Priority, 1e-9)

	for i := 0; i < 10; i++ {
		a.RecordSuccess(now)
	}
	require.Equal(t, 0, a.FailCount)
	require.Equal(t, DefaultPriority, a.Priority)

	a.Priority = MinPriority
	a.FailCount = 10
	a.RecordFailure(now)
	require.Equal(t, MinPriority, a.Priority)
}

func TestNormalizeUpgradesOldRecord(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutAccount(ctx, "bob", json.RawMessage(`{"handle":"Bob","last_item_id":"987654321098765","check_count":4,"fail_count":1}`)))

	s := NewStore(st, logx.Nop())
	require.NoError(t, s.LoadAll(ctx))
	a, ok := s.Get("BOB")
	require.True(t, ok)
	require.Equal(t, SchemaVersion, a.Version)
	require.False(t, a.FirstCheck)
	require.Equal(t, DefaultPriority, a.Priority)
	require.Equal(t, 75.0, a.Reliability)
	require.Nil(t, a.Backends)
	require.False(t, a.AddedAt.IsZero())

	recs, err := st.LoadAccounts(ctx)
	require.NoError(t, err)
	var stored Account
	require.NoError(t, json.Unmarshal(recs[0].Data, &stored))
	require.Equal(t, SchemaVersion, stored.Version, "upgrade should be written back")
}

func TestBackendOverrideStatesSurvivePersistence(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	s := NewStore(st, logx.Nop())

	for _, h := range []string{"def", "off", "custom"} {
		_, err := s.Add(ctx, h)
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "off", func(a *Account) error { a.Backends = []string{}; return nil })
	require.NoError(t, err)
	_, err = s.Update(ctx, "custom", func(a *Account) error { a.Backends = []string{"api"}; return nil })
	require.NoError(t, err)

	fresh := NewStore(st, logx.Nop())
	require.NoError(t, fresh.LoadAll(ctx))
	def, _ := fresh.Get("def")
	off, _ := fresh.Get("off")
	custom, _ := fresh.Get("custom")
	require.Nil(t, def.Backends)
	require.False(t, def.Disabled())
	require.NotNil(t, off.Backends)
	require.True(t, off.Disabled())
	require.Equal(t, []string{"api"}, custom.Backends)
}

func TestStoreUpdateRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore(storage.NewMemory(), logx.Nop())

	_, err := s.Add(ctx, "not a handle")
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = s.Add(ctx, "Alice")
	require.NoError(t, err)
	_, err = s.Add(ctx, "@alice")
	require.ErrorIs(t, err, ErrExists)

	_, err = s.Update(ctx, "alice", func(a *Account) error { a.LastItemID = "987654321098766"; return nil })
	require.NoError(t, err)
	_, err = s.Update(ctx, "alice", func(a *Account) error { a.LastItemID = "987654321098765"; return nil })
	require.ErrorIs(t, err, ErrRegression)

	boom := errors.New("boom")
	got, err := s.Update(ctx, "alice", func(a *Account) error { a.CheckCount = 99; return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, got.CheckCount)

	a, _ := s.Get("alice")
	require.Equal(t, "987654321098766", a.LastItemID)

	_, err = s.Update(ctx, "alice", func(a *Account) error { a.Backends = []string{"mirror"}; a.Reset(); return nil })
	require.NoError(t, err)
	a, _ = s.Get("alice")
	require.Empty(t, a.LastItemID)
	require.True(t, a.FirstCheck)
	require.Equal(t, []string{"mirror"}, a.Backends)

	require.NoError(t, s.Delete(ctx, "ALICE"))
	require.ErrorIs(t, s.Delete(ctx, "alice"), ErrNotFound)
	_, err = s.Update(ctx, "alice", func(*Account) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}
