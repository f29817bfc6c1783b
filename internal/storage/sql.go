package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "chirpwatch/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with
// "?" placeholders and rebound for dialects that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool

	opCount    atomic.Uint64
	pruneEvery uint64
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(query), args...)
	return err
}

func (s *sqlStore) LoadAccounts(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, data, updated_at FROM accounts ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			data string
			ms   int64
		)
		if err := rows.Scan(&r.Key, &data, &ms); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		r.UpdatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutAccount(ctx context.Context, key string, data json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return s.exec(ctx,
		`INSERT INTO accounts(key, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli())
}

func (s *sqlStore) DeleteAccount(ctx context.Context, key string) error {
	return s.exec(ctx, `DELETE FROM accounts WHERE key = ?`, key)
}

func (s *sqlStore) GetKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM kv WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(v), true, nil
}

func (s *sqlStore) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	return s.exec(ctx,
		`INSERT INTO kv(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value))
}

func (s *sqlStore) ListSubscribers(ctx context.Context) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM subscribers ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddSubscriber(ctx context.Context, chatID int64) error {
	return s.exec(ctx,
		`INSERT INTO subscribers(chat_id, added_at) VALUES(?,?) ON CONFLICT(chat_id) DO NOTHING`,
		chatID, time.Now().UnixMilli())
}

func (s *sqlStore) RemoveSubscriber(ctx context.Context, chatID int64) error {
	return s.exec(ctx, `DELETE FROM subscribers WHERE chat_id = ?`, chatID)
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	err := s.exec(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.pruneEvery > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.exec(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	return s.exec(ctx,
		`INSERT INTO audit(at, actor_id, actor, chat_id, action, target, ok, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.ActorID, nullStr(e.Actor), e.ChatID, e.Action, e.Target, ok, nullStr(e.Error), nullStr(e.Meta))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
