package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "chirpwatch/pkg/logx"
)

// fileStore is the dependency-free driver.
//
// Files, derived from Config.Path without extension:
//   - <prefix>.audit.jsonl    append-only operator audit
//   - <prefix>.snapshot.json  compacted state
//   - <prefix>.journal.jsonl  mutations since the last snapshot
type fileStore struct {
	*memStore
	log logx.Logger

	auditFile    *os.File
	journalFile  *os.File
	snapshotPath string

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	st.pruneDedup(time.Now())

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	fs := &fileStore{
		memStore:     &memStore{st: st},
		log:          log.Component("storage.file"),
		auditFile:    af,
		journalFile:  jf,
		snapshotPath: snapPath,
		compactEvery: 1000,
	}
	fs.memStore.commit = fs.appendJournal
	return fs, nil
}

// appendJournal runs with memStore.mu held.
func (f *fileStore) appendJournal(o op) error {
	if f.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(f.journalFile).Encode(o); err != nil {
		return err
	}
	f.writes++
	if f.writes%f.compactEvery == 0 {
		if err := f.compactLocked(); err != nil {
			f.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (f *fileStore) compactLocked() error {
	f.st.pruneDedup(time.Now())
	f.st.SubList = f.st.subscribers()

	tmp := f.snapshotPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(f.st); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = f.journalFile.Seek(0, 2)
	return err
}

func (f *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(f.auditFile).Encode(e)
}

func (f *fileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	errCompact := f.compactLocked()
	errJ := f.journalFile.Close()
	errA := f.auditFile.Close()
	f.journalFile, f.auditFile = nil, nil
	return errors.Join(errCompact, errJ, errA)
}

func loadSnapshot(path string, st *state) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap state
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	for k, v := range snap.Accounts {
		st.Accounts[k] = v
	}
	for k, v := range snap.KV {
		st.KV[k] = v
	}
	for _, id := range snap.SubList {
		st.Subscribers[id] = struct{}{}
	}
	for k, v := range snap.Dedup {
		st.Dedup[k] = v
	}
	return nil
}

func replayJournal(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var o op
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || o.Kind == "" {
			continue
		}
		st.apply(o)
	}
	return sc.Err()
}
