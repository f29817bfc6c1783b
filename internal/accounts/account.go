// Package accounts holds the per-account tracking state and its
// persistence. Records are versioned and default-filled once on load.
package accounts

import (
	"math"
	"reflect"
	"slices"
	"strings"
	"time"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/item"
)

// SchemaVersion is the current Account layout.
//
//	1: handle, last id, counters
//	2: priority, reliability, backend override, summary
const SchemaVersion = 2

const (
	DefaultPriority = 1.0
	MinPriority     = 0.1
	// Failures beyond this count start decaying priority.
	decayAfter = 3
)

// Summary is the last confirmed item as shown to operators.
type Summary struct {
	Text      string       `json:"text,omitempty"`
	URL       string       `json:"url,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
	Likes     int          `json:"likes,omitempty"`
	Reposts   int          `json:"reposts,omitempty"`
	Media     []item.Media `json:"media,omitempty"`
}

func SummaryOf(it *item.Item) *Summary {
	if it == nil {
		return nil
	}
	return &Summary{
		Text:      it.Text,
		URL:       it.URL,
		CreatedAt: it.CreatedAt,
		Likes:     it.Likes,
		Reposts:   it.Reposts,
		Media:     slices.Clone(it.Media),
	}
}

// Account is one tracked handle.
//
// Backends distinguishes three states: nil follows the global default
// order, an empty slice disables the account, anything else is an
// ordered override.
type Account struct {
	Version     int       `json:"version"`
	Handle      string    `json:"handle"`
	UserID      string    `json:"user_id,omitempty"`
	LastItemID  string    `json:"last_item_id,omitempty"`
	FirstCheck  bool      `json:"first_check"`
	CheckCount  int       `json:"check_count"`
	FailCount   int       `json:"fail_count"`
	Reliability float64   `json:"reliability"`
	Priority    float64   `json:"priority"`
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
	AddedAt     time.Time `json:"added_at"`
	Backends    []string  `json:"backends"`
	LastBackend string    `json:"last_backend,omitempty"`
	Summary     *Summary  `json:"summary,omitempty"`
}

// Key is the case-insensitive identity of a handle.
func Key(handle string) string {
	return strings.ToLower(backend.NormalizeHandle(handle))
}

func (a *Account) Key() string { return Key(a.Handle) }

// NewAccount returns a fresh record waiting for its baseline.
func NewAccount(handle string, now time.Time) Account {
	return Account{
		Version:     SchemaVersion,
		Handle:      backend.NormalizeHandle(handle),
		FirstCheck:  true,
		Reliability: 100,
		Priority:    DefaultPriority,
		AddedAt:     now,
	}
}

// Normalize upgrades older records and fills missing defaults. It reports
// whether anything changed.
func (a *Account) Normalize(now time.Time) bool {
	before := *a
	a.Handle = backend.NormalizeHandle(a.Handle)
	if a.Version < 1 {
		a.FirstCheck = a.LastItemID == ""
	}
	if a.Version < 2 {
		if a.Priority == 0 {
			a.Priority = DefaultPriority
		}
		a.recompute()
	}
	if a.Priority <= 0 || math.IsNaN(a.Priority) {
		a.Priority = DefaultPriority
	}
	a.Priority = min(a.Priority, DefaultPriority)
	if a.AddedAt.IsZero() {
		a.AddedAt = now
	}
	a.CheckCount = max(a.CheckCount, 0)
	a.FailCount = max(a.FailCount, 0)
	a.Version = SchemaVersion
	return !reflect.DeepEqual(before, *a)
}

// Disabled reports an explicitly empty backend override.
func (a *Account) Disabled() bool { return a.Backends != nil && len(a.Backends) == 0 }

// RecordFailure applies one failed cycle.
func (a *Account) RecordFailure(now time.Time) {
	a.CheckCount++
	a.LastCheckAt = now
	a.FailCount++
	a.recompute()
	if a.FailCount > decayAfter {
		a.Priority = max(MinPriority, a.Priority*0.9)
	}
}

// RecordSuccess applies one successful cycle, changed or not.
func (a *Account) RecordSuccess(now time.Time) {
	a.CheckCount++
	a.LastCheckAt = now
	a.FailCount = max(0, a.FailCount-1)
	a.recompute()
	if a.Priority < DefaultPriority {
		a.Priority = min(DefaultPriority, a.Priority*1.1)
	}
}

func (a *Account) recompute() {
	if a.CheckCount <= 0 {
		a.Reliability = 100
		return
	}
	ok := max(a.CheckCount-a.FailCount, 0)
	a.Reliability = math.Round(float64(ok)*10000/float64(a.CheckCount)) / 100
}

// Reset clears tracking state but keeps the handle, added time and
// backend override.
func (a *Account) Reset() {
	*a = Account{
		Version:     SchemaVersion,
		Handle:      a.Handle,
		AddedAt:     a.AddedAt,
		Backends:    a.Backends,
		FirstCheck:  true,
		Reliability: 100,
		Priority:    DefaultPriority,
	}
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	out := a
	if a.Backends != nil {
		out.Backends = append(make([]string, 0, len(a.Backends)), a.Backends...)
	}
	if a.Summary != nil {
		s := *a.Summary
		s.Media = slices.Clone(a.Summary.Media)
		out.Summary = &s
	}
	return out
}

// Regresses reports whether moving from old to next would send the last
// item id backwards. Clearing the id is a reset, not a regression.
func Regresses(old, next string) bool {
	if old == "" || next == "" || old == next {
		return false
	}
	c, ok := item.Numeric.Compare(item.Ref{ID: next}, item.Ref{ID: old})
	return ok && c < 0
}
