package item

import (
	"strings"
	"time"
)

// Ref is the part of an item that ordering looks at.
type Ref struct {
	ID        string
	CreatedAt time.Time
}

func (it *Item) Ref() Ref {
	if it == nil {
		return Ref{}
	}
	return Ref{ID: it.ID, CreatedAt: it.CreatedAt}
}

// Comparator orders two refs. Compare reports ok=false when the pair cannot
// be ordered by this strategy (non-numeric id, missing timestamp).
type Comparator interface {
	Name() string
	Compare(a, b Ref) (cmp int, ok bool)
}

var (
	// Numeric orders decimal ids of arbitrary length without parsing them.
	Numeric Comparator = numeric{}
	// Timestamp orders by creation time.
	Timestamp Comparator = timestamp{}
	// NumericOrTime tries Numeric first and falls back to Timestamp.
	NumericOrTime Comparator = chain{numeric{}, timestamp{}}
)

type numeric struct{}

func (numeric) Name() string { return "numeric" }

func (numeric) Compare(a, b Ref) (int, bool) {
	if !IsNumeric(a.ID) || !IsNumeric(b.ID) {
		return 0, false
	}
	x := strings.TrimLeft(a.ID, "0")
	y := strings.TrimLeft(b.ID, "0")
	switch {
	case len(x) != len(y):
		if len(x) < len(y) {
			return -1, true
		}
		return 1, true
	default:
		return strings.Compare(x, y), true
	}
}

type timestamp struct{}

func (timestamp) Name() string { return "timestamp" }

func (timestamp) Compare(a, b Ref) (int, bool) {
	if a.CreatedAt.IsZero() || b.CreatedAt.IsZero() {
		return 0, false
	}
	return a.CreatedAt.Compare(b.CreatedAt), true
}

type chain []Comparator

func (c chain) Name() string {
	names := make([]string, len(c))
	for i, cmp := range c {
		names[i] = cmp.Name()
	}
	return strings.Join(names, "|")
}

func (c chain) Compare(a, b Ref) (int, bool) {
	for _, cmp := range c {
		if r, ok := cmp.Compare(a, b); ok {
			return r, true
		}
	}
	return 0, false
}

// Newer reports whether cand is strictly newer than floor. An empty floor
// makes any candidate newer; an incomparable pair is never newer.
func Newer(cmp Comparator, cand, floor Ref) bool {
	if cand.ID == "" {
		return false
	}
	if floor.ID == "" {
		return true
	}
	if cand.ID == floor.ID {
		return false
	}
	if cmp == nil {
		cmp = NumericOrTime
	}
	r, ok := cmp.Compare(cand, floor)
	return ok && r > 0
}

// Newest returns the index of the newest ref under cmp, or -1 when refs is
// empty. Refs that cannot be compared to the current best keep the earlier
// one.
func Newest(cmp Comparator, refs []Ref) int {
	best := -1
	for i, r := range refs {
		if r.ID == "" {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if c, ok := cmp.Compare(r, refs[best]); ok && c > 0 {
			best = i
		}
	}
	return best
}
