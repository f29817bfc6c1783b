package resolver

import (
	"chirpwatch/internal/backend"
	"chirpwatch/internal/item"
)

// reconcile picks the winning attempt among those that returned an id.
// Ids are compared numerically when both are numeric, otherwise by item
// creation time; incomparable pairs keep the earlier backend in order.
// A winner without an item body borrows one from another attempt that
// returned the same id. It returns nil when nothing succeeded.
func reconcile(attempts []Attempt) *Attempt {
	var win *Attempt
	for i := range attempts {
		at := &attempts[i]
		if at.State != Succeeded || at.Result.ID == "" {
			continue
		}
		if win == nil {
			win = at
			continue
		}
		cand, best := refOf(at.Result), refOf(win.Result)
		if c, ok := crossComparator(at.Result, best).Compare(cand, best); ok && c > 0 {
			win = at
		}
	}
	if win == nil || win.Result.Item != nil {
		return win
	}

	out := *win
	for i := range attempts {
		at := &attempts[i]
		if at.State == Succeeded && at.Result.ID == win.Result.ID && at.Result.Item != nil {
			out.Result.Item = at.Result.Item
			break
		}
	}
	return &out
}

func refOf(res backend.Result) item.Ref {
	ref := item.Ref{ID: res.ID}
	if res.Item != nil {
		ref.CreatedAt = res.Item.CreatedAt
	}
	return ref
}

// crossComparator chooses how a result compares to another ref coming
// from a possibly different backend.
func crossComparator(res backend.Result, other item.Ref) item.Comparator {
	if item.IsNumeric(res.ID) && item.IsNumeric(other.ID) {
		return item.Numeric
	}
	return item.Timestamp
}
