package resolver

import (
	"time"

	"chirpwatch/internal/backend"
)

// AttemptState is where one backend attempt ended up in a cycle.
//
//	pending -> skipped
//	pending -> tried -> succeeded | failed
type AttemptState int

const (
	Pending AttemptState = iota
	Skipped
	Tried
	Succeeded
	Failed
)

func (s AttemptState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Skipped:
		return "skipped"
	case Tried:
		return "tried"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt records one backend in the effective order.
type Attempt struct {
	Backend  string
	State    AttemptState
	Result   backend.Result
	Err      error
	Reason   string
	Duration time.Duration
}

// Kind classifies the attempt error for logs and metrics.
func (a *Attempt) Kind() string {
	if a.State == Skipped && a.Err == nil {
		return "skipped"
	}
	return backend.Kind(a.Err)
}

func (a *Attempt) skip(reason string, err error) {
	a.State = Skipped
	a.Reason = reason
	a.Err = err
}

func (a *Attempt) finish(res backend.Result, err error, d time.Duration) {
	a.Duration = d
	a.Result = res
	a.Err = err
	if err == nil && res.ID != "" {
		a.State = Succeeded
		return
	}
	a.State = Failed
}

func newAttempts(order []string) []Attempt {
	out := make([]Attempt, len(order))
	for i, name := range order {
		out[i] = Attempt{Backend: name}
	}
	return out
}
