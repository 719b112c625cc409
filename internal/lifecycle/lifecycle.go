// Package lifecycle defines the tagged processing state shared by every
// unit of work that moves through the pipeline: ledger file records today,
// any other queue tomorrow.
//
//	pending ──claim──▶ processing ──complete──▶ completed
//	   ▲                  │  │
//	   └──fail(retry)─────┘  └──skip──▶ skipped
//	                      └──fail(terminal)──▶ failed
//
// completed, failed and skipped return to pending only through a change of
// the underlying file or an explicit force-reprocess.
package lifecycle

import "fmt"

// Status is the lifecycle state of a unit of work.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Skipped    Status = "skipped"
)

// All lists every status in display order.
var All = []Status{Pending, Processing, Completed, Failed, Skipped}

// Parse converts s to a Status, rejecting unknown values.
func Parse(s string) (Status, error) {
	for _, st := range All {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Settled reports whether a unit in this status needs no further work in
// the current batch.
func (s Status) Settled() bool {
	return s == Completed || s == Failed || s == Skipped
}

var transitions = map[Status][]Status{
	Pending:    {Processing},
	Processing: {Completed, Failed, Pending, Skipped},
	Completed:  {Pending},
	Failed:     {Pending, Processing},
	Skipped:    {Pending},
}

// CanTransition reports whether moving from one status to another is a
// legal edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns, in display order, every status with an edge into to.
func Sources(to Status) []Status {
	var out []Status
	for _, s := range All {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Policy carries the retry budget used to decide the outcome of a failure.
type Policy struct {
	MaxRetries int
}

// Gate is the condition under which a unit in some status may be claimed.
// The zero Gate never admits.
type Gate struct {
	Open      bool // admits regardless of error state
	Retryable bool // the last failure must have been retryable
	MaxErrors int  // error count must stay below this unless Open
}

// Admits reports whether a unit with this error state passes the gate.
func (g Gate) Admits(errorCount int, retryable bool) bool {
	if g.Open {
		return true
	}
	if g.Retryable && !retryable {
		return false
	}
	return errorCount < g.MaxErrors
}

// ClaimGate returns the gate guarding the claim of a unit in s. Only
// statuses with an edge into processing have a non-zero gate.
func (p Policy) ClaimGate(s Status) Gate {
	if !CanTransition(s, Processing) {
		return Gate{}
	}
	switch s {
	case Pending:
		return Gate{Open: true}
	case Failed:
		// A failed unit is claimable again only when its last failure was
		// retryable and the budget has room (e.g. after max_retries was raised).
		return Gate{Retryable: true, MaxErrors: p.MaxRetries}
	default:
		return Gate{}
	}
}

// Claimable reports whether a unit may be claimed for processing.
func (p Policy) Claimable(s Status, errorCount int, retryable bool) bool {
	return p.ClaimGate(s).Admits(errorCount, retryable)
}

// AfterFailure returns the status a processing unit moves to after its
// attempt failed, given the error count before this failure.
// Retryable failures go back to pending while the budget allows;
// everything else is terminal.
func (p Policy) AfterFailure(errorCount int, retryable bool) Status {
	if retryable && errorCount+1 < p.MaxRetries {
		return Pending
	}
	return Failed
}

// Resettable returns the statuses an explicit reprocess may send back to
// pending: terminal failures only, or every settled status when all is set.
func Resettable(all bool) []Status {
	var out []Status
	for _, s := range Sources(Pending) {
		if s == Failed || (all && s.Settled()) {
			out = append(out, s)
		}
	}
	return out
}
