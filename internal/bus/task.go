// Package bus implements the in-memory inter-agent task bus: a central
// mailbox that accepts published envelopes, fans them out to subscribers, and
// exposes a pull-based task pool that agents poll, claim, complete or fail.
//
// The pool is a single mutex-protected map. Claim is a check-and-set under
// that mutex, which is what makes first-claimant-wins an actual guarantee
// when agents run on separate goroutines.
package bus

import (
	"errors"
	"time"

	"github.com/parleychat/parley/pkg/envelope"
)

// Status is the lifecycle state of a task-pool entry.
type Status string

const (
	// StatusPending means the task is waiting to be claimed.
	StatusPending Status = "pending"

	// StatusProcessing means exactly one agent holds the claim.
	StatusProcessing Status = "processing"

	// StatusCompleted means the claimant reported success. Completed entries
	// are retained for a short grace window, then garbage-collected.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal: the retry budget is exhausted. Failed entries
	// are parked for operator inspection until garbage collection.
	StatusFailed Status = "failed"
)

// Task wraps one published envelope with the bus's mutable bookkeeping.
type Task struct {
	ID         string
	Envelope   *envelope.Envelope
	Status     Status
	AssignedTo string
	CreatedAt  time.Time
	ClaimedAt  time.Time
	DoneAt     time.Time
	Retries    int
}

// clone returns a copy so callers never share the bus's mutable entry.
// The envelope itself is immutable and shared by reference.
func (t *Task) clone() *Task {
	cp := *t
	return &cp
}

// ErrNotClaimable is returned by Claim when the entry is missing or no longer
// pending. Losing a claim race is a normal outcome, not a failure.
var ErrNotClaimable = errors.New("task is not claimable")

// ErrTaskNotFound is returned by Complete and Fail for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// IsNotClaimable reports whether err means another agent won the claim race.
func IsNotClaimable(err error) bool {
	return errors.Is(err, ErrNotClaimable)
}
