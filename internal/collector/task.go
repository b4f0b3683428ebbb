package collector

import (
	"errors"
	"fmt"
	"time"
)

// TaskState is the lifecycle position of a slot task.
type TaskState int

const (
	Pending TaskState = iota
	InFlight
	Completed
	Retrying
	DeadLettered
)

func (s TaskState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	case Retrying:
		return "retrying"
	case DeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrIllegalTransition is returned when a task is moved to a state its
	// current state cannot reach.
	ErrIllegalTransition = errors.New("illegal task transition")
)

// transitions lists the states reachable from each state.
var transitions = map[TaskState][]TaskState{
	Pending:  {InFlight},
	InFlight: {Completed, Retrying, DeadLettered, Pending},
	Retrying: {InFlight},
}

// SlotTask is one unit of collector work.
type SlotTask struct {
	Slot       uint64
	RetryCount int
	AssignedAt time.Time
	WorkerID   int
	State      TaskState
}

// NewSlotTask returns a fresh, unassigned task.
func NewSlotTask(slot uint64) *SlotTask {
	return &SlotTask{Slot: slot, WorkerID: -1, State: Pending}
}

// transition moves the task to next or returns ErrIllegalTransition.
func (t *SlotTask) transition(next TaskState) error {
	for _, allowed := range transitions[t.State] {
		if allowed == next {
			t.State = next
			return nil
		}
	}
	return fmt.Errorf("slot %d %s -> %s: %w", t.Slot, t.State, next, ErrIllegalTransition)
}

// assign marks the task as picked up by a worker.
func (t *SlotTask) assign(workerID int, now time.Time) error {
	if err := t.transition(InFlight); err != nil {
		return err
	}
	t.WorkerID = workerID
	t.AssignedAt = now
	return nil
}

// release returns an in-flight task to the waiting states without touching
// its retry count.
func (t *SlotTask) release() error {
	next := Pending
	if t.RetryCount > 0 {
		next = Retrying
	}
	if err := t.transition(next); err != nil {
		return err
	}
	t.WorkerID = -1
	t.AssignedAt = time.Time{}
	return nil
}
