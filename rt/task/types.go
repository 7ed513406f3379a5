package task

import (
	"fmt"
	"strings"
	"time"
)

// Procedure is the body of a task.
//
// host is the component that owns the task object; it is passed explicitly on every
// invocation. args are the arguments given to Perform.
//
// The procedure suspends only inside co.Await. The returned pair is the final value:
//   - a non-nil error is a failure;
//   - a value that is itself an error is a failure;
//   - a value that is an Awaitable is awaited first, and its outcome is the final value;
//   - anything else is a success.
type Procedure[H any] func(co *Co, host H, args ...any) (any, error)

// Schedule is the admission policy applied when Perform is called while a prior instance
// of the same object is active.
type Schedule int

const (
	// Concurrent always starts a new instance. It is the default.
	Concurrent Schedule = iota
	// Drop discards new performs while an instance is running; the new instance is
	// returned already cancelled.
	Drop
	// Restart cancels every tracked instance and then starts the new one.
	Restart
	// Enqueue runs instances one at a time. Waiting instances are admitted last-in first.
	Enqueue
)

var scheduleNames = [...]string{
	Concurrent: "concurrent",
	Drop:       "drop",
	Restart:    "restart",
	Enqueue:    "enqueue",
}

func (s Schedule) String() string {
	if s.valid() {
		return scheduleNames[s]
	}
	return fmt.Sprintf("Schedule(%d)", int(s))
}

func (s Schedule) valid() bool {
	return s >= Concurrent && s <= Enqueue
}

// Schedules returns every valid schedule in declaration order.
func Schedules() []Schedule {
	return []Schedule{Concurrent, Drop, Restart, Enqueue}
}

// ParseSchedule maps a schedule name to a Schedule.
//
// Matching is exact after strings.TrimSpace. Unknown names return an error wrapping
// ErrInvalidSchedule.
func ParseSchedule(name string) (Schedule, error) {
	name = strings.TrimSpace(name)
	for i, n := range scheduleNames {
		if n == name {
			return Schedule(i), nil
		}
	}
	return 0, fmt.Errorf("%w: the schedule name %q is not a valid schedule", ErrInvalidSchedule, name)
}

// Completion is the terminal outcome of an instance that was not cancelled.
type Completion struct {
	Success bool
	// Value is the final value on success.
	Value any
	// Err is the failure: a returned error, an error-typed final value, a rejected
	// awaitable, or a *PanicError.
	Err error
}

// Outcome classifies a finished instance for hooks and metrics.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeCancelled
	// OutcomeDropped marks an instance created by a Drop perform while another instance
	// was running. It never started.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Status is a task object state snapshot.
type Status struct {
	Name      string
	Schedule  Schedule
	Destroyed bool

	// Running is the number of instances currently running.
	Running int
	// Queued is the number of enqueued instances waiting for admission.
	Queued int

	// PerformCount counts every accepted Perform call, including dropped ones.
	// Performs on a destroyed object are not counted.
	PerformCount uint64
	SuccessCount uint64
	FailCount    uint64
	CancelCount  uint64
	DropCount    uint64

	LastStarted  time.Time
	LastFinished time.Time

	// LastError is the text of the most recent failure. It is not cleared on success;
	// treat it as "last failure".
	LastError string
}

// Snapshot is a point-in-time view of all task objects in a Group.
type Snapshot struct {
	Tasks []Status
}

// Get finds a task status by name.
func (s Snapshot) Get(name string) (Status, bool) {
	for _, st := range s.Tasks {
		if st.Name == name {
			return st, true
		}
	}
	return Status{}, false
}

// Handle is the type-erased view of an Object registered on a Group.
type Handle interface {
	Name() string
	Schedule() Schedule
	IsRunning() bool
	Status() Status
	SetSchedule(name string) error
	CancelAll()
	Destroy()
}

// RunStartInfo is passed to OnRunStart hooks.
type RunStartInfo struct {
	Name     string
	Instance uint64
	Schedule Schedule

	StartedAt time.Time
}

// RunFinishInfo is passed to OnRunFinish hooks.
//
// It is delivered for every terminal instance, including ones that never started
// (cancelled while queued, or dropped); StartedAt is zero for those.
type RunFinishInfo struct {
	Name     string
	Instance uint64
	Schedule Schedule
	Outcome  Outcome

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	Err      string
	Panicked bool
}

// PanicInfo describes a recovered panic, either from a procedure or from a user callback.
type PanicInfo struct {
	// Name is the task name (may be empty).
	Name string
	// Instance is the instance id, or zero when the panic came from a callback.
	Instance uint64
	// Where is "procedure", "on-change", "on-run-start", "on-run-finish", "on-destroy"
	// or "panic-handler".
	Where string
	Value any
	Stack []byte
}

// PanicHandler receives recovered panics. It is called synchronously.
type PanicHandler func(PanicInfo)
