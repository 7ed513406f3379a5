package task

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Object binds a procedure to its host and applies a Schedule to every Perform.
//
// The zero value is not usable; create objects with New or MustNew.
// All methods are safe for concurrent use, including from inside procedures.
type Object[H any] struct {
	host  H
	proc  Procedure[H]
	group *Group
	env   *instanceEnv

	onRunStart  []func(info RunStartInfo)
	onRunFinish []func(info RunFinishInfo)

	nextID atomic.Uint64

	mu        sync.Mutex
	schedule  Schedule
	instances []*Instance
	queue     []queued
	destroyed bool
	onChange  func(*Object[H])

	lastCompleted  any
	lastSuccessful any
	lastError      error
	current        any

	performCount uint64
	successCount uint64
	failCount    uint64
	cancelCount  uint64
	dropCount    uint64
	lastStarted  time.Time
	lastFinished time.Time
	lastErrText  string
}

type queued struct {
	in   *Instance
	args []any
}

// New creates a task object running proc on behalf of host.
//
// If g is non-nil, the object is registered on it: it inherits the group's options and is
// destroyed together with the group.
//
// Errors:
//   - ErrInvalidName: the name is invalid.
//   - ErrInvalidSchedule: the initial schedule is out of range.
//   - ErrDuplicateName: the name is already registered on g.
//   - ErrDestroyed: g has been destroyed.
//
// If proc is nil, New panics.
func New[H any](g *Group, host H, proc Procedure[H], opts ...Option) (*Object[H], error) {
	if proc == nil {
		panic("task: New called with nil Procedure")
	}
	c := newObjectConfig(g, opts)
	c.name = normalizeName(c.name)
	if err := validateName(c.name); err != nil {
		return nil, err
	}
	if !c.schedule.valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, c.schedule)
	}
	step := newStepToken()
	if g != nil {
		step = g.step
	}
	log := c.logger
	if c.name != "" {
		log = log.WithValues("task", c.name)
	}
	o := &Object[H]{
		host:  host,
		proc:  proc,
		group: g,
		env: &instanceEnv{
			name:    c.name,
			clock:   c.clock,
			log:     log,
			onPanic: c.onPanic,
			step:    step,
		},
		onRunStart:  c.onRunStart,
		onRunFinish: c.onRunFinish,
		schedule:    c.schedule,
	}
	if g != nil {
		if err := g.register(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// MustNew is like New but panics on error.
func MustNew[H any](g *Group, host H, proc Procedure[H], opts ...Option) *Object[H] {
	o, err := New(g, host, proc, opts...)
	if err != nil {
		panic(err)
	}
	return o
}

// Name returns the configured name (may be empty).
func (o *Object[H]) Name() string { return o.env.name }

// Host returns the host the object was created for.
func (o *Object[H]) Host() H { return o.host }

// Schedule returns the current admission policy.
func (o *Object[H]) Schedule() Schedule {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.schedule
}

// SetSchedule changes the admission policy by name: "concurrent", "drop", "restart" or
// "enqueue". An empty name leaves the schedule unchanged.
//
// Unknown names return an error wrapping ErrInvalidSchedule and leave the schedule
// unchanged. Instances already queued stay queued.
func (o *Object[H]) SetSchedule(name string) error {
	if name == "" {
		return nil
	}
	s, err := ParseSchedule(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.schedule = s
	o.mu.Unlock()
	return nil
}

// OnChange sets the change callback, called after every admission and every terminal
// transition. A nil fn keeps the previous callback.
//
// The callback runs synchronously on the goroutine that caused the change; it must not
// block. Panics are contained and reported to the panic handler.
func (o *Object[H]) OnChange(fn func(*Object[H])) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.onChange = fn
}

// Perform creates a new instance with args and applies the schedule:
//   - Concurrent: the instance starts immediately.
//   - Drop: if an instance is running, the new instance is returned already cancelled.
//   - Restart: every tracked instance is cancelled, then the new one starts.
//   - Enqueue: the instance is queued and admitted when nothing is running.
//
// A started instance runs its first step before Perform returns.
//
// On a destroyed object Perform returns an already-cancelled instance and has no other
// effect.
func (o *Object[H]) Perform(args ...any) *Instance {
	o.mu.Lock()
	if o.destroyed {
		in := newInstance(o.nextID.Add(1), o.env, nil)
		o.mu.Unlock()
		in.Cancel()
		return in
	}
	o.performCount++
	switch o.schedule {
	case Drop:
		if o.isRunningLocked() {
			in := newInstance(o.nextID.Add(1), o.env, o.evaluate)
			in.dropped = true
			o.mu.Unlock()
			o.env.log.V(1).Info("perform dropped", "instance", in.id, "schedule", Drop)
			in.Cancel()
			o.signalChange()
			return in
		}
	case Restart:
		o.mu.Unlock()
		o.CancelAll()
		o.mu.Lock()
		if o.destroyed {
			in := newInstance(o.nextID.Add(1), o.env, nil)
			o.mu.Unlock()
			in.Cancel()
			return in
		}
	case Enqueue:
		in := newInstance(o.nextID.Add(1), o.env, o.evaluate)
		o.instances = append(o.instances, in)
		o.queue = append(o.queue, queued{in: in, args: args})
		o.current = nil
		o.mu.Unlock()
		o.env.log.V(1).Info("perform enqueued", "instance", in.id, "schedule", Enqueue)
		o.checkQueue()
		o.signalChange()
		return in
	}
	return o.startLocked(args)
}

// startLocked starts a new tracked instance. It is called with o.mu held and releases it.
func (o *Object[H]) startLocked(args []any) *Instance {
	in := newInstance(o.nextID.Add(1), o.env, o.evaluate)
	o.instances = append(o.instances, in)
	o.current = nil
	in.begin()
	o.lastStarted = in.StartedAt()
	schedule := o.schedule
	o.mu.Unlock()

	o.env.log.V(1).Info("instance started", "instance", in.id, "schedule", schedule)
	o.runStarted(in, schedule)
	in.drive(o.bind(args))
	o.signalChange()
	return in
}

func (o *Object[H]) bind(args []any) func(*Co) (any, error) {
	return func(co *Co) (any, error) {
		return o.proc(co, o.host, args...)
	}
}

// checkQueue admits the most recently queued instance when nothing is running.
// Instances cancelled while queued are skipped.
func (o *Object[H]) checkQueue() {
	o.mu.Lock()
	if o.isRunningLocked() {
		o.mu.Unlock()
		return
	}
	for n := len(o.queue); n > 0; n = len(o.queue) {
		next := o.queue[n-1]
		o.queue[n-1] = queued{}
		o.queue = o.queue[:n-1]
		if !next.in.begin() {
			continue
		}
		o.lastStarted = next.in.StartedAt()
		schedule := o.schedule
		o.mu.Unlock()

		o.env.log.V(1).Info("queued instance started", "instance", next.in.id, "schedule", schedule)
		o.runStarted(next.in, schedule)
		next.in.drive(o.bind(next.args))
		return
	}
	o.mu.Unlock()
}

// evaluate is the completion callback of every tracked instance.
func (o *Object[H]) evaluate(in *Instance) {
	o.checkQueue()

	c, completed := in.Completed()
	outcome := OutcomeCancelled
	o.mu.Lock()
	o.untrackLocked(in)
	o.lastFinished = in.FinishedAt()
	switch {
	case completed && c.Success:
		outcome = OutcomeSucceeded
		o.successCount++
		o.lastCompleted = c.Value
		o.lastSuccessful = c.Value
		o.current = c.Value
	case completed:
		outcome = OutcomeFailed
		o.failCount++
		o.lastCompleted = c.Err
		o.lastError = c.Err
		o.current = c.Err
		o.lastErrText = errorText(c.Err)
	case in.dropped:
		outcome = OutcomeDropped
		o.dropCount++
	default:
		o.cancelCount++
	}
	schedule := o.schedule
	o.mu.Unlock()

	if completed {
		o.env.log.V(1).Info("instance finished", "instance", in.id, "outcome", outcome)
	}
	o.runFinished(in, schedule, outcome, c)
	o.signalChange()
}

func (o *Object[H]) untrackLocked(in *Instance) {
	for i, x := range o.instances {
		if x == in {
			copy(o.instances[i:], o.instances[i+1:])
			o.instances[len(o.instances)-1] = nil
			o.instances = o.instances[:len(o.instances)-1]
			return
		}
	}
}

// CancelAll clears the queue and cancels every tracked instance, started or not.
func (o *Object[H]) CancelAll() {
	o.mu.Lock()
	for i := range o.queue {
		o.queue[i] = queued{}
	}
	o.queue = o.queue[:0]
	ins := make([]*Instance, len(o.instances))
	copy(ins, o.instances)
	o.mu.Unlock()

	for _, in := range ins {
		in.Cancel()
	}
}

// Destroy tears the object down: change notification is disabled, further performs are
// rejected, and every tracked instance is cancelled. Only the first call has an effect.
func (o *Object[H]) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.onChange = nil
	o.mu.Unlock()

	o.env.log.V(1).Info("task destroyed")
	o.CancelAll()
}

// IsDestroyed reports whether Destroy was called.
func (o *Object[H]) IsDestroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}

// IsRunning reports whether at least one tracked instance is running.
func (o *Object[H]) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isRunningLocked()
}

func (o *Object[H]) isRunningLocked() bool {
	return o.countLocked() > 0
}

func (o *Object[H]) countLocked() int {
	n := 0
	for _, in := range o.instances {
		if in.IsRunning() {
			n++
		}
	}
	return n
}

// Count returns the number of running instances.
func (o *Object[H]) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.countLocked()
}

// Queued returns the number of instances waiting for admission.
func (o *Object[H]) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// LastCompletedValue returns the final value or failure error of the most recently
// completed instance. Cancelled instances never update it.
func (o *Object[H]) LastCompletedValue() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCompleted
}

// LastSuccessfulValue returns the final value of the most recently succeeded instance.
func (o *Object[H]) LastSuccessfulValue() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSuccessful
}

// LastErrorValue returns the failure of the most recently failed instance.
func (o *Object[H]) LastErrorValue() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// CurrentValue returns the outcome of the most recent completion, or nil once a newer
// instance has been admitted since.
func (o *Object[H]) CurrentValue() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Status returns a snapshot of the object's state.
func (o *Object[H]) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Name:         o.env.name,
		Schedule:     o.schedule,
		Destroyed:    o.destroyed,
		Running:      o.countLocked(),
		Queued:       len(o.queue),
		PerformCount: o.performCount,
		SuccessCount: o.successCount,
		FailCount:    o.failCount,
		CancelCount:  o.cancelCount,
		DropCount:    o.dropCount,
		LastStarted:  o.lastStarted,
		LastFinished: o.lastFinished,
		LastError:    o.lastErrText,
	}
}

func (o *Object[H]) signalChange() {
	o.mu.Lock()
	fn := o.onChange
	o.mu.Unlock()
	if fn == nil {
		return
	}
	callNoPanic(o.env.name, "on-change", o.env.onPanic, func() { fn(o) })
}

func (o *Object[H]) runStarted(in *Instance, schedule Schedule) {
	if len(o.onRunStart) == 0 {
		return
	}
	info := RunStartInfo{
		Name:      o.env.name,
		Instance:  in.id,
		Schedule:  schedule,
		StartedAt: in.StartedAt(),
	}
	for _, fn := range o.onRunStart {
		callNoPanic(o.env.name, "on-run-start", o.env.onPanic, func() { fn(info) })
	}
}

func (o *Object[H]) runFinished(in *Instance, schedule Schedule, outcome Outcome, c Completion) {
	if len(o.onRunFinish) == 0 {
		return
	}
	info := RunFinishInfo{
		Name:       o.env.name,
		Instance:   in.id,
		Schedule:   schedule,
		Outcome:    outcome,
		StartedAt:  in.StartedAt(),
		FinishedAt: in.FinishedAt(),
	}
	if !info.StartedAt.IsZero() {
		info.Duration = info.FinishedAt.Sub(info.StartedAt)
	}
	if outcome == OutcomeFailed {
		info.Err = errorText(c.Err)
		var pe *PanicError
		info.Panicked = errors.As(c.Err, &pe)
	}
	for _, fn := range o.onRunFinish {
		callNoPanic(o.env.name, "on-run-finish", o.env.onPanic, func() { fn(info) })
	}
}
