package task

import (
	"context"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// instanceEnv is the per-object environment shared by all instances of an object.
type instanceEnv struct {
	name    string
	clock   clock.PassiveClock
	log     logr.Logger
	onPanic PanicHandler
	step    stepToken
}

// Instance is one invocation of a task procedure.
//
// An instance moves through created, (queued,) running and exactly one terminal state:
// succeeded, failed or cancelled. It is immutable once terminal.
type Instance struct {
	id  uint64
	env *instanceEnv
	// dropped marks an instance synthesized by a Drop perform.
	dropped bool
	// onComplete is called exactly once, on the terminal transition.
	onComplete func(*Instance)

	// completion settles on success or failure; it never settles on cancellation.
	completion *Future
	// done is closed after the terminal transition and after onComplete returned.
	done chan struct{}

	mu          sync.Mutex
	hasStarted  bool
	isRunning   bool
	isCancelled bool
	completed   *Completion
	startedAt   time.Time
	finishedAt  time.Time
}

func (*Instance) awaitable() {}

func newInstance(id uint64, env *instanceEnv, onComplete func(*Instance)) *Instance {
	return &Instance{
		id:         id,
		env:        env,
		onComplete: onComplete,
		completion: NewFuture(),
		done:       make(chan struct{}),
	}
}

// ID returns the instance id. Ids increase monotonically per object, starting at 1.
func (in *Instance) ID() uint64 { return in.id }

// HasStarted reports whether the procedure was started.
func (in *Instance) HasStarted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hasStarted
}

// IsRunning reports whether the instance has started and is not yet terminal.
func (in *Instance) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.isRunning
}

// IsCancelled reports whether the instance was cancelled.
func (in *Instance) IsCancelled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.isCancelled
}

// Completed returns the completion of a succeeded or failed instance. ok is false while
// the instance is not terminal, and for cancelled instances.
func (in *Instance) Completed() (c Completion, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.completed == nil {
		return Completion{}, false
	}
	return *in.completed, true
}

// StartedAt returns when the procedure started, or zero.
func (in *Instance) StartedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.startedAt
}

// FinishedAt returns when the instance became terminal, or zero.
func (in *Instance) FinishedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finishedAt
}

// Done returns a channel closed once the instance is terminal and its owner has processed
// the transition (derived values updated, queued work admitted).
func (in *Instance) Done() <-chan struct{} {
	return in.done
}

// Wait blocks until the instance is terminal or ctx is done.
//
// It returns the final value on success, the failure error on failure, ErrCanceled on
// cancellation, or ctx.Err(). If ctx is nil, it is treated as context.Background().
func (in *Instance) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-in.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c, ok := in.Completed()
	switch {
	case !ok:
		return nil, ErrCanceled
	case !c.Success:
		return nil, c.Err
	default:
		return c.Value, nil
	}
}

// Cancel cancels the instance. It is a no-op if the instance is already terminal.
//
// Cancellation is cooperative: work the procedure is awaiting is not interrupted, but the
// procedure never resumes. Its goroutine exits, running deferred calls.
func (in *Instance) Cancel() {
	if in.terminate(nil) {
		in.env.log.V(1).Info("instance cancelled", "task", in.env.name, "instance", in.id)
	}
}

func (in *Instance) shouldRun() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hasStarted && !in.terminalLocked()
}

func (in *Instance) terminalLocked() bool {
	return in.isCancelled || in.completed != nil
}

// begin marks the instance started and running. It reports false if the instance was
// already started or is terminal.
func (in *Instance) begin() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.hasStarted || in.terminalLocked() {
		return false
	}
	in.hasStarted = true
	in.isRunning = true
	in.startedAt = in.env.clock.Now()
	return true
}

// start begins the instance and drives fn. It is idempotent.
func (in *Instance) start(fn func(*Co) (any, error)) *Instance {
	if in.begin() {
		in.drive(fn)
	}
	return in
}

// drive runs fn on the procedure goroutine. It returns once fn reaches its first Await
// or the procedure is finished.
//
// A caller outside any step takes the step token for the duration. A caller that is itself
// a step keeps its token and the first step runs under it.
func (in *Instance) drive(fn func(*Co) (any, error)) {
	co := &Co{in: in, yielded: make(chan struct{})}
	owned := in.env.step.tryAcquire()
	go co.run(fn)
	<-co.yielded
	if owned {
		in.env.step.release()
	}
}

func (in *Instance) succeed(v any) {
	in.terminate(&Completion{Success: true, Value: v})
}

func (in *Instance) fail(err error) {
	in.terminate(&Completion{Err: err})
}

// terminate records the terminal state. A nil c means cancellation. It reports whether
// this call made the transition.
func (in *Instance) terminate(c *Completion) bool {
	in.mu.Lock()
	if in.terminalLocked() {
		in.mu.Unlock()
		return false
	}
	if c == nil {
		in.isCancelled = true
	} else {
		in.completed = c
	}
	in.isRunning = false
	in.finishedAt = in.env.clock.Now()
	in.mu.Unlock()

	if in.onComplete != nil {
		in.onComplete(in)
	}
	if c != nil {
		if c.Success {
			in.completion.Resolve(c.Value)
		} else {
			in.completion.Reject(c.Err)
		}
	}
	close(in.done)
	return true
}

// Co is the coroutine handle passed to a procedure. It must only be used on the goroutine
// the procedure was invoked on.
type Co struct {
	in      *Instance
	yielded chan struct{}
	handed  bool
	// holding is set while a resumed step holds the step token.
	holding bool
}

// Instance returns the instance this procedure is running as.
func (co *Co) Instance() *Instance { return co.in }

// Await suspends the procedure until a settles and returns its value.
//
// Await does not return if the instance is cancelled while suspended, or if a is
// rejected (the instance fails with the rejection error). In both cases the procedure
// goroutine exits through runtime.Goexit, so deferred calls in the procedure still run.
//
// Awaiting an *Instance waits for its completion; awaiting an instance that is or gets
// cancelled suspends until this instance is itself cancelled.
//
// Steps of instances sharing a step token never overlap: Await releases the token while
// suspended and takes it back before resuming. A procedure must therefore not block on
// another instance (Instance.Wait, Future.Wait) outside of Await.
func (co *Co) Await(a Awaitable) any {
	in := co.in
	f := futureOf(a)
	co.handOff()
	co.releaseStep()
	if !in.shouldRun() {
		runtime.Goexit()
	}
	select {
	case <-f.done:
	case <-in.done:
	}
	if !in.shouldRun() {
		runtime.Goexit()
	}
	co.acquireStep()
	// A settlement racing with cancellation never resumes the procedure.
	if !in.shouldRun() {
		runtime.Goexit()
	}
	if f.err != nil {
		in.fail(f.err)
		runtime.Goexit()
	}
	return f.value
}

// handOff releases the caller blocked in drive. Only the procedure goroutine calls it.
func (co *Co) handOff() {
	if !co.handed {
		co.handed = true
		close(co.yielded)
	}
}

func (co *Co) acquireStep() {
	co.in.env.step.acquire()
	co.holding = true
}

func (co *Co) releaseStep() {
	if co.holding {
		co.holding = false
		co.in.env.step.release()
	}
}

func (co *Co) run(fn func(*Co) (any, error)) {
	in := co.in
	defer co.handOff()
	defer co.releaseStep()
	if !in.shouldRun() {
		return
	}
	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit from Await: the terminal state is already recorded.
			return
		}
		info := PanicInfo{
			Name:     in.env.name,
			Instance: in.id,
			Where:    "procedure",
			Value:    r,
			Stack:    debug.Stack(),
		}
		in.env.log.Error(ErrPanicked, "procedure panicked", "task", in.env.name, "instance", in.id, "value", r)
		reportPanic(in.env.onPanic, info)
		in.fail(&PanicError{Value: r, Stack: info.Stack})
	}()
	v, err := fn(co)
	returned = true
	co.finish(v, err)
}

// finish turns the procedure's return into the terminal state.
func (co *Co) finish(v any, err error) {
	if isNilError(err) {
		err = nil
	}
	if err == nil {
		if a, ok := v.(Awaitable); ok {
			v = co.Await(a)
		}
	}
	if err == nil {
		if e, ok := v.(error); ok && !isNilError(e) {
			err = e
		}
	}
	if err != nil {
		co.in.fail(err)
		return
	}
	co.in.succeed(v)
}

// isNilError reports whether err is nil or a nil pointer stored in an error interface.
func isNilError(err error) bool {
	if err == nil {
		return true
	}
	rv := reflect.ValueOf(err)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
