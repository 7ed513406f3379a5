package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Awaitable is something a procedure can suspend on with Co.Await.
//
// The set of implementations is closed: *Future and *Instance. Awaiting an *Instance
// waits for its completion.
type Awaitable interface {
	awaitable()
}

// Future is a settle-once cell holding either a value or an error.
//
// Use NewFuture for a future settled by hand, or Value, Fail, Go, Race and Timeout.
// A Future is safe for concurrent use.
type Future struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   any
	err     error
}

func (*Future) awaitable() {}

// NewFuture returns an unsettled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Value returns a future already resolved with v.
func Value(v any) *Future {
	f := NewFuture()
	f.Resolve(v)
	return f
}

// Fail returns a future already rejected with err. err must be non-nil.
func Fail(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

// Resolve settles f with v. It reports whether this call settled f; once settled, later
// calls are ignored.
func (f *Future) Resolve(v any) bool {
	return f.settle(v, nil)
}

// Reject settles f with err. It reports whether this call settled f.
//
// If err is nil, Reject panics.
func (f *Future) Reject(err error) bool {
	if err == nil {
		panic("task: Future.Reject called with nil error")
	}
	return f.settle(nil, err)
}

func (f *Future) settle(v any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value, f.err = v, err
	f.mu.Unlock()
	close(f.done)
	return true
}

// Done returns a channel closed once f is settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled outcome without blocking. While f is unsettled it returns
// ErrPending.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until f is settled or ctx is done.
//
// If ctx is nil, it is treated as context.Background().
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go runs fn on a new goroutine and returns a future settled with its result.
//
// A panic in fn rejects the future with a *PanicError.
func Go(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Reject(&PanicError{Value: r, Stack: debug.Stack()})
			}
		}()
		v, err := fn()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// Race returns a future settled like the first of as to settle.
//
// With no arguments the returned future never settles.
func Race(as ...Awaitable) *Future {
	out := NewFuture()
	for _, a := range as {
		f := futureOf(a)
		select {
		case <-f.done:
			out.settle(f.value, f.err)
			return out
		default:
		}
		go func() {
			select {
			case <-f.done:
				out.settle(f.value, f.err)
			case <-out.done:
			}
		}()
	}
	return out
}

// Timeout returns a future resolved with nil once d has elapsed on clk.
//
// The timer is armed before Timeout returns, so a fake clock stepped afterwards fires it.
// If clk is nil, the real clock is used. If d <= 0, the future is already resolved.
func Timeout(clk clock.Clock, d time.Duration) *Future {
	if d <= 0 {
		return Value(nil)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	f := NewFuture()
	ch := clk.After(d)
	go func() {
		<-ch
		f.Resolve(nil)
	}()
	return f
}

// futureOf unwraps an awaitable into the future that settles with its outcome.
// A nil awaitable is an already-resolved nil value.
func futureOf(a Awaitable) *Future {
	switch a := a.(type) {
	case nil:
		return Value(nil)
	case *Future:
		if a == nil {
			return Value(nil)
		}
		return a
	case *Instance:
		if a == nil {
			return Value(nil)
		}
		return a.completion
	default:
		panic(fmt.Sprintf("task: unsupported Awaitable %T", a))
	}
}
