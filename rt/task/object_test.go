package task

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/onsi/gomega"
)

func TestObject_Concurrent_AllInstancesComplete(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, unit))

	ins := []*Instance{o.Perform(), o.Perform(), o.Perform()}
	if n := h.started.Load(); n != 3 {
		t.Fatalf("started=%d, want 3", n)
	}
	if n := o.Count(); n != 3 {
		t.Fatalf("Count=%d, want 3", n)
	}

	clk.Step(unit)
	for _, in := range ins {
		waitDone(t, in)
	}
	if n := h.finished.Load(); n != 3 {
		t.Fatalf("finished=%d, want 3", n)
	}
	if o.IsRunning() {
		t.Fatalf("IsRunning=true after all instances finished")
	}
}

func TestObject_Concurrent_CancelOneLeavesOthers(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, unit))

	a, b, c := o.Perform(), o.Perform(), o.Perform()
	if n := o.Count(); n != 3 {
		t.Fatalf("Count=%d, want 3", n)
	}
	b.Cancel()
	if n := o.Count(); n != 2 {
		t.Fatalf("Count=%d after cancel, want 2", n)
	}

	clk.Step(unit)
	waitDone(t, a)
	waitDone(t, c)
	for _, in := range []*Instance{a, c} {
		if got, ok := in.Completed(); !ok || !got.Success {
			t.Fatalf("instance %d Completed=(%+v, %v), want success", in.ID(), got, ok)
		}
	}
	if _, ok := b.Completed(); ok || !b.IsCancelled() {
		t.Fatalf("cancelled instance has a completion")
	}
	if n := h.finished.Load(); n != 2 {
		t.Fatalf("finished=%d, want 2", n)
	}
	if n := o.Count(); n != 0 {
		t.Fatalf("Count=%d after completion, want 0", n)
	}
}

func TestObject_Drop_OnlyFirstCompletes(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, unit), WithSchedule(Drop))

	first := o.Perform()
	second := o.Perform()
	third := o.Perform()
	for _, in := range []*Instance{second, third} {
		if !in.IsCancelled() || in.HasStarted() {
			t.Fatalf("dropped instance %d: IsCancelled=%v HasStarted=%v", in.ID(), in.IsCancelled(), in.HasStarted())
		}
	}

	clk.Step(unit)
	waitDone(t, first)
	if s, f := h.started.Load(), h.finished.Load(); s != 1 || f != 1 {
		t.Fatalf("started=%d finished=%d, want 1 1", s, f)
	}
	st := o.Status()
	if st.PerformCount != 3 || st.DropCount != 2 || st.SuccessCount != 1 {
		t.Fatalf("Status=%+v, want 3 performs, 2 drops, 1 success", st)
	}

	// Once idle, Drop admits again.
	again := o.Perform()
	if !again.IsRunning() {
		t.Fatalf("perform on idle Drop object was not started")
	}
	again.Cancel()
}

func TestObject_Restart_OnlyLastCompletes(t *testing.T) {
	t.Parallel()

	g := gomega.NewWithT(t)
	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, 3*unit), WithSchedule(Restart))

	first := o.Perform()
	clk.Step(unit)
	second := o.Perform()
	g.Expect(first.IsCancelled()).To(gomega.BeTrue())
	clk.Step(unit)
	third := o.Perform()
	g.Expect(second.IsCancelled()).To(gomega.BeTrue())

	// The second instance's timer fires at 4 units, the third's at 5.
	clk.Step(3 * unit)
	waitDone(t, third)

	g.Expect(h.started.Load()).To(gomega.BeEquivalentTo(3))
	g.Expect(h.finished.Load()).To(gomega.BeEquivalentTo(1))
	g.Eventually(o.IsRunning).Should(gomega.BeFalse())
	g.Expect(o.Status().CancelCount).To(gomega.BeEquivalentTo(2))
}

func TestObject_Enqueue_RunsOneAtATime(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, 3*unit), WithSchedule(Enqueue))

	a := o.Perform()
	b := o.Perform()
	if s := h.started.Load(); s != 1 {
		t.Fatalf("at 0 units started=%d, want 1", s)
	}
	if q := o.Queued(); q != 1 || b.HasStarted() {
		t.Fatalf("Queued=%d b.HasStarted=%v, want 1 false", q, b.HasStarted())
	}

	clk.Step(3 * unit)
	waitDone(t, a)
	if s, f := h.started.Load(), h.finished.Load(); s != 2 || f != 1 {
		t.Fatalf("after first run started=%d finished=%d, want 2 1", s, f)
	}
	if !b.IsRunning() || o.Count() != 1 {
		t.Fatalf("b.IsRunning=%v Count=%d, want true 1", b.IsRunning(), o.Count())
	}

	clk.Step(3 * unit)
	waitDone(t, b)
	if f := h.finished.Load(); f != 2 {
		t.Fatalf("after second run finished=%d, want 2", f)
	}
	if o.IsRunning() {
		t.Fatalf("IsRunning=true after queue drained")
	}
}

func TestObject_Enqueue_AdmitsMostRecentFirst(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	gates := map[string]*Future{"a": NewFuture(), "b": NewFuture(), "c": NewFuture()}
	o := newTestObject(t, &host{}, func(co *Co, _ *host, args ...any) (any, error) {
		name := args[0].(string)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		co.Await(gates[name])
		return name, nil
	}, WithSchedule(Enqueue))

	a, b, c := o.Perform("a"), o.Perform("b"), o.Perform("c")
	gates["a"].Resolve(nil)
	waitDone(t, a)
	gates["c"].Resolve(nil)
	waitDone(t, c)
	gates["b"].Resolve(nil)
	waitDone(t, b)

	if diff := cmp.Diff([]string{"a", "c", "b"}, order); diff != "" {
		t.Fatalf("admission order mismatch (-want +got):\n%s", diff)
	}
}

func TestObject_Enqueue_SkipsCancelledEntries(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, unit), WithSchedule(Enqueue))

	a := o.Perform()
	b := o.Perform()
	c := o.Perform()
	c.Cancel()

	clk.Step(unit)
	waitDone(t, a)
	if !b.IsRunning() || c.HasStarted() {
		t.Fatalf("b.IsRunning=%v c.HasStarted=%v, want true false", b.IsRunning(), c.HasStarted())
	}
	b.Cancel()
}

func TestObject_Enqueue_CancelAllStopsQueued(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, unit), WithSchedule(Enqueue))

	ins := []*Instance{o.Perform(), o.Perform(), o.Perform()}
	o.CancelAll()
	clk.Step(10 * unit)

	for _, in := range ins {
		waitDone(t, in)
		if !in.IsCancelled() {
			t.Fatalf("instance %d not cancelled", in.ID())
		}
	}
	if s, f := h.started.Load(), h.finished.Load(); s != 1 || f != 0 {
		t.Fatalf("started=%d finished=%d, want 1 0", s, f)
	}
	if q := o.Queued(); q != 0 {
		t.Fatalf("Queued=%d, want 0", q)
	}
}

func TestObject_DerivedValues(t *testing.T) {
	t.Parallel()

	errFailed := errors.New("failed")
	errMid := errors.New("mid-task rejection")
	errFinal := errors.New("final rejection")

	o := newTestObject(t, &host{}, func(co *Co, _ *host, args ...any) (any, error) {
		v := co.Await(args[0].(Awaitable))
		if len(args) > 1 {
			return args[1], nil
		}
		return v, nil
	})

	waitDone(t, o.Perform(Value("success")))
	if o.LastSuccessfulValue() != "success" || o.LastCompletedValue() != "success" || o.CurrentValue() != "success" {
		t.Fatalf("after success: successful=%v completed=%v current=%v",
			o.LastSuccessfulValue(), o.LastCompletedValue(), o.CurrentValue())
	}
	if o.LastErrorValue() != nil {
		t.Fatalf("LastErrorValue=%v, want nil", o.LastErrorValue())
	}

	waitDone(t, o.Perform(Value(errFailed)))
	if !errors.Is(o.LastErrorValue(), errFailed) || o.LastCompletedValue() != errFailed {
		t.Fatalf("after error value: error=%v completed=%v", o.LastErrorValue(), o.LastCompletedValue())
	}
	if o.LastSuccessfulValue() != "success" {
		t.Fatalf("LastSuccessfulValue=%v, want unchanged success", o.LastSuccessfulValue())
	}

	waitDone(t, o.Perform(Fail(errMid), "never should get to this"))
	if !errors.Is(o.LastErrorValue(), errMid) {
		t.Fatalf("after mid-task rejection: error=%v, want %v", o.LastErrorValue(), errMid)
	}

	waitDone(t, o.Perform(Value(nil), Fail(errFinal)))
	if !errors.Is(o.LastErrorValue(), errFinal) || o.CurrentValue() != errFinal {
		t.Fatalf("after final rejection: error=%v current=%v", o.LastErrorValue(), o.CurrentValue())
	}

	in := o.Perform(NewFuture())
	if o.CurrentValue() != nil {
		t.Fatalf("CurrentValue=%v after admission, want nil", o.CurrentValue())
	}
	in.Cancel()
	if !errors.Is(o.LastErrorValue(), errFinal) || o.LastCompletedValue() != errFinal || o.LastSuccessfulValue() != "success" {
		t.Fatalf("cancellation changed derived values")
	}
}

func TestObject_CancelFromInsideProcedure(t *testing.T) {
	t.Parallel()

	var resumed atomic.Bool
	var o *Object[*host]
	o = newTestObject(t, &host{}, func(co *Co, _ *host, _ ...any) (any, error) {
		o.CancelAll()
		co.Await(Value(1))
		resumed.Store(true)
		return nil, nil
	})

	in := o.Perform()
	waitDone(t, in)
	if resumed.Load() || !in.IsCancelled() {
		t.Fatalf("resumed=%v IsCancelled=%v, want false true", resumed.Load(), in.IsCancelled())
	}
}

func TestObject_Destroy(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	h := &host{}
	o := newTestObject(t, h, sleeper(clk, unit))
	var changes atomic.Int32
	o.OnChange(func(*Object[*host]) { changes.Add(1) })

	running := o.Perform()
	o.Destroy()
	o.Destroy()
	if !running.IsCancelled() {
		t.Fatalf("Destroy did not cancel the running instance")
	}
	before := changes.Load()
	performs := o.Status().PerformCount

	in := o.Perform()
	if !in.IsCancelled() || in.HasStarted() {
		t.Fatalf("perform after Destroy: IsCancelled=%v HasStarted=%v", in.IsCancelled(), in.HasStarted())
	}
	if s := h.started.Load(); s != 1 {
		t.Fatalf("started=%d, want 1", s)
	}
	if got := changes.Load(); got != before {
		t.Fatalf("change callback fired after Destroy")
	}
	if got := o.Status().PerformCount; got != performs {
		t.Fatalf("PerformCount=%d after Destroy, want %d", got, performs)
	}
	if !o.IsDestroyed() {
		t.Fatalf("IsDestroyed=false")
	}
}

func TestObject_OnChange(t *testing.T) {
	t.Parallel()

	var first, second atomic.Int32
	o := newTestObject(t, &host{}, func(co *Co, _ *host, _ ...any) (any, error) {
		return co.Await(Value(1)), nil
	})
	o.OnChange(func(*Object[*host]) { first.Add(1) })
	o.OnChange(nil)
	waitDone(t, o.Perform())
	if n := first.Load(); n != 2 {
		t.Fatalf("change calls=%d, want 2 (admission and completion)", n)
	}

	o.OnChange(func(*Object[*host]) { second.Add(1) })
	waitDone(t, o.Perform())
	if first.Load() != 2 || second.Load() != 2 {
		t.Fatalf("first=%d second=%d, want 2 2", first.Load(), second.Load())
	}
}

func TestObject_OnChange_PanicIsContained(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	o := newTestObject(t, &host{}, func(co *Co, _ *host, _ ...any) (any, error) {
		return nil, nil
	}, WithPanicHandler(func(info PanicInfo) {
		if info.Where == "on-change" {
			reported.Add(1)
		}
	}))
	o.OnChange(func(*Object[*host]) { panic("listener bug") })

	in := o.Perform()
	waitDone(t, in)
	if c, ok := in.Completed(); !ok || !c.Success {
		t.Fatalf("Completed=(%+v, %v), want success", c, ok)
	}
	if n := reported.Load(); n != 2 {
		t.Fatalf("reported=%d, want 2", n)
	}
}

func TestObject_SetSchedule(t *testing.T) {
	t.Parallel()

	o := newTestObject(t, &host{}, func(*Co, *host, ...any) (any, error) { return nil, nil })
	if err := o.SetSchedule(""); err != nil || o.Schedule() != Concurrent {
		t.Fatalf("SetSchedule(\"\") err=%v schedule=%v, want nil concurrent", err, o.Schedule())
	}
	if err := o.SetSchedule("enqueue"); err != nil || o.Schedule() != Enqueue {
		t.Fatalf("SetSchedule(enqueue) err=%v schedule=%v", err, o.Schedule())
	}
	err := o.SetSchedule("bogus")
	if !errors.Is(err, ErrInvalidSchedule) || !strings.Contains(err.Error(), `"bogus"`) {
		t.Fatalf("SetSchedule(bogus) err=%v, want ErrInvalidSchedule naming bogus", err)
	}
	if o.Schedule() != Enqueue {
		t.Fatalf("invalid SetSchedule changed schedule to %v", o.Schedule())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	proc := func(*Co, *host, ...any) (any, error) { return nil, nil }
	if _, err := New(nil, &host{}, proc, WithSchedule(Schedule(9))); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("New err=%v, want ErrInvalidSchedule", err)
	}
	for _, name := range []string{"a/b", "a b"} {
		if _, err := New(nil, &host{}, proc, WithName(name)); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("New(%q) err=%v, want ErrInvalidName", name, err)
		}
	}
	o, err := New(nil, &host{}, proc, WithName("  x.y_z-9  "))
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	if got := o.Name(); got != "x.y_z-9" {
		t.Fatalf("Name=%q, want %q", got, "x.y_z-9")
	}
}

func TestObject_HooksAndStatus(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	t0 := clk.Now()
	var mu sync.Mutex
	var starts []RunStartInfo
	var finishes []RunFinishInfo

	o := newTestObject(t, &host{}, sleeper(clk, 2*unit),
		WithName("job"),
		WithClock(clk),
		WithOnRunStart(func(info RunStartInfo) {
			mu.Lock()
			starts = append(starts, info)
			mu.Unlock()
		}),
		WithOnRunFinish(func(info RunFinishInfo) {
			mu.Lock()
			finishes = append(finishes, info)
			mu.Unlock()
		}),
	)

	in := o.Perform()
	clk.Step(2 * unit)
	waitDone(t, in)

	wantStatus := Status{
		Name:         "job",
		Schedule:     Concurrent,
		PerformCount: 1,
		SuccessCount: 1,
		LastStarted:  t0,
		LastFinished: t0.Add(2 * unit),
	}
	if diff := cmp.Diff(wantStatus, o.Status()); diff != "" {
		t.Fatalf("Status mismatch (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	wantStarts := []RunStartInfo{{Name: "job", Instance: 1, Schedule: Concurrent, StartedAt: t0}}
	if diff := cmp.Diff(wantStarts, starts); diff != "" {
		t.Fatalf("start hooks mismatch (-want +got):\n%s", diff)
	}
	wantFinishes := []RunFinishInfo{{
		Name:       "job",
		Instance:   1,
		Schedule:   Concurrent,
		Outcome:    OutcomeSucceeded,
		StartedAt:  t0,
		FinishedAt: t0.Add(2 * unit),
		Duration:   2 * unit,
	}}
	if diff := cmp.Diff(wantFinishes, finishes); diff != "" {
		t.Fatalf("finish hooks mismatch (-want +got):\n%s", diff)
	}
}

func TestObject_IDsIncrease(t *testing.T) {
	t.Parallel()

	o := newTestObject(t, &host{}, func(*Co, *host, ...any) (any, error) { return nil, nil }, WithSchedule(Drop))
	var last uint64
	for i := 0; i < 5; i++ {
		in := o.Perform()
		if in.ID() <= last {
			t.Fatalf("ID=%d after %d, want increasing", in.ID(), last)
		}
		last = in.ID()
	}
}

type codeError struct{ code int }

func (e *codeError) Error() string { return "code " + strconv.Itoa(e.code) }

func TestObject_NilPointerErrors(t *testing.T) {
	t.Parallel()

	o := newTestObject(t, &host{}, func(co *Co, _ *host, args ...any) (any, error) {
		if len(args) > 0 {
			co.Await(Fail(args[0].(error)))
		}
		var e *codeError
		return e, nil
	})

	in := o.Perform()
	waitDone(t, in)
	if c, ok := in.Completed(); !ok || !c.Success {
		t.Fatalf("Completed=(%+v, %v), want success for a nil *codeError value", c, ok)
	}

	var nilErr *codeError
	in = o.Perform(error(nilErr))
	waitDone(t, in)
	if c, ok := in.Completed(); !ok || c.Success {
		t.Fatalf("Completed=(%+v, %v), want failure", c, ok)
	}
	st := o.Status()
	if st.SuccessCount != 1 || st.FailCount != 1 || st.LastError != "<nil>" {
		t.Fatalf("Status=%+v, want 1 success, 1 failure rendered as <nil>", st)
	}
}
