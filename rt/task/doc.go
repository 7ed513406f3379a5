// Package task provides cancellable, cooperative tasks bound to the lifetime of a host.
//
// # Design highlights
//
//   - Procedure: a step-wise function that suspends only inside Co.Await.
//   - Instance: one invocation of a procedure; can be cancelled at any suspension point.
//   - Object: a procedure bound to its host, with an admission Schedule applied on Perform.
//   - Group: the host lifecycle binding; Destroy tears down every object on it.
//   - Derived state: last completed / successful / error values, running count, Status.
//
// # Procedures and awaiting
//
// A procedure receives a *Co, the host, and the Perform arguments:
//
//	type form struct{ api *Client }
//
//	save, _ := task.New(g, f, func(co *task.Co, f *form, args ...any) (any, error) {
//		co.Await(task.Timeout(clk, 300*time.Millisecond)) // debounce
//		res := co.Await(task.Go(func() (any, error) { return f.api.Save(args[0]) }))
//		return res, nil
//	}, task.WithName("save"), task.WithSchedule(task.Restart))
//
// Await accepts a *Future (Value, Fail, Go, Race, Timeout, NewFuture) or another
// *Instance. A rejected future fails the instance with the rejection error; the procedure
// does not see it.
//
// The first step of a started instance runs before Perform returns.
//
// # Steps
//
// Procedures run on their own goroutines, but steps of instances of the same Group (or of
// the same Object, without a group) never run at the same time: a step runs from one Await
// to the next, and a resumed step waits for the step in progress to reach its own Await.
// Host state touched only from procedures needs no extra locking.
//
// A procedure must not block on other instances outside Await (Instance.Wait,
// Future.Wait, channel receives fed by another procedure); it would hold the step.
//
// # Cancellation
//
// Instance.Cancel, Object.CancelAll, Object.Destroy and Group.Destroy cancel instances.
// Cancellation is cooperative: the awaited work is not interrupted, but the procedure
// never resumes. Its goroutine leaves Await through runtime.Goexit, so deferred calls in
// the procedure run. Procedures must therefore not recover from or wrap Await in a way
// that assumes it always returns.
//
// # Schedules
//
// When Perform is called while an instance is active:
//   - Concurrent (default): start another instance.
//   - Drop: return a new, already-cancelled instance.
//   - Restart: cancel every tracked instance, then start.
//   - Enqueue: queue the instance; when nothing runs, the most recently queued instance
//     is admitted (last-in first-out). Cancelled queued instances are skipped.
//
// # Hooks
//
// Group and object options may provide OnRunStart/OnRunFinish hooks, and OnChange sets a
// single change callback per object.
//
// Hooks are called synchronously on the task execution path. They must be fast and must not
// block (avoid network I/O and long computations).
//
// # Observability
//
// Object.Status and Group.Snapshot are designed for consumption by an ops layer:
//
//	snap := g.Snapshot()
//	if st, ok := snap.Get("save"); ok {
//		_ = st.Running
//		_ = st.LastError
//	}
//
// # Names and lookup
//
// Task names are optional. If a task is named (WithName), the name is:
//   - normalized by strings.TrimSpace
//   - validated against [A-Za-z0-9._-]
//   - unique within the Group
package task
