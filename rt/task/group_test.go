package task_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/evan-idocoding/ztask/rt/task"
)

type component struct {
	saves atomic.Int32
}

func (c *component) save(co *task.Co, _ *component, args ...any) (any, error) {
	co.Await(args[0].(task.Awaitable))
	c.saves.Add(1)
	return "saved", nil
}

var _ = Describe("Group", func() {
	var (
		clk *clocktesting.FakeClock
		g   *task.Group
		c   *component
	)

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Unix(0, 0))
		g = task.NewGroup(
			task.WithGroupClock(clk),
			task.WithGroupLogger(GinkgoLogr),
		)
		c = &component{}
		DeferCleanup(g.Destroy)
	})

	Describe("Destroy", func() {
		It("cancels every running instance", func() {
			save := task.MustNew(g, c, c.save, task.WithName("save"))
			other := task.MustNew(g, c, c.save, task.WithSchedule(task.Enqueue))

			a := save.Perform(task.Timeout(clk, time.Second))
			b := other.Perform(task.NewFuture())
			queued := other.Perform(task.NewFuture())

			g.Destroy()

			Expect(a.IsCancelled()).To(BeTrue())
			Expect(b.IsCancelled()).To(BeTrue())
			Expect(queued.IsCancelled()).To(BeTrue())
			Expect(queued.HasStarted()).To(BeFalse())
			Expect(save.IsRunning()).To(BeFalse())
			Expect(other.Queued()).To(BeZero())

			clk.Step(time.Second)
			Consistently(c.saves.Load, 20*time.Millisecond).Should(BeZero())
		})

		It("runs the host teardown hooks after the tasks, last registered first", func() {
			save := task.MustNew(g, c, c.save)
			var order []string
			g.OnDestroy(func() {
				order = append(order, "first")
				Expect(save.IsDestroyed()).To(BeTrue())
			})
			g.OnDestroy(func() { order = append(order, "second") })

			g.Destroy()
			g.Destroy()

			Expect(order).To(Equal([]string{"second", "first"}))
		})

		It("contains a panicking teardown hook", func() {
			var reported []task.PanicInfo
			g = task.NewGroup(task.WithGroupPanicHandler(func(info task.PanicInfo) {
				reported = append(reported, info)
			}))
			ran := false
			g.OnDestroy(func() { ran = true })
			g.OnDestroy(func() { panic("teardown bug") })

			Expect(g.Destroy).NotTo(Panic())
			Expect(ran).To(BeTrue())
			Expect(reported).To(HaveLen(1))
			Expect(reported[0].Where).To(Equal("on-destroy"))
		})

		It("runs hooks registered after Destroy immediately", func() {
			g.Destroy()
			ran := false
			g.OnDestroy(func() { ran = true })
			Expect(ran).To(BeTrue())
		})

		It("turns later performs into cancelled instances", func() {
			save := task.MustNew(g, c, c.save)
			g.Destroy()

			in := save.Perform(task.Value(nil))
			Expect(in.IsCancelled()).To(BeTrue())
			Expect(in.HasStarted()).To(BeFalse())
			_, err := in.Wait(context.Background())
			Expect(err).To(MatchError(task.ErrCanceled))
			Expect(c.saves.Load()).To(BeZero())
		})

		It("rejects new task objects", func() {
			g.Destroy()
			_, err := task.New(g, c, c.save)
			Expect(err).To(MatchError(task.ErrDestroyed))
			Expect(g.IsDestroyed()).To(BeTrue())
		})
	})

	Describe("names", func() {
		It("looks up named tasks and rejects duplicates", func() {
			save := task.MustNew(g, c, c.save, task.WithName("save"))

			h, ok := g.Lookup("  save ")
			Expect(ok).To(BeTrue())
			Expect(h).To(BeIdenticalTo(task.Handle(save)))

			_, err := task.New(g, c, c.save, task.WithName("save"))
			Expect(errors.Is(err, task.ErrDuplicateName)).To(BeTrue())

			_, ok = g.Lookup("")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Snapshot", func() {
		It("reports named tasks sorted, then unnamed ones", func() {
			task.MustNew(g, c, c.save, task.WithName("zeta"))
			task.MustNew(g, c, c.save)
			alpha := task.MustNew(g, c, c.save, task.WithName("alpha"), task.WithSchedule(task.Drop))

			in := alpha.Perform(task.Value(nil))
			Eventually(in.Done()).Should(BeClosed())

			snap := g.Snapshot()
			Expect(snap.Tasks).To(HaveLen(3))
			Expect(snap.Tasks[0].Name).To(Equal("alpha"))
			Expect(snap.Tasks[1].Name).To(Equal("zeta"))
			Expect(snap.Tasks[2].Name).To(BeEmpty())

			st, ok := snap.Get("alpha")
			Expect(ok).To(BeTrue())
			Expect(st.Schedule).To(Equal(task.Drop))
			Expect(st.SuccessCount).To(BeEquivalentTo(1))
		})
	})

	Describe("hooks", func() {
		It("runs group hooks before object hooks", func() {
			var order []string
			g = task.NewGroup(task.WithGroupOnRunFinish(func(task.RunFinishInfo) {
				order = append(order, "group")
			}))
			save := task.MustNew(g, c, c.save, task.WithOnRunFinish(func(info task.RunFinishInfo) {
				order = append(order, "object:"+info.Outcome.String())
			}))

			in := save.Perform(task.NewFuture())
			in.Cancel()

			Expect(order).To(Equal([]string{"group", "object:cancelled"}))
		})
	})
})
