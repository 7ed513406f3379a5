package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/evan-idocoding/ztask/rt/task"
	"github.com/evan-idocoding/ztask/rt/task/taskprom"
)

// settleTimeout bounds the real time spent waiting for instances to react to a step.
const settleTimeout = 5 * time.Second

// demo is the host of the scenario's task object.
type demo struct {
	clock clock.Clock
	work  time.Duration
	fail  bool
	runs  atomic.Int64
}

// work waits d.work on the scenario clock and then succeeds or fails.
func work(co *task.Co, d *demo, _ ...any) (any, error) {
	n := d.runs.Add(1)
	co.Await(task.Timeout(d.clock, d.work))
	if d.fail {
		return nil, fmt.Errorf("run %d failed", n)
	}
	return fmt.Sprintf("run %d", n), nil
}

type player struct {
	out   io.Writer
	clock *clocktesting.FakeClock
	start time.Time
	group *task.Group
	obj   *task.Object[*demo]
	host  *demo

	performed []*task.Instance
}

func newPlayer(sc *Scenario, out io.Writer, log logr.Logger, metrics *taskprom.Collector) (*player, error) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0).UTC())
	opts := []task.GroupOption{task.WithGroupLogger(log), task.WithGroupClock(clk)}
	if metrics != nil {
		opts = append(opts, metrics.GroupOptions()...)
	}
	g := task.NewGroup(opts...)
	if metrics != nil {
		metrics.Observe(g)
	}

	name := sc.Name
	if name == "" {
		name = "scenario"
	}
	schedule, err := task.ParseSchedule(sc.Schedule)
	if err != nil {
		return nil, err
	}
	host := &demo{clock: clk, work: sc.Work, fail: sc.Fail}
	obj, err := task.New(g, host, work, task.WithName(name), task.WithSchedule(schedule))
	if err != nil {
		return nil, err
	}
	return &player{out: out, clock: clk, start: clk.Now(), group: g, obj: obj, host: host}, nil
}

func (p *player) play(ctx context.Context, steps []Step) error {
	p.printHeader()
	for i, st := range steps {
		if err := p.apply(st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st, err)
		}
		if err := p.settle(ctx); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st, err)
		}
		p.printState(i+1, st)
	}
	return nil
}

func (p *player) apply(st Step) error {
	switch {
	case st.Perform > 0:
		for i := 0; i < st.Perform; i++ {
			p.performed = append(p.performed, p.obj.Perform())
		}
	case st.Cancel > 0:
		if st.Cancel > len(p.performed) {
			return fmt.Errorf("no instance #%d (performed %d)", st.Cancel, len(p.performed))
		}
		p.performed[st.Cancel-1].Cancel()
	case st.CancelAll:
		p.obj.CancelAll()
	case st.Advance > 0:
		p.clock.Step(st.Advance)
	case st.Schedule != "":
		return p.obj.SetSchedule(st.Schedule)
	case st.Destroy:
		p.group.Destroy()
	}
	return nil
}

// settle waits until every started instance whose work is due on the fake clock has
// reached its terminal state. Instances admitted while waiting are checked again.
func (p *player) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	for {
		now := p.clock.Now()
		progressed := false
		for _, in := range p.performed {
			if !in.HasStarted() || isDone(in) || in.StartedAt().Add(p.host.work).After(now) {
				continue
			}
			select {
			case <-in.Done():
				progressed = true
			case <-ctx.Done():
				return fmt.Errorf("instance %d did not settle: %w", in.ID(), ctx.Err())
			}
		}
		if !progressed {
			return nil
		}
	}
}

func isDone(in *task.Instance) bool {
	select {
	case <-in.Done():
		return true
	default:
		return false
	}
}

func (p *player) printHeader() {
	fmt.Fprintf(p.out, "task %s schedule=%s work=%s\n", p.obj.Name(), p.obj.Schedule(), p.host.work)
}

func (p *player) printState(n int, st Step) {
	s := p.obj.Status()
	fmt.Fprintf(p.out, "%2d %-14s t=%-6s running=%d queued=%d ok=%d failed=%d cancelled=%d dropped=%d",
		n, st, p.clock.Since(p.start), s.Running, s.Queued,
		s.SuccessCount, s.FailCount, s.CancelCount, s.DropCount)
	if v := p.obj.LastSuccessfulValue(); v != nil {
		fmt.Fprintf(p.out, " last_ok=%q", v)
	}
	if err := p.obj.LastErrorValue(); err != nil {
		fmt.Fprintf(p.out, " last_err=%q", err.Error())
	}
	if s.Destroyed {
		fmt.Fprint(p.out, " destroyed")
	}
	fmt.Fprintln(p.out)
}

// summary is the YAML document printed after the last step.
type summary struct {
	Task      string   `yaml:"task"`
	Schedule  string   `yaml:"schedule"`
	Performed int      `yaml:"performed"`
	Succeeded uint64   `yaml:"succeeded"`
	Failed    uint64   `yaml:"failed"`
	Cancelled uint64   `yaml:"cancelled"`
	Dropped   uint64   `yaml:"dropped"`
	Instances []string `yaml:"instances"`
}

func (p *player) summary() summary {
	s := p.obj.Status()
	out := summary{
		Task:      s.Name,
		Schedule:  s.Schedule.String(),
		Performed: len(p.performed),
		Succeeded: s.SuccessCount,
		Failed:    s.FailCount,
		Cancelled: s.CancelCount,
		Dropped:   s.DropCount,
	}
	for _, in := range p.performed {
		out.Instances = append(out.Instances, fmt.Sprintf("#%d %s", in.ID(), instanceState(in)))
	}
	return out
}

func instanceState(in *task.Instance) string {
	if in.IsCancelled() {
		if in.HasStarted() {
			return "cancelled"
		}
		return "cancelled before start"
	}
	if c, ok := in.Completed(); ok {
		if c.Success {
			return fmt.Sprintf("succeeded %v", c.Value)
		}
		return "failed: " + c.Err.Error()
	}
	if in.IsRunning() {
		return "running"
	}
	return "queued"
}
