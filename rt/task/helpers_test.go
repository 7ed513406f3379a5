package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

// unit is one abstract time unit of the scenarios below.
const unit = time.Millisecond

type host struct {
	started  atomic.Int64
	finished atomic.Int64
}

func newFakeClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
}

func testEnv(t *testing.T) *instanceEnv {
	return &instanceEnv{
		name:  "test",
		clock: clock.RealClock{},
		log:   testr.New(t),
		step:  newStepToken(),
	}
}

func waitDone(t *testing.T, in *Instance) {
	t.Helper()
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("instance %d not terminal after 5s", in.ID())
	}
}

// sleeper counts starts, waits d on clk, then counts finishes.
func sleeper(clk clock.Clock, d time.Duration) Procedure[*host] {
	return func(co *Co, h *host, _ ...any) (any, error) {
		h.started.Add(1)
		co.Await(Timeout(clk, d))
		h.finished.Add(1)
		return nil, nil
	}
}

func newTestObject(t *testing.T, h *host, proc Procedure[*host], opts ...Option) *Object[*host] {
	t.Helper()
	opts = append([]Option{WithLogger(testr.New(t))}, opts...)
	o, err := New(nil, h, proc, opts...)
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	return o
}
