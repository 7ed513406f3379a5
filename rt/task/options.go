package task

import (
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

type objectConfig struct {
	name     string
	schedule Schedule

	logger logr.Logger
	clock  clock.PassiveClock

	onPanic PanicHandler

	// hooks
	onRunStart  []func(info RunStartInfo)
	onRunFinish []func(info RunFinishInfo)
}

// Option configures an Object.
type Option func(*objectConfig)

// WithName sets a human-friendly task name.
//
// Notes:
//   - Name is optional (empty means unnamed).
//   - Name is normalized by strings.TrimSpace.
//   - Non-empty names must match [A-Za-z0-9._-].
//   - Non-empty names are unique within a Group; New returns ErrDuplicateName on duplicates.
func WithName(name string) Option {
	return func(c *objectConfig) { c.name = name }
}

// WithSchedule sets the initial admission policy. Default is Concurrent.
//
// An out-of-range value makes New return ErrInvalidSchedule.
func WithSchedule(s Schedule) Option {
	return func(c *objectConfig) { c.schedule = s }
}

// WithLogger sets the logger. Default is the group's logger, or logr.Discard().
func WithLogger(l logr.Logger) Option {
	return func(c *objectConfig) { c.logger = l }
}

// WithClock sets the clock used for instance timestamps. Default is the group's clock,
// or clock.RealClock.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *objectConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithPanicHandler sets the panic handler. If not set, panics are reported to stderr.
func WithPanicHandler(h PanicHandler) Option {
	return func(c *objectConfig) { c.onPanic = h }
}

// WithOnRunStart adds a hook to observe instance starts. Hooks are called synchronously,
// after any group-level hook.
func WithOnRunStart(fn func(info RunStartInfo)) Option {
	return func(c *objectConfig) {
		if fn != nil {
			c.onRunStart = append(c.onRunStart, fn)
		}
	}
}

// WithOnRunFinish adds a hook to observe terminal instances. Hooks are called
// synchronously, after any group-level hook.
func WithOnRunFinish(fn func(info RunFinishInfo)) Option {
	return func(c *objectConfig) {
		if fn != nil {
			c.onRunFinish = append(c.onRunFinish, fn)
		}
	}
}

type groupConfig struct {
	logger  logr.Logger
	clock   clock.PassiveClock
	onPanic PanicHandler

	onRunStart  []func(info RunStartInfo)
	onRunFinish []func(info RunFinishInfo)
}

// GroupOption configures a Group. Group options are defaults inherited by every object
// created on the group.
type GroupOption func(*groupConfig)

// WithGroupLogger sets the default logger for objects on this group.
func WithGroupLogger(l logr.Logger) GroupOption {
	return func(c *groupConfig) { c.logger = l }
}

// WithGroupClock sets the default clock for objects on this group.
func WithGroupClock(clk clock.PassiveClock) GroupOption {
	return func(c *groupConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithGroupPanicHandler sets the default panic handler for objects on this group, and
// the handler for panics raised by OnDestroy hooks.
func WithGroupPanicHandler(h PanicHandler) GroupOption {
	return func(c *groupConfig) { c.onPanic = h }
}

// WithGroupOnRunStart adds a hook for all objects on this group.
func WithGroupOnRunStart(fn func(info RunStartInfo)) GroupOption {
	return func(c *groupConfig) {
		if fn != nil {
			c.onRunStart = append(c.onRunStart, fn)
		}
	}
}

// WithGroupOnRunFinish adds a hook for all objects on this group.
func WithGroupOnRunFinish(fn func(info RunFinishInfo)) GroupOption {
	return func(c *groupConfig) {
		if fn != nil {
			c.onRunFinish = append(c.onRunFinish, fn)
		}
	}
}

func newGroupConfig(opts []GroupOption) groupConfig {
	c := groupConfig{
		logger: logr.Discard(),
		clock:  clock.RealClock{},
	}
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}

func newObjectConfig(g *Group, opts []Option) objectConfig {
	gc := newGroupConfig(nil)
	if g != nil {
		gc = g.cfg
	}
	c := objectConfig{
		schedule: Concurrent,
		logger:   gc.logger,
		clock:    gc.clock,
		onPanic:  gc.onPanic,
	}
	// Group hooks run first.
	c.onRunStart = append(c.onRunStart, gc.onRunStart...)
	c.onRunFinish = append(c.onRunFinish, gc.onRunFinish...)
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}
