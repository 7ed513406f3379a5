package task

import (
	"fmt"
	"sort"
	"sync"
)

// Group binds task objects to the lifetime of a host component.
//
// Destroying a group destroys every object created on it, then runs the host's own
// teardown hooks. No instance outlives its group.
//
// The zero value is not usable; create groups with NewGroup.
type Group struct {
	cfg  groupConfig
	step stepToken

	mu        sync.Mutex
	destroyed bool
	members   []Handle
	byName    map[string]Handle
	teardown  []func()
}

// NewGroup creates a group. Options are defaults for objects created on it.
func NewGroup(opts ...GroupOption) *Group {
	return &Group{
		cfg:    newGroupConfig(opts),
		step:   newStepToken(),
		byName: make(map[string]Handle),
	}
}

func (g *Group) register(h Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrDestroyed
	}
	if name := h.Name(); name != "" {
		if _, ok := g.byName[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		g.byName[name] = h
	}
	g.members = append(g.members, h)
	return nil
}

// OnDestroy registers a host teardown hook. Hooks run after every object of the group has
// been destroyed, in reverse registration order. A panicking hook is contained.
//
// If the group is already destroyed, fn runs immediately.
func (g *Group) OnDestroy(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	if !g.destroyed {
		g.teardown = append(g.teardown, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	callNoPanic("", "on-destroy", g.cfg.onPanic, fn)
}

// Destroy tears the group down. Only the first call has an effect.
//
// Every registered object is destroyed (change notification disabled, queue cleared,
// instances cancelled, further performs rejected) before any OnDestroy hook runs.
func (g *Group) Destroy() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	members := g.members
	teardown := g.teardown
	g.teardown = nil
	g.mu.Unlock()

	g.cfg.logger.V(1).Info("group destroyed", "tasks", len(members))
	for _, h := range members {
		h.Destroy()
	}
	for i := len(teardown) - 1; i >= 0; i-- {
		callNoPanic("", "on-destroy", g.cfg.onPanic, teardown[i])
	}
}

// IsDestroyed reports whether Destroy was called.
func (g *Group) IsDestroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed
}

// Lookup finds a named task object.
func (g *Group) Lookup(name string) (Handle, bool) {
	name = normalizeName(name)
	if name == "" {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.byName[name]
	return h, ok
}

// Snapshot returns the status of every object on the group. Named tasks are sorted by
// name and come first; unnamed ones follow in registration order.
func (g *Group) Snapshot() Snapshot {
	g.mu.Lock()
	members := make([]Handle, len(g.members))
	copy(members, g.members)
	g.mu.Unlock()

	out := make([]Status, 0, len(members))
	for _, h := range members {
		out = append(out, h.Status())
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Name, out[j].Name
		if a == "" || b == "" {
			return a != "" && b == ""
		}
		return a < b
	})
	return Snapshot{Tasks: out}
}
