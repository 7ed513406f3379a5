package taskprom

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/evan-idocoding/ztask/rt/task"
)

const unnamed = "unnamed"

type config struct {
	namespace string
	subsystem string
	buckets   []float64
}

// Option configures a Collector.
type Option func(*config)

// WithNamespace sets the metric namespace. Default is "ztask".
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithSubsystem sets the metric subsystem. Default is empty.
func WithSubsystem(s string) Option {
	return func(c *config) { c.subsystem = s }
}

// WithBuckets sets the run duration histogram buckets. Default is prometheus.DefBuckets.
func WithBuckets(b ...float64) Option {
	return func(c *config) {
		if len(b) > 0 {
			c.buckets = b
		}
	}
}

// Collector is a prometheus.Collector fed by task run hooks and group snapshots.
type Collector struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  *prometheus.Desc
	queued   *prometheus.Desc

	mu     sync.Mutex
	groups []*task.Group
}

// New creates an unregistered Collector.
func New(opts ...Option) *Collector {
	cfg := config{namespace: "ztask", buckets: prometheus.DefBuckets}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	return &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: cfg.subsystem,
			Name:      "runs_total",
			Help:      "Terminal task instances by outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: cfg.subsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of task instances that started, from start to terminal state.",
			Buckets:   cfg.buckets,
		}, []string{"task", "outcome"}),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.namespace, cfg.subsystem, "running"),
			"Running task instances.",
			[]string{"task"}, nil,
		),
		queued: prometheus.NewDesc(
			prometheus.BuildFQName(cfg.namespace, cfg.subsystem, "queued"),
			"Enqueued task instances waiting for admission.",
			[]string{"task"}, nil,
		),
	}
}

// Register creates a Collector and registers it on reg.
//
// If reg is nil, prometheus.DefaultRegisterer is used.
func Register(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := New(opts...)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// GroupOptions returns the group options that feed this collector's run metrics.
func (c *Collector) GroupOptions() []task.GroupOption {
	return []task.GroupOption{
		task.WithGroupOnRunFinish(c.OnRunFinish),
	}
}

// Observe adds g to the groups whose snapshots back the running and queued gauges.
// Destroyed groups are skipped at scrape time.
func (c *Collector) Observe(g *task.Group) {
	if g == nil {
		return
	}
	c.mu.Lock()
	c.groups = append(c.groups, g)
	c.mu.Unlock()
}

// OnRunFinish records a terminal instance. It can be used directly as a run hook.
func (c *Collector) OnRunFinish(info task.RunFinishInfo) {
	name := label(info.Name)
	outcome := info.Outcome.String()
	c.runs.WithLabelValues(name, outcome).Inc()
	if !info.StartedAt.IsZero() {
		c.duration.WithLabelValues(name, outcome).Observe(info.Duration.Seconds())
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.duration.Describe(ch)
	ch <- c.running
	ch <- c.queued
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.duration.Collect(ch)

	c.mu.Lock()
	groups := make([]*task.Group, 0, len(c.groups))
	live := c.groups[:0]
	for _, g := range c.groups {
		if g.IsDestroyed() {
			continue
		}
		groups = append(groups, g)
		live = append(live, g)
	}
	c.groups = live
	c.mu.Unlock()

	running := make(map[string]int)
	queued := make(map[string]int)
	var order []string
	for _, g := range groups {
		for _, st := range g.Snapshot().Tasks {
			name := label(st.Name)
			if _, ok := running[name]; !ok {
				order = append(order, name)
			}
			running[name] += st.Running
			queued[name] += st.Queued
		}
	}
	for _, name := range order {
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(running[name]), name)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(queued[name]), name)
	}
}

func label(name string) string {
	if name == "" {
		return unnamed
	}
	return name
}
