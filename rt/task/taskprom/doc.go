// Package taskprom exports task run metrics to Prometheus.
//
// It bridges the run hooks and snapshots of package task to prometheus collectors:
//
//	c, _ := taskprom.Register(prometheus.DefaultRegisterer)
//	g := task.NewGroup(c.GroupOptions()...)
//	c.Observe(g)
//
// Exported metrics (namespace defaults to "ztask"):
//   - runs_total{task,outcome}: terminal instances by outcome
//   - run_duration_seconds{task,outcome}: duration of instances that started
//   - running{task}: running instances, read from group snapshots at scrape time
//   - queued{task}: enqueued instances waiting for admission
//
// Unnamed tasks are reported under task="unnamed". Tasks with the same name on several
// observed groups are summed.
package taskprom
