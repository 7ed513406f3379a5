package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evan-idocoding/ztask/rt/task"
)

type taskOpsConfig struct {
	format Format
	// allow is nil when every task is visible; otherwise it lists exact names and
	// "prefix*" patterns.
	allow []string
}

// TaskOption configures task ops handlers.
type TaskOption func(*taskOpsConfig)

// WithTaskDefaultFormat sets the default response format for task handlers.
//
// The default can be overridden per request with ?format=json or ?format=text.
// Default is FormatText.
func WithTaskDefaultFormat(f Format) TaskOption {
	return func(c *taskOpsConfig) { c.format = f }
}

// WithTaskAllow restricts the handlers to named tasks matching one of patterns. A pattern
// is an exact task name, or a prefix followed by "*" ("public.*").
//
// Once WithTaskAllow is given, unnamed tasks are hidden from snapshots and writes to other
// names return 403. Empty patterns are ignored, so WithTaskAllow() denies every name.
func WithTaskAllow(patterns ...string) TaskOption {
	return func(c *taskOpsConfig) {
		if c.allow == nil {
			c.allow = []string{}
		}
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				c.allow = append(c.allow, p)
			}
		}
	}
}

func (c taskOpsConfig) allows(name string) bool {
	if c.allow == nil {
		return true
	}
	if name == "" {
		return false
	}
	for _, p := range c.allow {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if p == name {
			return true
		}
	}
	return false
}

func newTaskOpsConfig(g *task.Group, opts []TaskOption) taskOpsConfig {
	if g == nil {
		panic("ops: nil task.Group")
	}
	cfg := taskOpsConfig{format: FormatText}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.format != FormatJSON {
		cfg.format = FormatText
	}
	return cfg
}

// TasksSnapshotHandler returns a handler that outputs a task group snapshot.
//
// Behavior:
//   - GET/HEAD only; other methods return 405.
//   - Text by default; see WithTaskDefaultFormat and ?format=json|text.
//   - With WithTaskAllow, only matching named tasks are shown.
func TasksSnapshotHandler(g *task.Group, opts ...TaskOption) http.Handler {
	cfg := newTaskOpsConfig(g, opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeTasksSnapshot(w, r, format, http.StatusMethodNotAllowed, tasksSnapshotResponse{
				Error: "method not allowed",
			})
			return
		}
		writeTasksSnapshot(w, r, format, http.StatusOK, tasksSnapshotResponse{
			OK:        true,
			Destroyed: g.IsDestroyed(),
			Tasks:     toTaskStatusSnapshots(g.Snapshot(), cfg),
		})
	})
}

// TaskCancelAllHandler returns a handler that cancels every instance of a named task and
// clears its queue.
//
// Input: POST ?name=<task name>
//
// Output: 200 with the number of running and queued instances cancelled; 400 missing
// name, 403 name not allowed, 404 task not found.
func TaskCancelAllHandler(g *task.Group, opts ...TaskOption) http.Handler {
	return taskWriteHandler(g, opts, "cancel_all", func(h task.Handle, _ *http.Request, resp *taskWriteResponse) int {
		before := h.Status()
		h.CancelAll()
		resp.Cancelled = before.Running + before.Queued
		return http.StatusOK
	})
}

// TaskScheduleHandler returns a handler that changes the schedule of a named task.
//
// Input: POST ?name=<task name>&schedule=concurrent|drop|restart|enqueue
//
// Output: 200 with the new schedule; 400 missing name or invalid schedule, 403 name not
// allowed, 404 task not found.
func TaskScheduleHandler(g *task.Group, opts ...TaskOption) http.Handler {
	return taskWriteHandler(g, opts, "schedule", func(h task.Handle, r *http.Request, resp *taskWriteResponse) int {
		raw, _ := queryValue(r, "schedule")
		if raw = strings.TrimSpace(raw); raw == "" {
			resp.Error = "missing schedule"
			return http.StatusBadRequest
		}
		if err := h.SetSchedule(raw); err != nil {
			resp.Error = err.Error()
			if errors.Is(err, task.ErrInvalidSchedule) {
				return http.StatusBadRequest
			}
			return http.StatusInternalServerError
		}
		resp.Schedule = h.Schedule().String()
		return http.StatusOK
	})
}

// taskWriteHandler serves a POST ?name=<task> endpoint. apply runs against the resolved
// task and returns the status code; a code other than 200 must come with resp.Error.
func taskWriteHandler(g *task.Group, opts []TaskOption, action string, apply func(task.Handle, *http.Request, *taskWriteResponse) int) http.Handler {
	cfg := newTaskOpsConfig(g, opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := formatFromRequest(r, cfg.format)
		resp := taskWriteResponse{Action: action}
		if r.Method != http.MethodPost {
			resp.Error = "method not allowed"
			writeTaskWrite(w, format, http.StatusMethodNotAllowed, resp)
			return
		}
		name, _ := queryValue(r, "name")
		resp.Name = strings.TrimSpace(name)
		var code int
		switch h, ok := g.Lookup(resp.Name); {
		case resp.Name == "":
			resp.Error = "missing name"
			code = http.StatusBadRequest
		case !cfg.allows(resp.Name):
			resp.Error = "name not allowed"
			code = http.StatusForbidden
		case !ok:
			resp.Error = "task not found"
			code = http.StatusNotFound
		default:
			code = apply(h, r, &resp)
		}
		resp.OK = code == http.StatusOK
		writeTaskWrite(w, format, code, resp)
	})
}

type taskStatusSnapshot struct {
	// Name is the configured task name (may be empty).
	Name string `json:"name"`
	// DisplayName is always non-empty. Unnamed tasks are rendered as "unnamed#<index>".
	//
	// Note: the index is derived from the current snapshot ordering and is intended
	// for display only; it is not a stable identifier.
	DisplayName string `json:"display_name"`

	Schedule  string `json:"schedule"`
	Destroyed bool   `json:"destroyed,omitempty"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`

	PerformCount uint64 `json:"perform_count"`
	SuccessCount uint64 `json:"success_count"`
	FailCount    uint64 `json:"fail_count"`
	CancelCount  uint64 `json:"cancel_count"`
	DropCount    uint64 `json:"drop_count"`

	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type tasksSnapshotResponse struct {
	OK        bool                 `json:"ok"`
	Error     string               `json:"error,omitempty"`
	Destroyed bool                 `json:"destroyed,omitempty"`
	Tasks     []taskStatusSnapshot `json:"tasks,omitempty"`
}

func toTaskStatusSnapshots(s task.Snapshot, cfg taskOpsConfig) []taskStatusSnapshot {
	if len(s.Tasks) == 0 {
		return nil
	}
	out := make([]taskStatusSnapshot, 0, len(s.Tasks))
	for i, st := range s.Tasks {
		if !cfg.allows(st.Name) {
			continue
		}
		display := st.Name
		if display == "" {
			display = fmt.Sprintf("unnamed#%d", i)
		}
		out = append(out, taskStatusSnapshot{
			Name:         st.Name,
			DisplayName:  display,
			Schedule:     st.Schedule.String(),
			Destroyed:    st.Destroyed,
			Running:      st.Running,
			Queued:       st.Queued,
			PerformCount: st.PerformCount,
			SuccessCount: st.SuccessCount,
			FailCount:    st.FailCount,
			CancelCount:  st.CancelCount,
			DropCount:    st.DropCount,
			LastStarted:  st.LastStarted,
			LastFinished: st.LastFinished,
			LastError:    st.LastError,
		})
	}
	return out
}

func writeTasksSnapshot(w http.ResponseWriter, r *http.Request, f Format, code int, resp tasksSnapshotResponse) {
	w.Header().Set("Cache-Control", "no-store")
	switch f {
	case FormatJSON:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		if !resp.OK {
			writeTextError(w, resp.Error)
			return
		}
		_, _ = w.Write([]byte(renderTasksSnapshotText(resp.Tasks)))
	}
}

func renderTasksSnapshotText(tasks []taskStatusSnapshot) string {
	// Stable and greppable.
	// Format: task\t<display_name>\t<field>\t<value>\n
	var b strings.Builder
	b.Grow(256)

	write := func(name, field, value string) {
		b.WriteString("task\t")
		b.WriteString(escapeTextField(name))
		b.WriteByte('\t')
		b.WriteString(field)
		b.WriteByte('\t')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	for _, st := range tasks {
		n := st.DisplayName
		write(n, "schedule", st.Schedule)
		if st.Destroyed {
			write(n, "destroyed", "true")
		}
		write(n, "running", strconv.Itoa(st.Running))
		write(n, "queued", strconv.Itoa(st.Queued))
		write(n, "perform_count", strconv.FormatUint(st.PerformCount, 10))
		write(n, "success_count", strconv.FormatUint(st.SuccessCount, 10))
		write(n, "fail_count", strconv.FormatUint(st.FailCount, 10))
		write(n, "cancel_count", strconv.FormatUint(st.CancelCount, 10))
		write(n, "drop_count", strconv.FormatUint(st.DropCount, 10))
		if !st.LastStarted.IsZero() {
			write(n, "last_started", st.LastStarted.Format(time.RFC3339Nano))
		}
		if !st.LastFinished.IsZero() {
			write(n, "last_finished", st.LastFinished.Format(time.RFC3339Nano))
		}
		if st.LastError != "" {
			write(n, "last_error", escapeTextField(st.LastError))
		}
	}
	return b.String()
}

type taskWriteResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Action string `json:"action"`
	Name   string `json:"name,omitempty"`

	// Cancelled is the number of running and queued instances at the time of a cancel_all.
	Cancelled int    `json:"cancelled,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
}

func writeTaskWrite(w http.ResponseWriter, f Format, code int, resp taskWriteResponse) {
	w.Header().Set("Cache-Control", "no-store")
	if code == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", "POST")
	}
	switch f {
	case FormatJSON:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		if !resp.OK {
			writeTextError(w, resp.Error)
			return
		}
		_, _ = w.Write([]byte(renderTaskWriteText(resp)))
	}
}

func renderTaskWriteText(resp taskWriteResponse) string {
	// task_<action>\t<name>\t<field>\t<value>\n
	field, value := "cancelled", strconv.Itoa(resp.Cancelled)
	if resp.Action == "schedule" {
		field, value = "schedule", resp.Schedule
	}
	return "task_" + resp.Action + "\t" + escapeTextField(resp.Name) + "\t" + field + "\t" + value + "\n"
}
