package task

import (
	"bytes"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

var stderrMu sync.Mutex

func reportPanicToStderr(info PanicInfo) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "task: panic where=%s", info.Where)
	if info.Name != "" {
		fmt.Fprintf(&buf, " name=%q", info.Name)
	}
	if info.Instance != 0 {
		fmt.Fprintf(&buf, " instance=%d", info.Instance)
	}
	fmt.Fprintf(&buf, " value=%v\n", info.Value)
	if len(info.Stack) > 0 {
		_, _ = buf.Write(info.Stack)
		if info.Stack[len(info.Stack)-1] != '\n' {
			_ = buf.WriteByte('\n')
		}
	}

	stderrMu.Lock()
	_, _ = os.Stderr.Write(buf.Bytes())
	stderrMu.Unlock()
}

// reportPanic delivers info to h, or to stderr when h is nil. A panicking handler is
// contained and its own panic goes to stderr.
func reportPanic(h PanicHandler, info PanicInfo) {
	if h == nil {
		reportPanicToStderr(info)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			reportPanicToStderr(PanicInfo{
				Name:     info.Name,
				Instance: info.Instance,
				Where:    "panic-handler",
				Value:    r,
				Stack:    debug.Stack(),
			})
		}
	}()
	h(info)
}

// callNoPanic runs a user callback and contains any panic it raises.
func callNoPanic(name, where string, h PanicHandler, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			reportPanic(h, PanicInfo{Name: name, Where: where, Value: r, Stack: debug.Stack()})
		}
	}()
	fn()
}

// normalizeName trims whitespace. Empty names remain empty.
func normalizeName(name string) string {
	return strings.TrimSpace(name)
}

func validateName(name string) error {
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
		default:
			return fmt.Errorf("%w: %q contains %q (allowed: [A-Za-z0-9._-])", ErrInvalidName, name, c)
		}
	}
	return nil
}

// errorText renders err for Status and hooks. fmt recovers from a panicking Error method.
func errorText(err error) string {
	return fmt.Sprint(err)
}
