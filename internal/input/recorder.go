package input

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MaxRecorded bounds the calls a Recorder keeps; older calls are dropped.
const MaxRecorded = 4096

// Recorder is a Backend that records calls instead of touching the OS. It
// serves headless hosts (`--input=log`) and tests.
type Recorder struct {
	mu    sync.Mutex
	calls []string
	keep  int
	log   bool
	fail  error
}

// NewRecorder creates a recorder. With logCalls set every call is logged at
// debug level and nothing is retained, so a long-running host does not grow.
// Otherwise the last MaxRecorded calls are kept for Calls.
func NewRecorder(logCalls bool) *Recorder {
	keep := MaxRecorded
	if logCalls {
		keep = 0
	}
	return &Recorder{log: logCalls, keep: keep}
}

// FailWith makes every following call return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *Recorder) record(format string, args ...any) error {
	call := fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if r.keep > 0 {
		if len(r.calls) == r.keep {
			n := copy(r.calls, r.calls[1:])
			r.calls = r.calls[:n]
		}
		r.calls = append(r.calls, call)
	}
	if r.log {
		slog.Debug("input", "call", call)
	}
	return nil
}

func upDown(down bool) string {
	if down {
		return "down"
	}
	return "up"
}

func (r *Recorder) MoveRelative(dx, dy int) error { return r.record("move %d %d", dx, dy) }

func (r *Recorder) Button(button string, down bool) error {
	return r.record("button %s %s", button, upDown(down))
}

func (r *Recorder) Click(button string) error { return r.record("click %s", button) }

func (r *Recorder) Scroll(dx, dy int) error { return r.record("scroll %d %d", dx, dy) }

func (r *Recorder) Key(key string, down bool) error {
	return r.record("key %s %s", key, upDown(down))
}

func (r *Recorder) Tap(key string, modifiers ...string) error {
	if len(modifiers) == 0 {
		return r.record("tap %s", key)
	}
	return r.record("tap %s+%s", strings.Join(modifiers, "+"), key)
}

func (r *Recorder) Type(text string) error { return r.record("type %q", text) }

func (r *Recorder) Media(key string) error { return r.record("media %s", key) }

var _ Backend = (*Recorder)(nil)
