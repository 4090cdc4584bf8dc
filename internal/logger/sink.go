package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// LogFunc is the single-argument log sink every observable action of the
// supervisor, watchdog and dispatcher funnels through.
type LogFunc func(text string)

// Discard drops every line.
func Discard(string) {}

// Sink adapts a structured logger to a LogFunc. Lines are logged at info
// level under the given component.
func Sink(l *slog.Logger, component string) LogFunc {
	if l == nil {
		return Discard
	}
	l = l.With("component", component)
	return func(text string) { l.Info(text) }
}

// Console writes "[HH:MM:SS] text" lines to w, the way the interactive
// terminal shows them. Writes are serialized.
func Console(w io.Writer) LogFunc {
	var mu sync.Mutex
	return func(text string) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(w, "%s %s\n", time.Now().Format("[15:04:05]"), text)
	}
}

// Tee forwards each line to all non-nil sinks in order.
func Tee(sinks ...LogFunc) LogFunc {
	out := make([]LogFunc, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return func(text string) {
		for _, s := range out {
			s(text)
		}
	}
}

type echoKey struct{}

// WithEcho returns a context asking components that log on its behalf to copy
// their lines to echo too.
func WithEcho(ctx context.Context, echo LogFunc) context.Context {
	if echo == nil {
		return ctx
	}
	return context.WithValue(ctx, echoKey{}, echo)
}

// ForContext returns l teed with the echo sink carried by ctx, if any.
func (l LogFunc) ForContext(ctx context.Context) LogFunc {
	if ctx == nil {
		return l
	}
	if echo, ok := ctx.Value(echoKey{}).(LogFunc); ok {
		return Tee(l, echo)
	}
	return l
}

// Recorder collects lines in memory. It is used to capture the output of a
// single dispatched command and by tests.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Log appends a line; pass rec.Log wherever a LogFunc is expected.
func (r *Recorder) Log(text string) {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
