package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/rtmsm/internal/metrics"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart            EventType = "start"
	EventStop             EventType = "stop"
	EventExit             EventType = "exit" // the server died without a stop request
	EventUpdateFailed     EventType = "update_failed"
	EventScheduledRestart EventType = "scheduled_restart"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds each Send issued by a Journal.
const DefaultSendTimeout = 5 * time.Second

type namedSink struct {
	name string
	sink Sink
}

// Journal fans events out to the configured sinks in the background so that
// a slow database never delays a lifecycle transition.
type Journal struct {
	mu      sync.RWMutex
	sinks   []namedSink
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewJournal(log *slog.Logger) *Journal {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Journal{log: log, timeout: DefaultSendTimeout}
}

// Add registers a sink under name (used in logs and metrics labels).
func (j *Journal) Add(name string, s Sink) {
	if j == nil || s == nil {
		return
	}
	j.mu.Lock()
	j.sinks = append(j.sinks, namedSink{name: name, sink: s})
	j.mu.Unlock()
}

// Len returns the number of registered sinks.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.sinks)
}

// Record sends e to every sink asynchronously. A nil Journal drops events.
func (j *Journal) Record(e Event) {
	if j == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	j.mu.RLock()
	sinks := append([]namedSink(nil), j.sinks...)
	j.mu.RUnlock()

	for _, ns := range sinks {
		j.wg.Add(1)
		go func(ns namedSink) {
			defer j.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()
			if err := ns.sink.Send(ctx, e); err != nil {
				metrics.IncHistoryError(ns.name)
				j.log.Warn("history send failed", "sink", ns.name, "event", e.Type, "error", err)
			}
		}(ns)
	}
}

// Flush waits for in-flight sends.
func (j *Journal) Flush() {
	if j != nil {
		j.wg.Wait()
	}
}

// Close flushes and closes every sink that implements io.Closer.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.Flush()
	j.mu.Lock()
	sinks := j.sinks
	j.sinks = nil
	j.mu.Unlock()

	var errs []error
	for _, ns := range sinks {
		if c, ok := ns.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the received events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the types of the received events in order.
func (m *MemorySink) Types() []EventType {
	evs := m.Events()
	out := make([]EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

// Config lists the sinks the daemon exports lifecycle events to.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	DSNs    []string      `mapstructure:"dsns"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}
