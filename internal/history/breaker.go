package history

import (
	"context"
	"io"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker placed in front of a remote sink.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // consecutive failures that open the circuit
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`      // time spent open before a probe
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	return c
}

// BreakerSink short-circuits sends to a sink that keeps failing, so an
// unreachable database costs one fast error per event instead of a timeout.
type BreakerSink struct {
	next Sink
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// WithBreaker wraps next in a circuit breaker named name.
func WithBreaker(name string, next Sink, cfg BreakerConfig, log *slog.Logger) *BreakerSink {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("history sink circuit changed", "sink", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &BreakerSink{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *BreakerSink) Send(ctx context.Context, e Event) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, e)
	})
	return err
}

// State reports the breaker state (closed, half-open, open).
func (b *BreakerSink) State() string { return b.cb.State().String() }

func (b *BreakerSink) Close() error {
	if c, ok := b.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
