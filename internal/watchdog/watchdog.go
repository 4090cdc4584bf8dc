// Package watchdog restarts the server on the persisted restart schedule.
//
// The loop polls: every tick re-reads the schedule from the settings store,
// recomputes the next restart instant and decides whether to warn or restart.
// Edits to the schedule therefore take effect within one poll interval.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/rtmsm/internal/history"
	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/metrics"
	"github.com/loykin/rtmsm/internal/notify"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/supervisor"
)

const (
	IdlePoll         = 10 * time.Second
	PollInterval     = 30 * time.Second
	PostRestartPause = 60 * time.Second
	SettleDelay      = 3 * time.Second
)

// Supervisor is the lifecycle surface the watchdog drives.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ScheduleStore reads and persists the restart schedule.
type ScheduleStore interface {
	RestartSchedule() (settings.RestartSchedule, error)
	SaveRestartSchedule(settings.RestartSchedule) error
}

type Options struct {
	Supervisor Supervisor
	Schedule   ScheduleStore
	Notifier   notify.Notifier
	Log        logger.LogFunc
	Journal    *history.Journal
	Name       string // server name used in history events

	// Zero values use the package constants.
	IdlePoll         time.Duration
	PollInterval     time.Duration
	PostRestartPause time.Duration
	SettleDelay      time.Duration

	Now func() time.Time
}

// Watchdog runs at most one scheduling loop at a time.
type Watchdog struct {
	opts Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	next   time.Time
}

// run holds the per-loop countdown state.
type run struct {
	lastWarning int // 0 when no warning was issued this countdown
	lastFired   time.Time
	badTime     bool
	saveFailed  bool
	anchor      string // hourly anchor kept in memory while it cannot be saved
}

func New(opts Options) *Watchdog {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Log == nil {
		opts.Log = logger.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = IdlePoll
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = PollInterval
	}
	if opts.PostRestartPause <= 0 {
		opts.PostRestartPause = PostRestartPause
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = SettleDelay
	}
	return &Watchdog{opts: opts}
}

// Start arms the watchdog. It reports false when a loop is already armed.
func (w *Watchdog) Start() bool {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		w.opts.Log("🔁 Restart watchdog already running.")
		return false
	}
	prev := w.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	metrics.SetWatchdogArmed(true)
	w.opts.Log("🕒 Restart watchdog started.")
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		w.loop(ctx)
	}()
	return true
}

// Stop disarms the watchdog. A restart already in progress completes; Stop
// does not wait for it (see Wait).
func (w *Watchdog) Stop() bool {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.next = time.Time{}
	w.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	metrics.SetWatchdogArmed(false)
	metrics.SetNextRestart(time.Time{})
	w.opts.Log("❌ Restart watchdog stopped.")
	return true
}

// Wait blocks until the most recent loop has exited.
func (w *Watchdog) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// NextRestart returns the instant computed by the last tick, if any.
func (w *Watchdog) NextRestart() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next, !w.next.IsZero()
}

func (w *Watchdog) loop(ctx context.Context) {
	r := &run{}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d := w.tick(ctx, r)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(d)
	}
}

// tick runs one iteration and returns how long to sleep before the next.
func (w *Watchdog) tick(ctx context.Context, r *run) time.Duration {
	rs, err := w.opts.Schedule.RestartSchedule()
	if err != nil {
		w.opts.Log(fmt.Sprintf("⚠️ Could not read restart schedule: %v", err))
		return w.opts.IdlePoll
	}
	if !rs.Enabled {
		w.setNext(time.Time{})
		return w.opts.IdlePoll
	}

	now := w.opts.Now()
	hourly := rs.EffectiveMode() == settings.ModeHourly
	if hourly {
		if _, ok := rs.LastStartAt(now.Location()); !ok {
			if r.anchor != "" {
				rs.LastStart = r.anchor
			} else {
				rs = rs.WithLastStart(now.Truncate(time.Second))
			}
			w.saveAnchor(r, rs)
		}
	}

	next, err := NextRestart(rs, now)
	if err != nil {
		if !r.badTime {
			w.opts.Log(fmt.Sprintf("⚠️ Restart schedule: %v", err))
			r.badTime = true
		}
	} else {
		r.badTime = false
	}
	w.setNext(next)

	left := MinutesLeft(next, now)
	if rs.Warnings && isWarningMark(left) && left != r.lastWarning {
		r.lastWarning = left
		metrics.IncWarning(left)
		text := fmt.Sprintf("⏰ Server will restart in %d minutes.", left)
		w.opts.Notifier.Notify(notify.Message{
			Terminal: text,
			Title:    "Scheduled restart",
			Body:     text,
		})
	}

	if left > 0 || next.Equal(r.lastFired) {
		return w.opts.PollInterval
	}

	r.lastFired = next
	w.restart(ctx, r, next, hourly)
	r.lastWarning = 0
	return w.opts.PostRestartPause + w.opts.PollInterval
}

// restart performs the stop/settle/start sequence. It ignores cancellation
// of ctx so a disarm cannot leave the server stopped halfway.
func (w *Watchdog) restart(ctx context.Context, r *run, at time.Time, hourly bool) {
	ctx = context.WithoutCancel(ctx)
	const text = "♻️ Scheduled restart time reached. Restarting server..."
	w.opts.Notifier.Notify(notify.Message{Terminal: text, Title: "Scheduled restart", Body: text})
	metrics.IncScheduledRestart()
	w.opts.Journal.Record(history.Event{
		Type:       history.EventScheduledRestart,
		OccurredAt: w.opts.Now(),
		Name:       w.opts.Name,
		Detail:     at.Format(settings.LastStartLayout),
	})

	if err := w.opts.Supervisor.Stop(ctx); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		w.opts.Log(fmt.Sprintf("⚠️ Scheduled stop failed: %v", err))
	}
	sleep(ctx, w.opts.SettleDelay)
	if err := w.opts.Supervisor.Start(ctx); err != nil {
		w.opts.Log(fmt.Sprintf("⚠️ Scheduled start failed: %v", err))
	}

	if !hourly {
		return
	}
	// Re-read: the schedule may have been edited while the server restarted.
	rs, err := w.opts.Schedule.RestartSchedule()
	if err != nil {
		w.opts.Log(fmt.Sprintf("⚠️ Could not read restart schedule: %v", err))
		return
	}
	if rs.EffectiveMode() != settings.ModeHourly {
		return
	}
	w.saveAnchor(r, rs.WithLastStart(at))
}

// saveAnchor persists rs with its hourly anchor. A schedule that cannot be
// saved keeps its anchor in memory for this run and the error is logged once.
func (w *Watchdog) saveAnchor(r *run, rs settings.RestartSchedule) {
	rs = rs.Normalized()
	if err := w.opts.Schedule.SaveRestartSchedule(rs); err != nil {
		r.anchor = rs.LastStart
		if !r.saveFailed {
			w.opts.Log(fmt.Sprintf("⚠️ Could not save restart anchor: %v", err))
			r.saveFailed = true
		}
		return
	}
	r.anchor = ""
	r.saveFailed = false
}

func (w *Watchdog) setNext(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.next = t
		metrics.SetNextRestart(t)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
