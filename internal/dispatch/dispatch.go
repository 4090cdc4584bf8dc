// Package dispatch maps console command lines onto supervisor, watchdog and
// monitor operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/supervisor"
	"github.com/loykin/rtmsm/internal/watchdog"
)

var ErrUnknownCommand = errors.New("unknown command")

type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, settle time.Duration) error
	IsRunning() bool
	PID() int
}

type Watchdog interface {
	Start() bool
	Stop() bool
	Armed() bool
}

type Monitor interface {
	Start() bool
	Stop() bool
}

type ScheduleReader interface {
	RestartSchedule() (settings.RestartSchedule, error)
}

// Commands lists the accepted command lines in help order.
var Commands = []struct{ Name, Help string }{
	{"start", "Start the server (runs the update step first)"},
	{"stop", "Send the shutdown command, force kill after the grace period"},
	{"restart", "Stop then start the server"},
	{"status", "Report whether the server is running"},
	{"watchdog on", "Arm the scheduled restart watchdog"},
	{"watchdog off", "Disarm the scheduled restart watchdog"},
	{"monitor on", "Log CPU and memory usage every 30 seconds"},
	{"monitor off", "Stop the performance monitor"},
	{"schedule", "Show the next scheduled restart"},
	{"help", "Show this list"},
}

type Dispatcher struct {
	Supervisor Supervisor
	Watchdog   Watchdog
	Monitor    Monitor
	Schedule   ScheduleReader
	Log        logger.LogFunc
	Now        func() time.Time

	echo logger.LogFunc
}

// WithLog returns a copy whose output also goes to extra, including what the
// supervisor logs while running its commands.
func (d *Dispatcher) WithLog(extra logger.LogFunc) *Dispatcher {
	c := *d
	c.Log = logger.Tee(d.Log, extra)
	c.echo = logger.Tee(d.echo, extra)
	return &c
}

// Dispatch runs one command line. Failures have already been logged by the
// component that detected them; the returned error is for inspection only.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) error {
	cmd := strings.Join(strings.Fields(strings.ToLower(line)), " ")
	if cmd == "" {
		return nil
	}
	log := d.Log
	if log == nil {
		log = logger.Discard
	}
	if d.echo != nil {
		ctx = logger.WithEcho(ctx, d.echo)
	}

	if d.Supervisor == nil && (cmd == "start" || cmd == "stop" || cmd == "restart" || cmd == "status") {
		log("⚠️ Server control is not available.")
		return nil
	}

	switch cmd {
	case "start":
		return d.Supervisor.Start(ctx)
	case "stop":
		return d.Supervisor.Stop(ctx)
	case "restart":
		log("🔁 Restarting server...")
		return d.Supervisor.Restart(ctx, 0)
	case "status":
		if d.Supervisor.IsRunning() {
			log(fmt.Sprintf("✅ Server is running. (PID: %d)", d.Supervisor.PID()))
		} else {
			log("❌ Server is stopped.")
		}
		return nil
	case "watchdog on", "watchdog off":
		if d.Watchdog == nil {
			log("⚠️ Restart watchdog is not available.")
			return nil
		}
		if cmd == "watchdog on" {
			d.Watchdog.Start()
		} else if !d.Watchdog.Stop() {
			log("⚠️ Restart watchdog is not running.")
		}
		return nil
	case "monitor on", "monitor off":
		if d.Monitor == nil {
			log("⚠️ Performance monitor is not available.")
			return nil
		}
		if cmd == "monitor on" {
			d.Monitor.Start()
		} else if !d.Monitor.Stop() {
			log("⚠️ Performance monitor is not running.")
		}
		return nil
	case "schedule":
		return d.schedule(log)
	case "help":
		log("📖 Available commands:")
		for _, c := range Commands {
			log(fmt.Sprintf("  %-13s %s", c.Name, c.Help))
		}
		return nil
	}
	log(fmt.Sprintf("❓ Unknown command: %s", cmd))
	return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}

func (d *Dispatcher) schedule(log logger.LogFunc) error {
	if d.Schedule == nil {
		log("⚠️ Restart schedule is not available.")
		return nil
	}
	rs, err := d.Schedule.RestartSchedule()
	if err != nil {
		log(fmt.Sprintf("❌ Could not read restart schedule: %v", err))
		return fmt.Errorf("%w: %v", supervisor.ErrConfiguration, err)
	}
	if !rs.Enabled {
		log("🕒 Scheduled restarts are disabled.")
		return nil
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	next, err := watchdog.NextRestart(rs, now)
	if err != nil {
		log(fmt.Sprintf("⚠️ Restart schedule: %v", err))
		return fmt.Errorf("%w: %v", supervisor.ErrConfiguration, err)
	}
	armed := "off"
	if d.Watchdog != nil && d.Watchdog.Armed() {
		armed = "on"
	}
	log(fmt.Sprintf("🕒 Next restart (%s): %s, in %d minutes. Watchdog %s.",
		rs.EffectiveMode(), next.Format("2006-01-02 15:04"), watchdog.MinutesLeft(next, now), armed))
	return nil
}
