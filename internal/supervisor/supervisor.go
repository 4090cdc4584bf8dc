// Package supervisor owns the single Return to Moria server process.
//
// All start and stop transitions go through one mutex-guarded state machine,
// so a start can never interleave with a stop. The raw process handle never
// leaves this package.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/rtmsm/internal/history"
	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/metrics"
	"github.com/loykin/rtmsm/internal/notify"
	"github.com/loykin/rtmsm/internal/process"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/updater"
)

const (
	DefaultExecutable      = "MoriaServer.exe"
	DefaultImageHint       = "MoriaServer-Win64-Shipping.exe"
	DefaultShutdownCommand = "Exit"
	DefaultGraceTimeout    = 5 * time.Second
	DefaultKillWait        = 5 * time.Second
)

// Config describes what to launch inside the install directory.
type Config struct {
	Executable      string        `mapstructure:"executable"`
	Args            []string      `mapstructure:"args"`
	Env             []string      `mapstructure:"env"`
	ImageHint       string        `mapstructure:"image_hint"`
	ShutdownCommand string        `mapstructure:"shutdown_command"`
	GraceTimeout    time.Duration `mapstructure:"grace_timeout"`
	KillWait        time.Duration `mapstructure:"kill_wait"`
}

func (c Config) withDefaults() Config {
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.ShutdownCommand == "" {
		c.ShutdownCommand = DefaultShutdownCommand
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = DefaultGraceTimeout
	}
	if c.KillWait <= 0 {
		c.KillWait = DefaultKillWait
	}
	return c
}

// Settings is the part of the settings store the supervisor reads.
type Settings interface {
	ServerPath() (string, error)
	Flag(key string, def bool) bool
}

// Options wires the supervisor's collaborators. Only Settings is required.
type Options struct {
	Config   Config
	Settings Settings
	Updater  updater.Updater
	Notifier notify.Notifier
	Log      logger.LogFunc
	Output   io.Writer // receives raw server output lines, e.g. a rotated file
	Journal  *history.Journal
}

// Status is a point-in-time snapshot of the supervised server.
type Status struct {
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Executable string    `json:"executable"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
	ExitError  string    `json:"exit_error,omitempty"`
}

// Supervisor owns the lifecycle of the single server process.
type Supervisor struct {
	cfg      Config
	name     string
	settings Settings
	updater  updater.Updater
	notifier notify.Notifier
	log      logger.LogFunc
	journal  *history.Journal

	outMu  sync.Mutex
	output io.Writer

	mu        sync.Mutex
	state     State
	proc      *process.Process
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
}

func New(opts Options) *Supervisor {
	cfg := opts.Config.withDefaults()
	s := &Supervisor{
		cfg:      cfg,
		name:     strings.TrimSuffix(cfg.Executable, filepath.Ext(cfg.Executable)),
		settings: opts.Settings,
		updater:  opts.Updater,
		notifier: opts.Notifier,
		log:      opts.Log,
		journal:  opts.Journal,
		output:   opts.Output,
	}
	if s.updater == nil {
		s.updater = updater.Skip
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.log == nil {
		s.log = logger.Discard
	}
	for _, st := range allStates {
		metrics.SetCurrentState(s.name, st.String(), st == StateNotRunning)
	}
	return s
}

// Name is the executable name without extension, used as a metrics label.
func (s *Supervisor) Name() string { return s.name }

// Start updates and launches the server. A server that is already running is
// left untouched and ErrAlreadyRunning is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	log := s.log.ForContext(ctx)
	begin := time.Now()

	s.mu.Lock()
	switch s.state {
	case StateStarting, StateStopping:
		st := s.state
		s.mu.Unlock()
		log(fmt.Sprintf("⏳ Server is %s, start ignored.", st))
		return ErrBusy
	case StateRunning:
		if s.proc != nil && s.proc.Alive() {
			s.mu.Unlock()
			log("⚠️ Server is already running. Start aborted.")
			return ErrAlreadyRunning
		}
		// exited but the exit watcher has not caught up yet
		s.proc = nil
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	p, err := s.launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateNotRunning)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.proc = p
	s.startedAt = p.StartedAt()
	s.exitErr = nil
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	go s.readOutput(p)
	go s.watchExit(p)

	log(fmt.Sprintf("🆔 PID: %d", p.PID()))
	s.announce(ctx, settings.KeyNotifyStart, notify.Message{
		Terminal: "✅ Server process started.",
		Title:    "RTM Server Started",
		Body:     fmt.Sprintf("Return to Moria server is up (PID %d).", p.PID()),
	})
	metrics.IncStart(s.name)
	metrics.ObserveStartDuration(s.name, time.Since(begin))
	s.journal.Record(history.Event{Type: history.EventStart, Name: s.name, PID: p.PID()})
	return nil
}

func (s *Supervisor) launch(ctx context.Context) (*process.Process, error) {
	log := s.log.ForContext(ctx)
	if s.settings == nil {
		log("❌ No settings store configured.")
		return nil, fmt.Errorf("%w: no settings store", ErrConfiguration)
	}
	dir, err := s.settings.ServerPath()
	if err != nil {
		log(fmt.Sprintf("❌ Failed to read settings: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if strings.TrimSpace(dir) == "" {
		log("❌ RTM Server path not found in settings.")
		return nil, fmt.Errorf("%w: %s is not set", ErrConfiguration, settings.KeyServerPath)
	}
	exe := filepath.Join(dir, s.cfg.Executable)
	if fi, err := os.Stat(exe); err != nil || fi.IsDir() {
		log(fmt.Sprintf("❌ Could not find %s in: %s", s.cfg.Executable, dir))
		return nil, fmt.Errorf("%w: %s not found in %s", ErrConfiguration, s.cfg.Executable, dir)
	}

	s.tell(ctx, notify.Message{
		Terminal: "🔄 Checking for updates...",
		Title:    "RTM Server Update",
		Body:     "Updating the Return to Moria server before launch.",
	})
	if err := s.updater.Update(ctx, dir); err != nil {
		log(fmt.Sprintf("❌ Update failed: %v", err))
		metrics.IncUpdateFailure(s.name)
		s.journal.Record(history.Event{Type: history.EventUpdateFailed, Name: s.name, Detail: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrExternalTool, err)
	}

	s.tell(ctx, notify.Message{
		Terminal: "🚀 Launching Return to Moria server...",
		Title:    "RTM Server Launching",
		Body:     "Launching the Return to Moria server.",
	})
	p, err := process.Start(process.Spec{
		Path:      exe,
		Args:      s.cfg.Args,
		WorkDir:   dir,
		Env:       s.cfg.Env,
		ImageHint: s.cfg.ImageHint,
	})
	if err != nil {
		log(fmt.Sprintf("❌ Error starting server: %v", err))
		if errors.Is(err, process.ErrNoExecutable) {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientIO, err)
	}
	return p, nil
}

// Stop asks the server to exit over stdin and force-kills it after the grace
// timeout. Whatever happens, the supervisor ends in NotRunning.
func (s *Supervisor) Stop(ctx context.Context) error {
	log := s.log.ForContext(ctx)
	s.mu.Lock()
	switch s.state {
	case StateNotRunning:
		s.mu.Unlock()
		log("⚠️ Server is not running.")
		return ErrNotRunning
	case StateStarting, StateStopping:
		st := s.state
		s.mu.Unlock()
		log(fmt.Sprintf("⏳ Server is %s, stop ignored.", st))
		return ErrBusy
	}
	p := s.proc
	s.setStateLocked(StateStopping)
	s.mu.Unlock()

	s.tell(ctx, notify.Message{
		Terminal: "⏹ Sending shutdown to server...",
		Title:    "RTM Server Stopping",
		Body:     "Graceful shutdown requested.",
	})

	forced, err := s.terminate(ctx, p)

	s.mu.Lock()
	s.proc = nil
	s.stoppedAt = time.Now()
	if p != nil {
		_, s.exitErr = p.ExitInfo()
	}
	s.setStateLocked(StateNotRunning)
	s.mu.Unlock()

	pid := 0
	if p != nil {
		pid = p.PID()
	}
	metrics.IncStop(s.name, forced)
	s.journal.Record(history.Event{Type: history.EventStop, Name: s.name, PID: pid, Detail: stopDetail(forced)})

	if err != nil {
		log(fmt.Sprintf("❌ Error stopping server: %v", err))
		return err
	}
	s.announce(ctx, settings.KeyNotifyStop, notify.Message{
		Terminal: "✅ Server stopped successfully.",
		Title:    "RTM Server Stopped",
		Body:     "Return to Moria server has stopped.",
	})
	return nil
}

func (s *Supervisor) terminate(ctx context.Context, p *process.Process) (forced bool, err error) {
	log := s.log.ForContext(ctx)
	if p == nil || p.Exited() {
		s.reapImage(ctx, p)
		return false, nil
	}
	if err := p.SendLine(s.cfg.ShutdownCommand); err != nil && !errors.Is(err, process.ErrExited) {
		log(fmt.Sprintf("⚠️ Failed to send shutdown command: %v", err))
	}

	if waitExit(ctx, p, s.cfg.GraceTimeout) {
		s.reapImage(ctx, p)
		return false, nil
	}

	log(fmt.Sprintf("⚠️ Server did not exit within %s, forcing termination.", s.cfg.GraceTimeout))
	if err := p.ForceKill(); err != nil {
		log(fmt.Sprintf("⚠️ Force kill reported: %v", err))
	}
	if !p.WaitExit(s.cfg.KillWait) && p.Alive() {
		return true, fmt.Errorf("%w: PID %d survived force kill", ErrTransientIO, p.PID())
	}
	return true, nil
}

// reapImage kills game processes left behind by a launcher that exited on
// its own.
func (s *Supervisor) reapImage(ctx context.Context, p *process.Process) {
	log := s.log.ForContext(ctx)
	hint := process.ImageName(s.cfg.ImageHint)
	if hint == "" || hint == process.ImageName(s.cfg.Executable) {
		return
	}
	exclude := 0
	if p != nil {
		exclude = p.PID()
	}
	n, err := process.KillImage(hint, exclude)
	if err != nil {
		log(fmt.Sprintf("⚠️ Failed to terminate %s: %v", s.cfg.ImageHint, err))
	}
	if n > 0 {
		log(fmt.Sprintf("🧹 Terminated %d leftover %s process(es).", n, s.cfg.ImageHint))
	}
}

// Restart stops the server if it runs, waits settle, then starts it.
func (s *Supervisor) Restart(ctx context.Context, settle time.Duration) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if settle > 0 {
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return s.Start(ctx)
}

// IsRunning asks the OS, not the cached state.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	return p != nil && p.Alive()
}

// PID returns the server PID, or 0 when no process exists.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Status returns a snapshot; Running is probed from the OS.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state.String(),
		Executable: s.cfg.Executable,
		StartedAt:  s.startedAt,
		StoppedAt:  s.stoppedAt,
	}
	p := s.proc
	if s.exitErr != nil {
		st.ExitError = s.exitErr.Error()
	}
	s.mu.Unlock()

	if p != nil {
		st.PID = p.PID()
		st.Running = p.Alive()
	}
	return st
}

// State returns the cached lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) readOutput(p *process.Process) {
	err := p.ReadLines(func(line string) {
		s.log("[SERVER] " + line)
		if s.output != nil {
			s.outMu.Lock()
			_, _ = io.WriteString(s.output, line+"\n")
			s.outMu.Unlock()
		}
	})
	if err != nil {
		s.log(fmt.Sprintf("❌ Error reading server output: %v", err))
	}
}

// watchExit normalizes state when p dies without a stop request.
func (s *Supervisor) watchExit(p *process.Process) {
	<-p.Done()
	_, exitErr := p.ExitInfo()

	s.mu.Lock()
	if s.proc != p || s.state != StateRunning {
		// Stop owns this transition, or p is stale
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.stoppedAt = time.Now()
	s.exitErr = exitErr
	s.setStateLocked(StateNotRunning)
	s.mu.Unlock()

	detail := "exited"
	if exitErr != nil {
		detail = exitErr.Error()
	}
	s.log(fmt.Sprintf("💥 Server exited unexpectedly (PID %d): %s", p.PID(), detail))
	if s.settings != nil && s.settings.Flag(settings.KeyNotifyCrash, true) {
		s.notifier.Notify(notify.Message{
			Terminal: "💥 Crash detected: the server is no longer running.",
			Title:    "RTM Server Crash Detected",
			Body:     fmt.Sprintf("Return to Moria server (PID %d) %s.", p.PID(), detail),
		})
	}
	metrics.IncUnexpectedExit(s.name)
	s.journal.Record(history.Event{Type: history.EventExit, Name: s.name, PID: p.PID(), Detail: detail})
}

// announce notifies when the settings flag key allows it and otherwise only
// logs the terminal text.
func (s *Supervisor) announce(ctx context.Context, key string, m notify.Message) {
	if s.settings == nil || s.settings.Flag(key, true) {
		s.tell(ctx, m)
		return
	}
	s.log.ForContext(ctx)(m.Terminal)
}

// tell sends m and copies its terminal text to the echo sink of ctx.
func (s *Supervisor) tell(ctx context.Context, m notify.Message) {
	s.notifier.Notify(m)
	if m.Terminal != "" {
		logger.LogFunc(logger.Discard).ForContext(ctx)(m.Terminal)
	}
}

func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	metrics.RecordStateTransition(s.name, from.String(), to.String())
	metrics.SetCurrentState(s.name, from.String(), false)
	metrics.SetCurrentState(s.name, to.String(), true)
}

func waitExit(ctx context.Context, p *process.Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return p.Exited()
	}
}

func stopDetail(forced bool) string {
	if forced {
		return "forced"
	}
	return "graceful"
}
