// Package updater runs the blocking pre-launch update step: SteamCMD
// app_update against the install directory, or a custom command.
package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/loykin/rtmsm/internal/env"
	"github.com/loykin/rtmsm/internal/logger"
)

const (
	// DefaultAppID is the Return to Moria dedicated server Steam app.
	DefaultAppID   = "3349480"
	DefaultTimeout = 30 * time.Minute
	// DirPlaceholder is replaced by the install directory in custom commands.
	DirPlaceholder = "{dir}"
)

var (
	ErrFailed   = errors.New("updater: update failed")
	ErrNotFound = errors.New("updater: update tool not found")
)

// Updater brings the install directory up to date before a launch.
type Updater interface {
	Update(ctx context.Context, installDir string) error
}

// Func adapts a function to Updater.
type Func func(ctx context.Context, installDir string) error

func (f Func) Update(ctx context.Context, dir string) error { return f(ctx, dir) }

// Skip is an Updater that does nothing.
var Skip Updater = Func(func(context.Context, string) error { return nil })

// Config selects and tunes the update tool.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	SteamCMD      string        `mapstructure:"steamcmd"` // path or name on PATH (default steamcmd)
	AppID         string        `mapstructure:"app_id"`
	ValidateFiles bool          `mapstructure:"validate"`
	Command       string        `mapstructure:"command"` // overrides SteamCMD; {dir} is substituted
	Timeout       time.Duration `mapstructure:"timeout"`
	Env           []string      `mapstructure:"env"`
}

// Validate rejects configurations that can never run.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Timeout < 0 {
		return fmt.Errorf("updater: timeout cannot be negative")
	}
	if strings.TrimSpace(c.Command) != "" {
		if _, err := shlex.Split(c.Command); err != nil {
			return fmt.Errorf("updater: invalid command %q: %w", c.Command, err)
		}
	}
	for i, env := range c.Env {
		if k, _, ok := strings.Cut(env, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("updater: env[%d] %q is invalid, must be in KEY=VALUE format", i, env)
		}
	}
	return nil
}

// Runner executes the configured update tool, streaming its output to a log
// sink as "[UPDATE] <line>".
type Runner struct {
	cfg Config
	log logger.LogFunc
}

// New returns Skip when updates are disabled.
func New(cfg Config, log logger.LogFunc) Updater {
	if !cfg.Enabled {
		return Skip
	}
	if log == nil {
		log = logger.Discard
	}
	return &Runner{cfg: cfg, log: log}
}

// Argv returns the command line that Update would run.
func (r *Runner) Argv(installDir string) ([]string, error) {
	if cmd := strings.TrimSpace(r.cfg.Command); cmd != "" {
		argv, err := shlex.Split(cmd)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("updater: empty command")
		}
		for i := range argv {
			argv[i] = strings.ReplaceAll(argv[i], DirPlaceholder, installDir)
		}
		return argv, nil
	}
	tool := r.cfg.SteamCMD
	if tool == "" {
		tool = "steamcmd"
	}
	appID := r.cfg.AppID
	if appID == "" {
		appID = DefaultAppID
	}
	argv := []string{tool,
		"+force_install_dir", installDir,
		"+login", "anonymous",
		"+app_update", appID,
	}
	if r.cfg.ValidateFiles {
		argv = append(argv, "validate")
	}
	return append(argv, "+quit"), nil
}

func (r *Runner) Update(ctx context.Context, installDir string) error {
	argv, err := r.Argv(installDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, argv[0])
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Dir = installDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = env.Merge(r.cfg.Env)
	}
	out := &lineWriter{emit: func(l string) { r.log("[UPDATE] " + l) }}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()
	out.flush()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: timed out after %s", ErrFailed, timeout)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// lineWriter splits written bytes into lines.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if strings.TrimSpace(line) != "" {
			w.emit(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		w.emit(rest)
	}
	w.buf.Reset()
}
