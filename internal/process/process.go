// Package process wraps the single supervised server child: spawning with
// captured stdio, line-oriented output reading, liveness probing and
// platform-specific forced termination.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/rtmsm/internal/env"
)

// DrainTimeout bounds how long the output pipe stays open after the child
// exits. Grandchildren that inherited the pipe would otherwise keep the
// reader blocked forever.
const DrainTimeout = 2 * time.Second

var (
	ErrNoExecutable  = errors.New("process: executable not found")
	ErrExited        = errors.New("process: already exited")
	ErrReaderStarted = errors.New("process: output reader already running")
)

// Spec describes how to launch the server.
type Spec struct {
	Path    string   // executable
	Args    []string // arguments after the executable
	WorkDir string   // defaults to the executable's directory
	Env     []string // appended to the parent environment
	// ImageHint names the process image that actually runs the game when the
	// launched executable spawns a differently named child. Empty means the
	// executable itself.
	ImageHint string
}

// Image returns the normalized image name of the launched executable.
func (s Spec) Image() string { return ImageName(s.Path) }

// Process is one live child. It is created by Start and is never reused.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	stdinMu sync.Mutex
	stdin   io.WriteCloser
	stdout  *os.File

	reading    atomic.Bool
	readerOnce sync.Once
	readerDone chan struct{}

	done    chan struct{} // closed once cmd.Wait returns
	exitMu  sync.Mutex
	exitErr error
	exitAt  time.Time
}

// Start spawns the child with stdin piped and stdout/stderr merged into one
// pipe. The caller must consume the output with ReadLines.
func Start(spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, ErrNoExecutable
	}
	if fi, err := os.Stat(spec.Path); err != nil || fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutable, spec.Path)
	}

	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = env.Expand(a, spec.Env)
	}
	cmd := exec.Command(spec.Path, args...)
	cmd.Dir = spec.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(spec.Path)
	}
	if len(spec.Env) > 0 {
		cmd.Env = env.Merge(spec.Env)
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdin pipe: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("process: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = stdin.Close()
		return nil, fmt.Errorf("process: start %s: %w", spec.Path, err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	p := &Process{
		spec:       spec,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		stdin:      stdin,
		stdout:     pr,
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitMu.Lock()
	p.exitErr = err
	p.exitAt = time.Now()
	p.exitMu.Unlock()
	close(p.done)

	select {
	case <-p.readerDone:
	case <-time.After(DrainTimeout):
	}
	_ = p.stdout.Close()
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) Spec() Spec           { return p.spec }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitInfo returns the exit time and wait error. Both are zero until Exited.
func (p *Process) ExitInfo() (time.Time, error) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitAt, p.exitErr
}

// Alive asks the OS whether the child is still running. A reaped child is
// never alive.
func (p *Process) Alive() bool {
	if p.Exited() {
		return false
	}
	return pidAlive(p.pid)
}

// WaitExit blocks until the child exits or d elapses.
func (p *Process) WaitExit(d time.Duration) bool {
	if d <= 0 {
		return p.Exited()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// SendLine writes line plus a newline to the child's stdin.
func (p *Process) SendLine(line string) error {
	if p.Exited() {
		return ErrExited
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("process: write stdin: %w", err)
	}
	return nil
}

// ReadLines calls fn for every output line until end of stream. It may run
// once per process; a closed pipe is reported as a clean end.
func (p *Process) ReadLines(fn func(line string)) error {
	if !p.reading.CompareAndSwap(false, true) {
		return ErrReaderStarted
	}
	defer p.readerOnce.Do(func() { close(p.readerDone) })

	sc := bufio.NewScanner(p.stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n\t ")
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("process: read output: %w", err)
	}
	return nil
}

// ForceKill terminates the child and every process running the hinted image.
func (p *Process) ForceKill() error {
	if p.Exited() && p.spec.ImageHint == "" {
		return nil
	}
	return forceKill(p.pid, p.spec.Image(), p.spec.ImageHint)
}

// ImageName normalizes an executable path to a comparable image name:
// lower-case base name without a .exe suffix.
func ImageName(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	return strings.TrimSuffix(strings.ToLower(base), ".exe")
}
