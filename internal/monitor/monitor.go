// Package monitor periodically logs the server's CPU and memory usage.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/metrics"
	"github.com/loykin/rtmsm/internal/process"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultImage    = "MoriaServer"
)

type Options struct {
	// PID returns the supervised server PID, or 0 when unknown.
	PID func() int
	// Image is the image name fragment searched for when PID yields nothing.
	Image    string
	Name     string // metrics label
	Interval time.Duration
	Log      logger.LogFunc
}

// Sample is one resource reading.
type Sample struct {
	PID int32
	CPU float64 // percent since the previous reading of the same process
	RSS uint64
}

// Monitor runs at most one sampling loop.
type Monitor struct {
	opts Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// cached between samples so CPU percent covers one interval
	proc *gopsproc.Process
}

func New(opts Options) *Monitor {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Log == nil {
		opts.Log = logger.Discard
	}
	if opts.Name == "" {
		opts.Name = opts.Image
	}
	return &Monitor{opts: opts}
}

// Start launches the loop. It reports false if one is already running.
func (m *Monitor) Start() bool {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		m.opts.Log("📊 Performance monitor already running.")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	m.opts.Log("📊 Performance monitor started.")
	go func() {
		defer close(done)
		m.loop(ctx)
	}()
	return true
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	m.opts.Log("❌ Performance monitor stopped.")
	return true
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		m.report(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) report(ctx context.Context) {
	s, err := m.Sample(ctx)
	if err != nil {
		m.opts.Log(fmt.Sprintf("⚠️ Failed to read server stats: %v", err))
		return
	}
	if s == nil {
		return
	}
	metrics.SetResourceUsage(m.opts.Name, s.CPU, s.RSS)
	m.opts.Log(fmt.Sprintf("📊 RTM Server | PID: %d | CPU: %.1f%% | MEM: %.1f MB",
		s.PID, s.CPU, float64(s.RSS)/(1024*1024)))
}

// Sample reads the server's current usage. It returns nil, nil when no
// server process can be found.
func (m *Monitor) Sample(ctx context.Context) (*Sample, error) {
	p, err := m.locate(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		m.forget()
		return nil, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		m.forget()
		return nil, err
	}
	return &Sample{PID: p.Pid, CPU: cpu, RSS: mem.RSS}, nil
}

func (m *Monitor) locate(ctx context.Context) (*gopsproc.Process, error) {
	m.mu.Lock()
	cached := m.proc
	m.mu.Unlock()

	var pid int32
	if m.opts.PID != nil {
		pid = int32(m.opts.PID())
	}
	if pid > 0 && cached != nil && cached.Pid == pid {
		return cached, nil
	}

	var p *gopsproc.Process
	var err error
	if pid > 0 {
		p, err = gopsproc.NewProcessWithContext(ctx, pid)
		if err != nil {
			return nil, nil
		}
	} else {
		if cached != nil {
			if ok, _ := cached.IsRunningWithContext(ctx); ok {
				return cached, nil
			}
		}
		p, err = process.FindByImage(m.opts.Image)
		if err != nil || p == nil {
			m.forget()
			return nil, err
		}
	}
	m.mu.Lock()
	m.proc = p
	m.mu.Unlock()
	return p, nil
}

func (m *Monitor) forget() {
	m.mu.Lock()
	m.proc = nil
	m.mu.Unlock()
}
