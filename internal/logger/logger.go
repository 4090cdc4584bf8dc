package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the manager writes its own log and where the
// captured server output goes.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error (default info)
	Format string     `mapstructure:"format"` // text or json (default text)
	Color  string     `mapstructure:"color"`  // auto, always, never (default auto)
	File   FileConfig `mapstructure:"file"`
}

// FileConfig describes rotated log files. If ManagerPath/ServerPath are
// empty and Dir is set, files will be Dir/rtmsm.log and Dir/<name>.out.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir         string `mapstructure:"dir"`
	ManagerPath string `mapstructure:"manager_path"`
	ServerPath  string `mapstructure:"server_path"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// ManagerWriter returns the rotated writer for the manager log, or nil when
// file logging is not configured.
func (c Config) ManagerWriter() io.WriteCloser {
	p := c.File.ManagerPath
	if p == "" && c.File.Dir != "" {
		p = filepath.Join(c.File.Dir, "rtmsm.log")
	}
	return c.File.rotated(p)
}

// ServerWriter returns the rotated writer for captured server output.
// name is the executable base name without extension.
func (c Config) ServerWriter(name string) io.WriteCloser {
	p := c.File.ServerPath
	if p == "" && c.File.Dir != "" {
		p = filepath.Join(c.File.Dir, fmt.Sprintf("%s.out.log", name))
	}
	return c.File.rotated(p)
}

func (f FileConfig) rotated(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// New builds the manager logger writing to console and, when configured, to
// the rotated manager log file. The returned closer releases the file.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer) {
	consoleH, fileH, closer := c.handlers(console)
	return join(c, consoleH, fileH), closer
}

// Open is New for the interactive daemon. Besides the structured logger it
// returns a line sink that prints "[HH:MM:SS] text" to lines and records the
// same text in the manager log file, so console lines are not duplicated by
// the structured console handler.
func Open(c Config, diag, lines io.Writer) (*slog.Logger, LogFunc, io.Closer) {
	consoleH, fileH, closer := c.handlers(diag)
	l := join(c, consoleH, fileH)
	if lines == nil {
		return l, Sink(l, "rtmsm"), closer
	}
	var file LogFunc
	if fileH != nil {
		file = Sink(slog.New(fileH), "rtmsm")
	}
	return l, Tee(Console(lines), file), closer
}

func (c Config) handlers(console io.Writer) (consoleH, fileH slog.Handler, closer io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if console != nil {
		switch {
		case strings.EqualFold(c.Format, "json"):
			consoleH = slog.NewJSONHandler(console, opts)
		case useColor(c.Color, console):
			consoleH = NewColorTextHandler(console, opts, true)
		default:
			consoleH = slog.NewTextHandler(console, opts)
		}
	}
	closer = nopCloser{}
	if w := c.ManagerWriter(); w != nil {
		// files are always JSON so they can be shipped as-is
		fileH = slog.NewJSONHandler(w, opts)
		closer = w
	}
	return consoleH, fileH, closer
}

func join(c Config, hs ...slog.Handler) *slog.Logger {
	var out fanout
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	switch len(out) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: ParseLevel(c.Level)}))
	case 1:
		return slog.New(out[0])
	default:
		return slog.New(out)
	}
}

// ParseLevel maps a textual level to slog.Level; unknown values yield Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func useColor(mode string, w io.Writer) bool {
	switch strings.ToLower(mode) {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
