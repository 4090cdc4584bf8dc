package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/rtmsm/internal/api"
	"github.com/loykin/rtmsm/internal/config"
	"github.com/loykin/rtmsm/internal/dispatch"
	"github.com/loykin/rtmsm/internal/history"
	"github.com/loykin/rtmsm/internal/history/factory"
	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/metrics"
	"github.com/loykin/rtmsm/internal/monitor"
	"github.com/loykin/rtmsm/internal/notify"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/supervisor"
	rtmtls "github.com/loykin/rtmsm/internal/tls"
	"github.com/loykin/rtmsm/internal/updater"
	"github.com/loykin/rtmsm/internal/watchdog"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the server manager",
		Long: `Run the manager: the HTTP API, the restart watchdog and, when stdin is a
terminal, the interactive console. Type "help" in the console for commands
and "quit" to leave.

Examples:
  rtmsm serve                       # Defaults, settings in ./rtm_settings.json
  rtmsm serve rtmsm.toml            # Start with a specific config file
  rtmsm serve --daemonize --pidfile rtmsm.pid --logfile rtmsm.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&serveFlags.NoConsole, "no-console", false, "do not read commands from stdin")
	cmd.Flags().BoolVar(&serveFlags.KeepServerAlive, "keep-server", false, "leave the game server running on exit")
	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	interactive := !flags.NoConsole && isatty.IsTerminal(os.Stdin.Fd())
	var lines io.Writer
	if interactive {
		lines = os.Stdout
	}

	a, err := newApp(cfg, os.Stderr, lines)
	if err != nil {
		return err
	}
	a.keepServer = flags.KeepServerAlive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var in io.Reader
	if interactive {
		in = os.Stdin
	}
	return a.run(ctx, in)
}

// app is one running manager: every component wired from a Config.
type app struct {
	cfg  *config.Config
	log  *slog.Logger
	logf logger.LogFunc

	store   *settings.Store
	journal *history.Journal
	sup     *supervisor.Supervisor
	wd      *watchdog.Watchdog
	mon     *monitor.Monitor
	disp    *dispatch.Dispatcher
	router  *api.Router
	tls     *tls.Config

	keepServer bool
	closers    []io.Closer
}

// newApp builds the manager. diag receives structured diagnostics; lines,
// when set, receives the console stream. With lines nil the console stream is
// logged through diag.
func newApp(cfg *config.Config, diag, lines io.Writer) (*app, error) {
	l, logf, closer := logger.Open(cfg.Log, diag, lines)
	a := &app{cfg: cfg, log: l, logf: logf, closers: []io.Closer{closer}}

	tlsCfg, err := rtmtls.Setup(cfg.Server.TLS)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("api tls: %w", err)
	}
	a.tls = tlsCfg

	a.store = settings.New(cfg.SettingsPath)
	created, err := a.store.EnsureDefaults()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("settings %s: %w", cfg.SettingsPath, err)
	}
	if created {
		logf(fmt.Sprintf("📝 Created %s with default settings.", filepath.Base(cfg.SettingsPath)))
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			l.Warn("metrics registration failed", "error", err)
		}
	}

	a.journal = factory.Build(cfg.History, l)
	notifier := notify.NewMulti(notify.Terminal{Log: logf})

	name := strings.TrimSuffix(cfg.Supervisor.Executable, filepath.Ext(cfg.Supervisor.Executable))
	var out io.Writer
	if w := cfg.Log.ServerWriter(name); w != nil {
		out = w
		a.closers = append(a.closers, w)
	}

	a.sup = supervisor.New(supervisor.Options{
		Config:   cfg.Supervisor,
		Settings: a.store,
		Updater:  updater.New(cfg.Updater, logf),
		Notifier: notifier,
		Log:      logf,
		Output:   out,
		Journal:  a.journal,
	})
	a.wd = watchdog.New(watchdog.Options{
		Supervisor: a.sup,
		Schedule:   a.store,
		Notifier:   notifier,
		Log:        logf,
		Journal:    a.journal,
		Name:       a.sup.Name(),
	})
	a.mon = monitor.New(monitor.Options{
		PID:      a.sup.PID,
		Image:    cfg.Monitor.Image,
		Name:     a.sup.Name(),
		Interval: cfg.Monitor.Interval,
		Log:      logf,
	})
	a.disp = &dispatch.Dispatcher{
		Supervisor: a.sup,
		Watchdog:   a.wd,
		Monitor:    a.mon,
		Schedule:   a.store,
		Log:        logf,
	}
	a.router = api.NewRouter(api.Options{
		Supervisor: a.sup,
		Watchdog:   a.wd,
		Schedule:   a.store,
		Dispatcher: a.disp,
		BasePath:   cfg.Server.BasePath,
		Log:        logf,
	})
	return a, nil
}

// run serves until ctx is done, the console reads "quit", or the API
// listener fails. in may be nil for a headless manager.
func (a *app) run(ctx context.Context, in io.Reader) error {
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Watchdog.AutoStart {
		a.wd.Start()
	}
	if a.cfg.Monitor.AutoStart {
		a.mon.Start()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	srv := api.NewServer(a.cfg.Server.Listen, a.router.Handler(), a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout)
	srv.TLSConfig = a.tls
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.log.Info("API listening", "addr", a.cfg.Server.Listen, "base", a.cfg.Server.BasePath, "tls", a.tls != nil)
		if err := api.Serve(ctx, srv); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
			cancel()
		}
	}()

	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv := api.NewServer(a.cfg.Metrics.Listen, mux, 0, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info("metrics listening", "addr", a.cfg.Metrics.Listen)
			if err := api.Serve(ctx, msrv); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
				cancel()
			}
		}()
	}

	if in != nil {
		a.logf("📖 Type \"help\" for commands, \"quit\" to exit.")
		go func() {
			runConsole(ctx, in, a.disp, a.logf)
			cancel()
		}()
	}

	<-ctx.Done()
	wg.Wait()
	a.shutdown()

	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) shutdown() {
	a.wd.Stop()
	a.wd.Wait()
	a.mon.Stop()
	a.router.Wait()
	if a.keepServer || !a.sup.IsRunning() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Supervisor.GraceTimeout+a.cfg.Supervisor.KillWait+10*time.Second)
	defer cancel()
	if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		a.log.Warn("stop on exit failed", "error", err)
	}
}

func (a *app) close() {
	if err := a.journal.Close(); err != nil {
		a.log.Warn("history close failed", "error", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
