package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/rtmsm/internal/config"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/pkg/client"
)

// lifecycleCommand builds start/stop/restart, which only differ in the call.
func lifecycleCommand(use, short, verb string, api *APIFlags, call func(*client.Client, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := call(newAPIClient(api), cmd.Context()); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s requested; follow it with 'rtmsm status'.\n", verb)
			return nil
		},
	}
}

func createStartCommand(api *APIFlags) *cobra.Command {
	return lifecycleCommand("start", "Update and start the server", "Start", api, (*client.Client).Start)
}

func createStopCommand(api *APIFlags) *cobra.Command {
	return lifecycleCommand("stop", "Stop the server gracefully", "Stop", api, (*client.Client).Stop)
}

func createRestartCommand(api *APIFlags) *cobra.Command {
	return lifecycleCommand("restart", "Stop then start the server", "Restart", api, (*client.Client).Restart)
}

func createStatusCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server and watchdog status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newAPIClient(api).Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createWatchdogCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "watchdog on|off",
		Short:     "Arm or disarm the restart watchdog",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(args[0]) {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			ws, err := newAPIClient(api).Watchdog(cmd.Context(), on)
			if err != nil {
				return err
			}
			printWatchdog(cmd.OutOrStdout(), ws)
			return nil
		},
	}
}

func createScheduleCommand(api *APIFlags, flags *ScheduleFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the restart schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newAPIClient(api).Schedule(cmd.Context())
			if err != nil {
				return err
			}
			printSchedule(cmd.OutOrStdout(), s)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change the restart schedule",
		Long: `Change the restart schedule. Only the flags given are changed.

Examples:
  rtmsm schedule set --enabled --mode hourly --frequency 6
  rtmsm schedule set --mode designated --start-time 04:30
  rtmsm schedule set --enabled=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(api)
			cur, err := c.Schedule(cmd.Context())
			if err != nil {
				return err
			}
			next := applyScheduleFlags(cur, flags, cmd.Flags().Changed)
			saved, err := c.SetSchedule(cmd.Context(), next)
			if err != nil {
				return err
			}
			printSchedule(cmd.OutOrStdout(), saved)
			return nil
		},
	}
	set.Flags().BoolVar(&flags.Enabled, "enabled", false, "enable scheduled restarts")
	set.Flags().BoolVar(&flags.Warnings, "warnings", false, "announce upcoming restarts")
	set.Flags().StringVar(&flags.Mode, "mode", "", "hourly or designated")
	set.Flags().IntVar(&flags.Frequency, "frequency", 0, "hours between restarts in hourly mode (1-24)")
	set.Flags().StringVar(&flags.StartTime, "start-time", "", "daily restart time HH:MM in designated mode")

	cmd.AddCommand(set)
	return cmd
}

// applyScheduleFlags overlays the flags the user actually passed onto cur.
func applyScheduleFlags(cur client.Schedule, f *ScheduleFlags, changed func(string) bool) client.Schedule {
	next := client.Schedule{
		Enabled:   cur.Enabled,
		Warnings:  cur.Warnings,
		Mode:      cur.Mode,
		Frequency: cur.Frequency,
		StartTime: cur.StartTime,
		LastStart: cur.LastStart,
	}
	if changed("enabled") {
		next.Enabled = f.Enabled
	}
	if changed("warnings") {
		next.Warnings = f.Warnings
	}
	if changed("mode") {
		next.Mode = strings.ToLower(f.Mode)
	}
	if changed("frequency") {
		next.Frequency = f.Frequency
	}
	if changed("start-time") {
		next.StartTime = f.StartTime
	}
	return next
}

func createCommandCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "command <line...>",
		Short: "Run a console command on the manager",
		Long: `Run a console command on the manager and print its output.

Examples:
  rtmsm command help
  rtmsm command monitor on`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newAPIClient(api).Command(cmd.Context(), strings.Join(args, " "))
			for _, line := range res.Output {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		},
	}
}

func createInitCommand(flags *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [config.toml]",
		Short: "Write a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "rtmsm.toml"
			if len(args) > 0 {
				path = args[0]
			}
			if flags.Force {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := config.WriteDefault(path); err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}

func printStatus(w io.Writer, st client.Status) {
	s := st.Server
	if s.Running {
		_, _ = fmt.Fprintf(w, "server:   %s (PID %d) %s\n", s.State, s.PID, s.Executable)
	} else {
		_, _ = fmt.Fprintf(w, "server:   %s %s\n", s.State, s.Executable)
	}
	if !s.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "started:  %s\n", s.StartedAt.Local().Format(settings.LastStartLayout))
	}
	if s.ExitError != "" {
		_, _ = fmt.Fprintf(w, "exit:     %s\n", s.ExitError)
	}
	printWatchdog(w, st.Watchdog)
}

func printWatchdog(w io.Writer, ws client.WatchdogStatus) {
	state := "disarmed"
	if ws.Armed {
		state = "armed"
	}
	if ws.NextRestart.IsZero() {
		_, _ = fmt.Fprintf(w, "watchdog: %s\n", state)
		return
	}
	_, _ = fmt.Fprintf(w, "watchdog: %s, next restart %s\n", state, ws.NextRestart.Local().Format("2006-01-02 15:04"))
}

func printSchedule(w io.Writer, s client.Schedule) {
	mode := s.Mode
	if mode == "" {
		mode = string(settings.ModeHourly)
	}
	_, _ = fmt.Fprintf(w, "enabled:    %t\n", s.Enabled)
	_, _ = fmt.Fprintf(w, "warnings:   %t\n", s.Warnings)
	_, _ = fmt.Fprintf(w, "mode:       %s\n", mode)
	if mode == string(settings.ModeDesignated) {
		_, _ = fmt.Fprintf(w, "start time: %s\n", s.StartTime)
	} else {
		_, _ = fmt.Fprintf(w, "frequency:  every %d h\n", s.Frequency)
	}
	if s.LastStart != "" {
		_, _ = fmt.Fprintf(w, "last start: %s\n", s.LastStart)
	}
	if s.MinutesLeft != nil {
		_, _ = fmt.Fprintf(w, "next:       %s (in %d minutes)\n", s.NextRestart.Local().Format("2006-01-02 15:04"), *s.MinutesLeft)
	}
}
