package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/rtmsm/internal/config"
	"github.com/loykin/rtmsm/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	scheduleFlags := &ScheduleFlags{}

	root := createRootCommand(globalFlags, apiFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(apiFlags),
		createStopCommand(apiFlags),
		createRestartCommand(apiFlags),
		createStatusCommand(apiFlags),
		createWatchdogCommand(apiFlags),
		createScheduleCommand(apiFlags, scheduleFlags),
		createCommandCommand(apiFlags),
		createInitCommand(&InitFlags{}),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "rtmsm",
		Short: "Return to Moria dedicated server manager",
		Long: `rtmsm launches and supervises a Return to Moria dedicated server,
updates it through SteamCMD before every start, and restarts it on a schedule.

Examples:
  rtmsm init                        # Write rtmsm.toml with defaults
  rtmsm serve --config rtmsm.toml   # Run the manager with its console
  rtmsm status                      # Ask a running manager
  rtmsm schedule set --mode designated --start-time 04:00`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&api.APIUrl, "api-url", "", "daemon API URL (default http://"+config.DefaultListen+config.DefaultBasePath+")")
	root.PersistentFlags().DurationVar(&api.APITimeout, "api-timeout", 10*time.Second, "daemon API timeout")
	root.PersistentFlags().BoolVar(&api.Insecure, "insecure", false, "skip TLS verification for https API URLs")
	return root
}

func newAPIClient(f *APIFlags) *client.Client {
	url := f.APIUrl
	if url == "" {
		url = "http://" + config.DefaultListen + config.DefaultBasePath
	}
	return client.New(client.Config{
		BaseURL:  strings.TrimRight(url, "/"),
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
	})
}
