// Package config loads the manager's TOML configuration.
//
// Values come from, in increasing precedence: built-in defaults, the TOML
// file, and RTMSM_* environment variables (RTMSM_SERVER_LISTEN overrides
// server.listen).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/rtmsm/internal/history"
	"github.com/loykin/rtmsm/internal/history/factory"
	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/monitor"
	"github.com/loykin/rtmsm/internal/supervisor"
	rtmtls "github.com/loykin/rtmsm/internal/tls"
	"github.com/loykin/rtmsm/internal/updater"
)

const (
	EnvPrefix           = "RTMSM"
	DefaultSettingsPath = "rtm_settings.json"
	DefaultListen       = "127.0.0.1:8080"
	DefaultBasePath     = "/api"
	DefaultMetricsAddr  = "127.0.0.1:9090"
)

type Config struct {
	SettingsPath string            `mapstructure:"settings_path"`
	Log          logger.Config     `mapstructure:"log"`
	Supervisor   supervisor.Config `mapstructure:"supervisor"`
	Updater      updater.Config    `mapstructure:"updater"`
	History      history.Config    `mapstructure:"history"`
	Server       ServerConfig      `mapstructure:"server"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
	Watchdog     WatchdogConfig    `mapstructure:"watchdog"`
	Monitor      MonitorConfig     `mapstructure:"monitor"`
}

// ServerConfig is the HTTP API listener. An empty Listen disables it.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	BasePath     string        `mapstructure:"base_path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          rtmtls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type WatchdogConfig struct {
	AutoStart bool `mapstructure:"auto_start"` // arm the watchdog when serve starts
}

type MonitorConfig struct {
	AutoStart bool          `mapstructure:"auto_start"`
	Interval  time.Duration `mapstructure:"interval"`
	Image     string        `mapstructure:"image"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("settings_path", DefaultSettingsPath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", "auto")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.manager_path", "")
	v.SetDefault("log.file.server_path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("supervisor.executable", supervisor.DefaultExecutable)
	v.SetDefault("supervisor.args", []string{})
	v.SetDefault("supervisor.env", []string{})
	v.SetDefault("supervisor.image_hint", supervisor.DefaultImageHint)
	v.SetDefault("supervisor.shutdown_command", supervisor.DefaultShutdownCommand)
	v.SetDefault("supervisor.grace_timeout", supervisor.DefaultGraceTimeout)
	v.SetDefault("supervisor.kill_wait", supervisor.DefaultKillWait)

	v.SetDefault("updater.enabled", true)
	v.SetDefault("updater.steamcmd", "steamcmd")
	v.SetDefault("updater.app_id", updater.DefaultAppID)
	v.SetDefault("updater.validate", false)
	v.SetDefault("updater.command", "")
	v.SetDefault("updater.timeout", updater.DefaultTimeout)
	v.SetDefault("updater.env", []string{})

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.breaker.failure_threshold", 3)
	v.SetDefault("history.breaker.open_timeout", 30*time.Second)
	v.SetDefault("history.breaker.half_open_requests", 1)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")
	v.SetDefault("server.tls.common_name", "")
	v.SetDefault("server.tls.dns_names", []string{})
	v.SetDefault("server.tls.ip_addresses", []string{})
	v.SetDefault("server.tls.valid_days", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsAddr)

	v.SetDefault("watchdog.auto_start", true)

	v.SetDefault("monitor.auto_start", false)
	v.SetDefault("monitor.interval", monitor.DefaultInterval)
	v.SetDefault("monitor.image", monitor.DefaultImage)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := decode(newViper(), "")
	if err != nil {
		// unreachable: the defaults always decode
		panic(err)
	}
	return c
}

// Load reads path (optional) and applies defaults and environment overrides.
// A relative settings_path is resolved against the config file's directory.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" && c.SettingsPath != "" && !filepath.IsAbs(c.SettingsPath) {
		c.SettingsPath = filepath.Join(filepath.Dir(path), c.SettingsPath)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return &c, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SettingsPath) == "" {
		errs = append(errs, errors.New("settings_path must not be empty"))
	}
	if strings.TrimSpace(c.Supervisor.Executable) == "" {
		errs = append(errs, errors.New("supervisor.executable must not be empty"))
	}
	if c.Supervisor.GraceTimeout < 0 || c.Supervisor.KillWait < 0 {
		errs = append(errs, errors.New("supervisor timeouts must not be negative"))
	}
	if err := c.Updater.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.History.Enabled {
		for _, dsn := range c.History.DSNs {
			if factory.Kind(dsn) == "" {
				errs = append(errs, fmt.Errorf("history: unsupported dsn %q", dsn))
			}
		}
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.Monitor.Interval < 0 {
		errs = append(errs, errors.New("monitor.interval must not be negative"))
	}
	return errors.Join(errs...)
}

// WriteDefault writes a commented starter configuration to path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(sampleTOML); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

const sampleTOML = `# rtmsm configuration
settings_path = "rtm_settings.json"

[log]
level = "info"
# format = "json"
# [log.file]
# dir = "logs"

[supervisor]
executable = "MoriaServer.exe"
image_hint = "MoriaServer-Win64-Shipping.exe"
shutdown_command = "Exit"
grace_timeout = "5s"

[updater]
enabled = true
steamcmd = "steamcmd"
app_id = "3349480"
# command = "/opt/steamcmd/steamcmd.sh +force_install_dir {dir} +login anonymous +app_update 3349480 +quit"

[history]
enabled = false
# dsns = ["sqlite:///var/lib/rtmsm/history.db"]

[server]
listen = "127.0.0.1:8080"
base_path = "/api"
# [server.tls]
# enabled = true
# dir = "certs"
# auto_generate = true

[metrics]
enabled = false
listen = "127.0.0.1:9090"

[watchdog]
auto_start = true

[monitor]
auto_start = false
interval = "30s"
`
