package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/rtmsm/internal/supervisor"
	"github.com/loykin/rtmsm/internal/updater"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.SettingsPath != DefaultSettingsPath {
		t.Fatalf("settings path: %q", c.SettingsPath)
	}
	if c.Supervisor.Executable != supervisor.DefaultExecutable || c.Supervisor.ShutdownCommand != "Exit" {
		t.Fatalf("unexpected supervisor defaults: %+v", c.Supervisor)
	}
	if c.Supervisor.GraceTimeout != 5*time.Second {
		t.Fatalf("grace timeout: %v", c.Supervisor.GraceTimeout)
	}
	if !c.Updater.Enabled || c.Updater.AppID != updater.DefaultAppID {
		t.Fatalf("unexpected updater defaults: %+v", c.Updater)
	}
	if c.Server.Listen != DefaultListen || c.Server.BasePath != "/api" {
		t.Fatalf("unexpected server defaults: %+v", c.Server)
	}
	if !c.Watchdog.AutoStart || c.Monitor.AutoStart {
		t.Fatalf("unexpected toggles: %+v %+v", c.Watchdog, c.Monitor)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	p := writeFile(t, "rtmsm.toml", `
settings_path = "state/rtm_settings.json"

[supervisor]
executable = "MoriaServer.sh"
args = ["-log", "-port=7777"]
grace_timeout = "8s"

[updater]
enabled = false

[history]
enabled = true
dsns = ["sqlite:///tmp/rtmsm-history.db"]
  [history.breaker]
  failure_threshold = 5
  open_timeout = "1m"

[server]
listen = ":9000"
base_path = "rtm/"

[monitor]
auto_start = true
interval = "45s"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(p), "state", "rtm_settings.json")
	if c.SettingsPath != want {
		t.Fatalf("settings path %q, want %q", c.SettingsPath, want)
	}
	if c.Supervisor.Executable != "MoriaServer.sh" || len(c.Supervisor.Args) != 2 || c.Supervisor.GraceTimeout != 8*time.Second {
		t.Fatalf("supervisor: %+v", c.Supervisor)
	}
	// untouched keys keep their defaults
	if c.Supervisor.ImageHint != supervisor.DefaultImageHint || c.Supervisor.KillWait != supervisor.DefaultKillWait {
		t.Fatalf("supervisor defaults lost: %+v", c.Supervisor)
	}
	if c.Updater.Enabled {
		t.Fatalf("updater should be disabled")
	}
	if !c.History.Enabled || len(c.History.DSNs) != 1 || c.History.Breaker.FailureThreshold != 5 || c.History.Breaker.OpenTimeout != time.Minute {
		t.Fatalf("history: %+v", c.History)
	}
	if c.History.Breaker.HalfOpenRequests != 1 {
		t.Fatalf("breaker default lost: %+v", c.History.Breaker)
	}
	if c.Server.Listen != ":9000" || c.Server.BasePath != "/rtm" {
		t.Fatalf("server: %+v", c.Server)
	}
	if !c.Monitor.AutoStart || c.Monitor.Interval != 45*time.Second {
		t.Fatalf("monitor: %+v", c.Monitor)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeFile(t, "rtmsm.toml", "[server]\nlisten = \":9000\"\n")
	t.Setenv("RTMSM_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("RTMSM_SUPERVISOR_GRACE_TIMEOUT", "12s")
	t.Setenv("RTMSM_WATCHDOG_AUTO_START", "false")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:7000" {
		t.Fatalf("env should win over file, got %q", c.Server.Listen)
	}
	if c.Supervisor.GraceTimeout != 12*time.Second {
		t.Fatalf("grace timeout: %v", c.Supervisor.GraceTimeout)
	}
	if c.Watchdog.AutoStart {
		t.Fatalf("watchdog auto start should be off")
	}
}

func TestLoad_NoFile(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.SettingsPath != DefaultSettingsPath {
		t.Fatalf("settings path: %q", c.SettingsPath)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	bad := writeFile(t, "bad.toml", "[server\nlisten=")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	p := writeFile(t, "rtmsm.toml", `
[supervisor]
executable = " "

[updater]
enabled = true
command = "steamcmd 'unterminated"

[history]
enabled = true
dsns = ["mysql://nope"]

[metrics]
enabled = true
listen = ""

[server.tls]
enabled = true
`)
	_, err := Load(p)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"supervisor.executable", "invalid command", "unsupported dsn", "metrics.listen", "tls: enabled without"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q should mention %q", msg, want)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rtmsm.toml")
	if err := WriteDefault(p); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if err := WriteDefault(p); err == nil {
		t.Fatalf("second write must refuse to overwrite")
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("sample must load: %v", err)
	}
	if c.Supervisor.Executable != supervisor.DefaultExecutable {
		t.Fatalf("sample executable: %q", c.Supervisor.Executable)
	}
}

func TestLoad_TLSSection(t *testing.T) {
	p := writeFile(t, "rtmsm.toml", `
[server.tls]
enabled = true
dir = "certs"
auto_generate = true
dns_names = ["moria.example"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tc := c.Server.TLS
	if !tc.Enabled || tc.Dir != "certs" || !tc.AutoGenerate || len(tc.DNSNames) != 1 || tc.DNSNames[0] != "moria.example" {
		t.Fatalf("unexpected tls config %+v", tc)
	}
}
