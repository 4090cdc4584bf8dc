package updater

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/rtmsm/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledSkips(t *testing.T) {
	u := New(Config{}, nil)
	assert.NoError(t, u.Update(context.Background(), "/nowhere"))
}

func TestArgv_SteamCMD(t *testing.T) {
	r := New(Config{Enabled: true, ValidateFiles: true}, nil).(*Runner)
	argv, err := r.Argv(`C:\RTM`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"steamcmd", "+force_install_dir", `C:\RTM`, "+login", "anonymous",
		"+app_update", "3349480", "validate", "+quit",
	}, argv)

	r = New(Config{Enabled: true, SteamCMD: "/opt/steamcmd.sh", AppID: "42"}, nil).(*Runner)
	argv, err = r.Argv("/srv/rtm")
	require.NoError(t, err)
	assert.Equal(t, "/opt/steamcmd.sh", argv[0])
	assert.Contains(t, argv, "42")
	assert.NotContains(t, argv, "validate")
}

func TestArgv_CustomCommand(t *testing.T) {
	r := New(Config{Enabled: true, Command: `rsync -a "/mnt/build dir/" {dir}`}, nil).(*Runner)
	argv, err := r.Argv("/srv/rtm")
	require.NoError(t, err)
	assert.Equal(t, []string{"rsync", "-a", "/mnt/build dir/", "/srv/rtm"}, argv)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Enabled: true, Command: "echo ok"}.Validate())
	assert.Error(t, Config{Enabled: true, Command: `echo "unterminated`}.Validate())
	assert.Error(t, Config{Enabled: true, Timeout: -time.Second}.Validate())
	assert.Error(t, Config{Enabled: true, Env: []string{"NOVALUE"}}.Validate())
}

func TestUpdate_StreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-steamcmd")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"installing into $2\"\necho warn 1>&2\nprintf 'no newline'\n"), 0o755))

	var rec logger.Recorder
	u := New(Config{Enabled: true, SteamCMD: script}, rec.Log)
	require.NoError(t, u.Update(context.Background(), dir))
	assert.Equal(t, []string{
		"[UPDATE] installing into " + dir,
		"[UPDATE] warn",
		"[UPDATE] no newline",
	}, rec.Lines())
}

func TestUpdate_Failures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	u := New(Config{Enabled: true, SteamCMD: "rtmsm-no-such-steamcmd"}, nil)
	assert.ErrorIs(t, u.Update(context.Background(), t.TempDir()), ErrNotFound)

	u = New(Config{Enabled: true, Command: "sh -c 'exit 7'"}, nil)
	assert.ErrorIs(t, u.Update(context.Background(), t.TempDir()), ErrFailed)

	u = New(Config{Enabled: true, Command: "sleep 5", Timeout: 100 * time.Millisecond}, nil)
	start := time.Now()
	err := u.Update(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrFailed)
	assert.Less(t, time.Since(start), 4*time.Second)
}
