package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/supervisor"
)

type fakeSup struct {
	running bool
	calls   []string
	settle  time.Duration
}

func (f *fakeSup) Start(context.Context) error {
	f.calls = append(f.calls, "start")
	if f.running {
		return supervisor.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeSup) Stop(context.Context) error {
	f.calls = append(f.calls, "stop")
	if !f.running {
		return supervisor.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeSup) Restart(_ context.Context, settle time.Duration) error {
	f.calls = append(f.calls, "restart")
	f.settle = settle
	f.running = true
	return nil
}

func (f *fakeSup) IsRunning() bool { return f.running }
func (f *fakeSup) PID() int {
	if f.running {
		return 4242
	}
	return 0
}

type toggle struct{ on bool }

func (t *toggle) Start() bool {
	if t.on {
		return false
	}
	t.on = true
	return true
}

func (t *toggle) Stop() bool {
	if !t.on {
		return false
	}
	t.on = false
	return true
}

func (t *toggle) Armed() bool { return t.on }

type fixture struct {
	d     *Dispatcher
	sup   *fakeSup
	wd    *toggle
	mon   *toggle
	store *settings.Store
	rec   *logger.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sup:   &fakeSup{},
		wd:    &toggle{},
		mon:   &toggle{},
		store: settings.New(filepath.Join(t.TempDir(), "rtm_settings.json")),
		rec:   &logger.Recorder{},
	}
	f.d = &Dispatcher{
		Supervisor: f.sup,
		Watchdog:   f.wd,
		Monitor:    f.mon,
		Schedule:   f.store,
		Log:        f.rec.Log,
		Now:        func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.Local) },
	}
	return f
}

func TestDispatch_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.Dispatch(ctx, "  START "))
	assert.ErrorIs(t, f.d.Dispatch(ctx, "start"), supervisor.ErrAlreadyRunning)
	require.NoError(t, f.d.Dispatch(ctx, "status"))
	require.NoError(t, f.d.Dispatch(ctx, "restart"))
	require.NoError(t, f.d.Dispatch(ctx, "stop"))
	require.NoError(t, f.d.Dispatch(ctx, "status"))

	assert.Equal(t, []string{"start", "start", "restart", "stop"}, f.sup.calls)
	assert.Equal(t, time.Duration(0), f.sup.settle)
	assert.Equal(t, []string{
		"✅ Server is running. (PID: 4242)",
		"🔁 Restarting server...",
		"❌ Server is stopped.",
	}, f.rec.Lines())
}

func TestDispatch_UnknownCommand(t *testing.T) {
	f := newFixture(t)
	err := f.d.Dispatch(context.Background(), "Launch Rockets")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, []string{"❓ Unknown command: launch rockets"}, f.rec.Lines())
	assert.Empty(t, f.sup.calls)
}

func TestDispatch_EmptyLineIsIgnored(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.d.Dispatch(context.Background(), "   "))
	assert.Empty(t, f.rec.Lines())
}

func TestDispatch_WatchdogAndMonitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.Dispatch(ctx, "watchdog  on"))
	assert.True(t, f.wd.on)
	require.NoError(t, f.d.Dispatch(ctx, "watchdog off"))
	assert.False(t, f.wd.on)
	require.NoError(t, f.d.Dispatch(ctx, "watchdog off"))
	assert.Contains(t, f.rec.Lines(), "⚠️ Restart watchdog is not running.")

	require.NoError(t, f.d.Dispatch(ctx, "monitor on"))
	assert.True(t, f.mon.on)
	require.NoError(t, f.d.Dispatch(ctx, "monitor off"))
	assert.False(t, f.mon.on)

	f.d.Monitor = nil
	require.NoError(t, f.d.Dispatch(ctx, "monitor on"))
	assert.Contains(t, f.rec.Lines(), "⚠️ Performance monitor is not available.")
}

func TestDispatch_Schedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.d.Dispatch(ctx, "schedule"))
	assert.Equal(t, []string{"🕒 Scheduled restarts are disabled."}, f.rec.Lines())

	require.NoError(t, f.store.SaveRestartSchedule(settings.RestartSchedule{
		Enabled: true, Mode: settings.ModeDesignated, Frequency: 4, StartTime: "03:00",
	}))
	f.wd.on = true
	require.NoError(t, f.d.Dispatch(ctx, "schedule"))
	lines := f.rec.Lines()
	assert.Equal(t, "🕒 Next restart (designated): 2024-01-01 03:00, in 60 minutes. Watchdog on.", lines[len(lines)-1])
}

func TestDispatch_HelpListsEveryCommand(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Dispatch(context.Background(), "help"))
	lines := f.rec.Lines()
	require.Len(t, lines, len(Commands)+1)
	for i, c := range Commands {
		assert.Contains(t, lines[i+1], c.Name)
	}
}

func TestWithLog_CapturesOutput(t *testing.T) {
	f := newFixture(t)
	extra := &logger.Recorder{}
	require.NoError(t, f.d.WithLog(extra.Log).Dispatch(context.Background(), "status"))
	assert.Equal(t, []string{"❌ Server is stopped."}, extra.Lines())
	assert.Equal(t, []string{"❌ Server is stopped."}, f.rec.Lines())
}

func TestDispatch_MissingComponents(t *testing.T) {
	rec := &logger.Recorder{}
	d := &Dispatcher{Log: rec.Log}
	ctx := context.Background()

	for _, cmd := range []string{"start", "status", "watchdog on", "watchdog off", "monitor on", "schedule"} {
		assert.NotPanics(t, func() { _ = d.Dispatch(ctx, cmd) }, cmd)
	}
	assert.Equal(t, []string{
		"⚠️ Server control is not available.",
		"⚠️ Server control is not available.",
		"⚠️ Restart watchdog is not available.",
		"⚠️ Restart watchdog is not available.",
		"⚠️ Performance monitor is not available.",
		"⚠️ Restart schedule is not available.",
	}, rec.Lines())
}

type echoingSup struct{ fakeSup }

func (e *echoingSup) Start(ctx context.Context) error {
	logger.LogFunc(logger.Discard).ForContext(ctx)("🔄 Checking for updates...")
	return e.fakeSup.Start(ctx)
}

func TestWithLog_CapturesSupervisorLines(t *testing.T) {
	f := newFixture(t)
	f.d.Supervisor = &echoingSup{}
	extra := &logger.Recorder{}

	require.NoError(t, f.d.WithLog(extra.Log).Dispatch(context.Background(), "start"))
	assert.Equal(t, []string{"🔄 Checking for updates..."}, extra.Lines())

	// without WithLog nothing is echoed
	require.NoError(t, f.d.Dispatch(context.Background(), "stop"))
	assert.Len(t, extra.Lines(), 1)
}
