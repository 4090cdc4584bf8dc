package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rtmsm/internal/dispatch"
	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/supervisor"
	rtmtls "github.com/loykin/rtmsm/internal/tls"
	"github.com/loykin/rtmsm/pkg/client"
)

type fakeSup struct {
	mu    sync.Mutex
	state supervisor.State
	calls []string
}

func (f *fakeSup) set(s supervisor.State, call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	f.calls = append(f.calls, call)
}

func (f *fakeSup) Start(context.Context) error {
	f.set(supervisor.StateRunning, "start")
	return nil
}

func (f *fakeSup) Stop(context.Context) error {
	f.set(supervisor.StateNotRunning, "stop")
	return nil
}

func (f *fakeSup) Restart(context.Context, time.Duration) error {
	f.set(supervisor.StateRunning, "restart")
	return nil
}

func (f *fakeSup) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == supervisor.StateRunning
}

func (f *fakeSup) PID() int {
	if f.IsRunning() {
		return 77
	}
	return 0
}

func (f *fakeSup) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := supervisor.Status{State: f.state.String(), Running: f.state == supervisor.StateRunning, Executable: "MoriaServer.exe"}
	if st.Running {
		st.PID = 77
	}
	return st
}

func (f *fakeSup) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeWD struct {
	mu    sync.Mutex
	armed bool
}

func (w *fakeWD) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.armed
	w.armed = true
	return !was
}

func (w *fakeWD) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.armed
	w.armed = false
	return was
}

func (w *fakeWD) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

func (w *fakeWD) NextRestart() (time.Time, bool) {
	if w.Armed() {
		return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

type fixture struct {
	r     *Router
	h     http.Handler
	sup   *fakeSup
	wd    *fakeWD
	store *settings.Store
	logs  *logger.Recorder
}

func setup(t *testing.T, base string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		sup:   &fakeSup{},
		wd:    &fakeWD{},
		store: settings.New(filepath.Join(t.TempDir(), "rtm_settings.json")),
		logs:  &logger.Recorder{},
	}
	d := &dispatch.Dispatcher{Supervisor: f.sup, Watchdog: f.wd, Schedule: f.store, Log: f.logs.Log}
	f.r = NewRouter(Options{
		Supervisor: f.sup,
		Watchdog:   f.wd,
		Schedule:   f.store,
		Dispatcher: d,
		BasePath:   base,
		Log:        f.logs.Log,
	})
	f.h = f.r.Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStartStop_Accepted(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	f.r.Wait()
	assert.Equal(t, []string{"start"}, f.sup.Calls())

	rec = doReq(t, f.h, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/stop", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	f.r.Wait()

	rec = doReq(t, f.h, http.MethodPost, "/api/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, supervisor.ErrNotRunning.Error(), decode[errorResp](t, rec).Error)

	rec = doReq(t, f.h, http.MethodPost, "/api/restart", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	f.r.Wait()
	assert.Equal(t, []string{"start", "stop", "restart"}, f.sup.Calls())
}

func TestStart_BusyIsConflict(t *testing.T) {
	f := setup(t, "")
	f.sup.state = supervisor.StateStopping
	rec := doReq(t, f.h, http.MethodPost, "/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.sup.Calls())
}

func TestStatus_ReflectsSupervisor(t *testing.T) {
	f := setup(t, "/api")

	st := decode[StatusResp](t, doReq(t, f.h, http.MethodGet, "/api/status", nil))
	assert.Equal(t, "not_running", st.Server.State)
	assert.False(t, st.Server.Running)
	assert.False(t, st.Watchdog.Armed)

	require.NoError(t, f.sup.Start(context.Background()))
	f.wd.Start()
	st = decode[StatusResp](t, doReq(t, f.h, http.MethodGet, "/api/status", nil))
	assert.Equal(t, "running", st.Server.State)
	assert.Equal(t, 77, st.Server.PID)
	assert.True(t, st.Watchdog.Armed)
	assert.Equal(t, 12, st.Watchdog.NextRestart.Hour())
}

func TestWatchdogToggle(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodPost, "/api/watchdog?state=on", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[WatchdogStatus](t, rec).Armed)

	rec = doReq(t, f.h, http.MethodPost, "/api/watchdog?state=OFF", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[WatchdogStatus](t, rec).Armed)

	rec = doReq(t, f.h, http.MethodPost, "/api/watchdog?state=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedule_GetPut(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodGet, "/api/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ScheduleResp](t, rec)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.MinutesLeft)

	require.NoError(t, f.store.SaveRestartSchedule(settings.RestartSchedule{
		Enabled: true, Mode: settings.ModeHourly, Frequency: 4, LastStart: "2024-01-01 00:00:00",
	}))

	body := settings.RestartSchedule{Enabled: true, Warnings: true, Mode: settings.ModeHourly, Frequency: 6, StartTime: "00:00"}
	rec = doReq(t, f.h, http.MethodPut, "/api/schedule", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[ScheduleResp](t, rec)
	assert.Equal(t, 6, got.Frequency)
	require.NotNil(t, got.MinutesLeft)
	assert.False(t, got.NextRestart.IsZero())

	saved, err := f.store.RestartSchedule()
	require.NoError(t, err)
	assert.Equal(t, 6, saved.Frequency)
	assert.Equal(t, "2024-01-01 00:00:00", saved.LastStart, "anchor is kept")
	assert.Contains(t, f.logs.Lines(), "✅ Restart schedule saved in hourly mode.")
}

func TestSchedule_PutInvalid(t *testing.T) {
	f := setup(t, "/api")
	rec := doReq(t, f.h, http.MethodPut, "/api/schedule", settings.RestartSchedule{Enabled: true, Mode: "weekly", Frequency: 4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/schedule", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCommand(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodPost, "/api/command", CommandReq{Command: "status"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"❌ Server is stopped."}, decode[CommandResp](t, rec).Output)

	rec = doReq(t, f.h, http.MethodPost, "/api/command", CommandReq{Command: "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.sup.IsRunning())

	rec = doReq(t, f.h, http.MethodPost, "/api/command", CommandReq{Command: "dance"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[CommandResp](t, rec)
	assert.Equal(t, []string{"❓ Unknown command: dance"}, resp.Output)
	assert.Contains(t, resp.Error, "unknown command")
	assert.Contains(t, f.logs.Lines(), "> dance")
}

func TestCommand_OutputIncludesSupervisorLines(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := settings.New(filepath.Join(t.TempDir(), "rtm_settings.json"))
	console := &logger.Recorder{}
	sup := supervisor.New(supervisor.Options{Settings: store, Log: console.Log})
	d := &dispatch.Dispatcher{Supervisor: sup, Schedule: store, Log: console.Log}
	h := NewRouter(Options{Supervisor: sup, Schedule: store, Dispatcher: d, BasePath: "/api"}).Handler()

	rec := doReq(t, h, http.MethodPost, "/api/command", CommandReq{Command: "start"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[CommandResp](t, rec)
	assert.Equal(t, []string{"❌ RTM Server path not found in settings."}, resp.Output)
	assert.Contains(t, console.Lines(), "❌ RTM Server path not found in settings.")

	rec = doReq(t, h, http.MethodPost, "/api/command", CommandReq{Command: "stop"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"⚠️ Server is not running."}, decode[CommandResp](t, rec).Output)
}

func TestUnknownRoute(t *testing.T) {
	f := setup(t, "/api")
	rec := doReq(t, f.h, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(" / "))
	assert.Equal(t, "/api", sanitizeBase("api/"))
	assert.Equal(t, "/a/b", sanitizeBase("/a/b//"))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.NotFoundHandler(), 0, 0)
	assert.Equal(t, DefaultReadTimeout, srv.ReadTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_TLS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tlsCfg, err := rtmtls.Setup(rtmtls.Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	require.NoError(t, err)

	f := setup(t, "/api")
	srv := NewServer(addr, f.h, 0, 0)
	srv.TLSConfig = tlsCfg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := client.New(client.Config{BaseURL: "https://" + addr + "/api", Timeout: time.Second, Insecure: true})
	require.Eventually(t, func() bool { return c.IsReachable(context.Background()) }, 5*time.Second, 50*time.Millisecond)
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "not_running", st.Server.State)
}
