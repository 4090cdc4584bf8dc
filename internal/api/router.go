// Package api exposes the manager over HTTP.
//
// Endpoints, relative to the base path:
//
//	POST /start, /stop, /restart   202, run in the background
//	GET  /status                   server and watchdog state
//	POST /watchdog?state=on|off
//	GET  /schedule, PUT /schedule  the persisted restart schedule
//	POST /command                  {"command": "..."} through the dispatcher
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/rtmsm/internal/dispatch"
	"github.com/loykin/rtmsm/internal/logger"
	"github.com/loykin/rtmsm/internal/settings"
	"github.com/loykin/rtmsm/internal/supervisor"
	"github.com/loykin/rtmsm/internal/watchdog"
)

type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, settle time.Duration) error
	Status() supervisor.Status
}

type Watchdog interface {
	Start() bool
	Stop() bool
	Armed() bool
	NextRestart() (time.Time, bool)
}

type ScheduleStore interface {
	RestartSchedule() (settings.RestartSchedule, error)
	SaveRestartSchedule(settings.RestartSchedule) error
}

type Router struct {
	sup        Supervisor
	wd         Watchdog
	schedule   ScheduleStore
	dispatcher *dispatch.Dispatcher
	basePath   string
	log        logger.LogFunc

	wg sync.WaitGroup // background lifecycle operations
}

type Options struct {
	Supervisor Supervisor
	Watchdog   Watchdog
	Schedule   ScheduleStore
	Dispatcher *dispatch.Dispatcher
	BasePath   string
	Log        logger.LogFunc
}

// NewRouter builds a router. basePath may be empty or start with '/'.
func NewRouter(opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = logger.Discard
	}
	return &Router{
		sup:        opts.Supervisor,
		wd:         opts.Watchdog,
		schedule:   opts.Schedule,
		dispatcher: opts.Dispatcher,
		basePath:   sanitizeBase(opts.BasePath),
		log:        log,
	}
}

// Handler returns the gin engine serving the API.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.POST("/watchdog", r.handleWatchdog)
	group.GET("/schedule", r.handleGetSchedule)
	group.PUT("/schedule", r.handlePutSchedule)
	group.POST("/command", r.handleCommand)
	return g
}

// Wait blocks until background lifecycle operations have finished.
func (r *Router) Wait() { r.wg.Wait() }

type errorResp struct {
	Error string `json:"error"`
}

type acceptedResp struct {
	Accepted bool   `json:"accepted"`
	Action   string `json:"action"`
}

// StatusResp is the body of GET /status.
type StatusResp struct {
	Server   supervisor.Status `json:"server"`
	Watchdog WatchdogStatus    `json:"watchdog"`
}

type WatchdogStatus struct {
	Armed       bool      `json:"armed"`
	NextRestart time.Time `json:"next_restart,omitzero"`
}

// ScheduleResp is the body of GET/PUT /schedule.
type ScheduleResp struct {
	settings.RestartSchedule
	NextRestart time.Time `json:"next_restart,omitzero"`
	MinutesLeft *int      `json:"minutes_left,omitempty"`
}

type CommandReq struct {
	Command string `json:"command"`
}

type CommandResp struct {
	Output []string `json:"output"`
	Error  string   `json:"error,omitempty"`
}

func (r *Router) handleStart(c *gin.Context) {
	st := r.sup.Status()
	switch st.State {
	case supervisor.StateRunning.String():
		c.JSON(http.StatusConflict, errorResp{Error: supervisor.ErrAlreadyRunning.Error()})
		return
	case supervisor.StateStarting.String(), supervisor.StateStopping.String():
		c.JSON(http.StatusConflict, errorResp{Error: supervisor.ErrBusy.Error()})
		return
	}
	r.background(r.sup.Start)
	c.JSON(http.StatusAccepted, acceptedResp{Accepted: true, Action: "start"})
}

func (r *Router) handleStop(c *gin.Context) {
	st := r.sup.Status()
	switch st.State {
	case supervisor.StateNotRunning.String():
		c.JSON(http.StatusConflict, errorResp{Error: supervisor.ErrNotRunning.Error()})
		return
	case supervisor.StateStarting.String(), supervisor.StateStopping.String():
		c.JSON(http.StatusConflict, errorResp{Error: supervisor.ErrBusy.Error()})
		return
	}
	r.background(r.sup.Stop)
	c.JSON(http.StatusAccepted, acceptedResp{Accepted: true, Action: "stop"})
}

func (r *Router) handleRestart(c *gin.Context) {
	r.log("🔁 Restarting server...")
	r.background(func(ctx context.Context) error { return r.sup.Restart(ctx, 0) })
	c.JSON(http.StatusAccepted, acceptedResp{Accepted: true, Action: "restart"})
}

// background runs op detached from the request. The supervisor has already
// logged any failure.
func (r *Router) background(op func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = op(context.Background())
	}()
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := StatusResp{Server: r.sup.Status()}
	if r.wd != nil {
		resp.Watchdog.Armed = r.wd.Armed()
		resp.Watchdog.NextRestart, _ = r.wd.NextRestart()
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleWatchdog(c *gin.Context) {
	if r.wd == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "watchdog not configured"})
		return
	}
	switch strings.ToLower(c.Query("state")) {
	case "on":
		r.wd.Start()
	case "off":
		r.wd.Stop()
	default:
		c.JSON(http.StatusBadRequest, errorResp{Error: "state must be on or off"})
		return
	}
	next, _ := r.wd.NextRestart()
	c.JSON(http.StatusOK, WatchdogStatus{Armed: r.wd.Armed(), NextRestart: next})
}

func (r *Router) handleGetSchedule(c *gin.Context) {
	rs, err := r.schedule.RestartSchedule()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, scheduleResp(rs, time.Now()))
}

func (r *Router) handlePutSchedule(c *gin.Context) {
	var rs settings.RestartSchedule
	if err := c.ShouldBindJSON(&rs); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := rs.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if rs.LastStart == "" {
		// keep the hourly anchor unless the caller resets it explicitly
		if cur, err := r.schedule.RestartSchedule(); err == nil {
			rs.LastStart = cur.LastStart
		}
	}
	if err := r.schedule.SaveRestartSchedule(rs); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.log("✅ Restart schedule saved in " + string(rs.EffectiveMode()) + " mode.")
	c.JSON(http.StatusOK, scheduleResp(rs, time.Now()))
}

func scheduleResp(rs settings.RestartSchedule, now time.Time) ScheduleResp {
	resp := ScheduleResp{RestartSchedule: rs}
	if !rs.Enabled {
		return resp
	}
	if next, err := watchdog.NextRestart(rs, now); err == nil {
		left := watchdog.MinutesLeft(next, now)
		resp.NextRestart = next
		resp.MinutesLeft = &left
	}
	return resp
}

func (r *Router) handleCommand(c *gin.Context) {
	if r.dispatcher == nil {
		c.JSON(http.StatusNotImplemented, errorResp{Error: "command dispatcher not configured"})
		return
	}
	var req CommandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec := &logger.Recorder{}
	r.log("> " + strings.TrimSpace(req.Command))
	err := r.dispatcher.WithLog(rec.Log).Dispatch(context.WithoutCancel(c.Request.Context()), req.Command)

	resp := CommandResp{Output: rec.Lines()}
	if resp.Output == nil {
		resp.Output = []string{}
	}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, dispatch.ErrUnknownCommand):
			code = http.StatusBadRequest
		case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrBusy):
			code = http.StatusConflict
		default:
			code = http.StatusUnprocessableEntity
		}
	}
	c.JSON(code, resp)
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
