package client

import "time"

// ServerStatus mirrors the supervisor snapshot returned by the daemon.
type ServerStatus struct {
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Executable string    `json:"executable"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
	ExitError  string    `json:"exit_error,omitempty"`
}

type WatchdogStatus struct {
	Armed       bool      `json:"armed"`
	NextRestart time.Time `json:"next_restart,omitzero"`
}

// Status is the body of GET /status.
type Status struct {
	Server   ServerStatus   `json:"server"`
	Watchdog WatchdogStatus `json:"watchdog"`
}

// Schedule is the persisted restart schedule plus the computed next restart.
type Schedule struct {
	Enabled     bool      `json:"enabled"`
	Warnings    bool      `json:"warnings"`
	Mode        string    `json:"mode,omitempty"`
	Frequency   int       `json:"frequency"`
	StartTime   string    `json:"start_time"`
	LastStart   string    `json:"last_start,omitempty"`
	NextRestart time.Time `json:"next_restart,omitzero"`
	MinutesLeft *int      `json:"minutes_left,omitempty"`
}

// CommandResult is the output of a dispatched console command.
type CommandResult struct {
	Output []string `json:"output"`
	Error  string   `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
