package supervisor

import "errors"

// Failure classes. Every error returned by the supervisor wraps one of these.
var (
	// ErrConfiguration: missing or invalid settings, or the executable is
	// absent. The user must fix it and retry.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransientIO: pipe or spawn failures. State is normalized before
	// returning.
	ErrTransientIO = errors.New("transient I/O error")
	// ErrExternalTool: the pre-launch update step failed; nothing was spawned.
	ErrExternalTool = errors.New("update step failed")

	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
	ErrBusy           = errors.New("server start or stop already in progress")
)
