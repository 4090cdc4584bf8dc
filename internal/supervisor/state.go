package supervisor

// State is the lifecycle state of the supervised server.
//
//	NotRunning -> Starting -> Running -> Stopping -> NotRunning
//
// A failed start returns Starting -> NotRunning and an unexpected exit
// returns Running -> NotRunning.
type State int32

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
	StateStopping
)

var allStates = []State{StateNotRunning, StateStarting, StateRunning, StateStopping}

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not_running"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
