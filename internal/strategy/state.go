package strategy

// State is the lifecycle state of a strategy instance.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// validTransitions is the lifecycle table. Any move not listed here is
// rejected, leaving the instance unchanged.
var validTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateActive, StateError},
	StateActive:   {StatePaused, StateStopping, StateError},
	StatePaused:   {StateActive, StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateIdle},
	StateError:    {StateIdle, StateStopping},
}

// CanTransition reports whether from→to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRunnable reports whether the state takes part in trading dispatch.
func (s State) IsRunnable() bool {
	return s == StateActive || s == StatePaused
}

// IsTerminalError reports whether the state requires a reset before the
// instance can run again.
func (s State) IsTerminalError() bool {
	return s == StateError
}
