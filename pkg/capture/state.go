package capture

// State is the lifecycle state of the capture engine
type State string

const (
	StateStopped   State = "stopped"   // No active file, no read loop
	StateStarting  State = "starting"  // Active file being opened
	StateCapturing State = "capturing" // Read loop running, flushes write to the active file
	StatePaused    State = "paused"    // Read loop running, flushes suppressed and buffer retained
	StateStopping  State = "stopping"  // Read loop cancelled, final flush pending
)

func canStartFromState(state State) bool {
	switch state {
	case StateStopped:
		return true
	default:
		return false
	}
}

func canPauseFromState(state State) bool {
	switch state {
	case StateCapturing:
		return true
	default:
		return false
	}
}

func canResumeFromState(state State) bool {
	switch state {
	case StatePaused:
		return true
	default:
		return false
	}
}

func canStopFromState(state State) bool {
	switch state {
	case StateCapturing, StatePaused:
		return true
	case StateStopped:
		return true // no-op
	default:
		return false
	}
}

// acceptsRecords tells whether Append buffers records in the given state
func acceptsRecords(state State) bool {
	switch state {
	case StateCapturing, StatePaused, StateStopping:
		return true
	default:
		return false
	}
}
