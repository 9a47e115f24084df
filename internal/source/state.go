package source

// DeviceState is the lifecycle state of the capture session.
type DeviceState int32

const (
	Uninitialized DeviceState = iota
	Active
	Lost
	Stopped
)

func (s DeviceState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Lost:
		return "lost"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerState is what the capture worker is doing. Diagnostic only.
type WorkerState int32

const (
	WaitingForWake WorkerState = iota
	Draining
	Resampling
	Paused
	Terminated
)

func (s WorkerState) String() string {
	switch s {
	case WaitingForWake:
		return "waiting"
	case Draining:
		return "draining"
	case Resampling:
		return "resampling"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
