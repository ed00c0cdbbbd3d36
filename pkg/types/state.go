package types

import "fmt"

// WorkerState is the lifecycle state of the detection worker
type WorkerState int32

const (
	StateStopped WorkerState = iota
	StateStarting
	StateRunning
	StateFailed
)

var stateNames = map[WorkerState]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateRunning:  "running",
	StateFailed:   "failed",
}

func (s WorkerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Active reports whether the sampling loop is (or is about to be) running
func (s WorkerState) Active() bool {
	return s == StateStarting || s == StateRunning
}

func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *WorkerState) UnmarshalText(text []byte) error {
	for k, v := range stateNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}
