package orchestrator

import (
	"time"

	"github.com/nexus-trading/tradecore/internal/strategy"
)

// State is the loop lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a point-in-time copy of the orchestrator's state. It shares
// nothing with the live instance.
type Snapshot struct {
	Config              Config
	State               State
	ActiveStrategy      strategy.ID
	LastSignal          *strategy.Signal
	LastExecuted        strategy.Direction
	LastLoopAt          time.Time
	LastOptimizationAt  time.Time
	LastError           string
	Iterations          uint64
	OptimizationRunning bool
}

// Running mirrors State == StateRunning.
func (s Snapshot) Running() bool { return s.State == StateRunning }
