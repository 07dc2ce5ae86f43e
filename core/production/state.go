package production

import (
	"sync"
	"time"
)

// State is the phase of the block production cycle.
type State int32

const (
	Idle State = iota
	Building
	AwaitingProofs
	Sealing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Building:
		return "building"
	case AwaitingProofs:
		return "awaiting-proofs"
	case Sealing:
		return "sealing"
	}
	return "unknown"
}

// RollingAverage is the mean of the last windowSize cycle durations.
type RollingAverage struct {
	durations  []time.Duration
	sum        time.Duration
	windowSize int
	mu         sync.Mutex
}

func NewRollingAverage(windowSize int) *RollingAverage {
	return &RollingAverage{windowSize: max(windowSize, 1)}
}

func (ra *RollingAverage) Add(d time.Duration) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if len(ra.durations) == ra.windowSize {
		// Remove the oldest duration from the sum
		ra.sum -= ra.durations[0]
		ra.durations = ra.durations[1:]
	}
	ra.durations = append(ra.durations, d)
	ra.sum += d
}

func (ra *RollingAverage) Average() time.Duration {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if len(ra.durations) == 0 {
		return 0
	}
	return ra.sum / time.Duration(len(ra.durations))
}
