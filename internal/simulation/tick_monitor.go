package simulation

import (
	"sync"
	"time"
)

// FrameStats summarises observed frame render durations.
type FrameStats struct {
	Samples int           `json:"samples"`
	Average time.Duration `json:"average"`
	Max     time.Duration `json:"max"`
	Last    time.Duration `json:"last"`
}

// Budget reports whether the average render cost fits inside step.
func (s FrameStats) Budget(step time.Duration) bool {
	return s.Samples == 0 || s.Average <= step
}

// TickMonitor accumulates timing statistics for the frame loop.
type TickMonitor struct {
	mu      sync.Mutex
	samples int
	total   time.Duration
	max     time.Duration
	last    time.Duration
}

// NewTickMonitor constructs an empty monitor.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the duration of a completed frame.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	m.samples++
	m.total += duration
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated statistics.
func (m *TickMonitor) Snapshot() FrameStats {
	if m == nil {
		return FrameStats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := FrameStats{Samples: m.samples, Max: m.max, Last: m.last}
	if m.samples > 0 {
		stats.Average = m.total / time.Duration(m.samples)
	}
	return stats
}

// Reset clears the statistics when a new encounter starts.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.mu.Unlock()
}
