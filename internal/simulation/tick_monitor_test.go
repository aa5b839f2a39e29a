package simulation

import (
	"testing"
	"time"
)

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor()
	monitor.Observe(2 * time.Millisecond)
	monitor.Observe(4 * time.Millisecond)
	monitor.Observe(0)

	stats := monitor.Snapshot()
	if stats.Samples != 2 || stats.Average != 3*time.Millisecond || stats.Max != 4*time.Millisecond || stats.Last != 4*time.Millisecond {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.Budget(5*time.Millisecond) || stats.Budget(time.Millisecond) {
		t.Fatalf("unexpected budget evaluation for %+v", stats)
	}
	monitor.Reset()
	if monitor.Snapshot() != (FrameStats{}) {
		t.Fatal("expected reset to clear stats")
	}
	var nilMonitor *TickMonitor
	nilMonitor.Observe(time.Second)
	if nilMonitor.Snapshot().Samples != 0 {
		t.Fatal("nil monitor must report nothing")
	}
}
