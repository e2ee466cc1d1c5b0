package xfer

import (
	"testing"
	"time"
)

func TestSpeedTracker_NoSamples(t *testing.T) {
	s := NewSpeedTracker()
	if bps := s.BytesPerSecond(); bps != 0 {
		t.Errorf("BytesPerSecond() with no samples = %f, want 0", bps)
	}
}

func TestSpeedTracker_SingleSample(t *testing.T) {
	s := NewSpeedTracker()
	s.Update(1000, time.Unix(0, 0))
	if bps := s.BytesPerSecond(); bps != 0 {
		t.Errorf("BytesPerSecond() with one sample = %f, want 0", bps)
	}
}

func TestSpeedTracker_AveragesAcrossWindow(t *testing.T) {
	s := NewSpeedTracker()
	start := time.Unix(0, 0)
	s.Update(0, start)
	s.Update(5000, start.Add(5*time.Second))

	bps := s.BytesPerSecond()
	if bps != 1000 {
		t.Errorf("BytesPerSecond() = %f, want 1000", bps)
	}
}

// Tests that samples older than speedWindow are pruned, so a stall followed
// by a burst reports only the recent rate, not an average since the
// beginning of the transfer.
func TestSpeedTracker_PrunesOldSamples(t *testing.T) {
	s := NewSpeedTracker()
	start := time.Unix(0, 0)

	s.Update(0, start)
	s.Update(1000, start.Add(1*time.Second))

	// Jump far enough ahead that both earlier samples fall outside the
	// window, then add two fresh ones close together.
	later := start.Add(1 * time.Hour)
	s.Update(100000, later)
	s.Update(102000, later.Add(1*time.Second))

	bps := s.BytesPerSecond()
	if bps != 2000 {
		t.Errorf("BytesPerSecond() after pruning = %f, want 2000", bps)
	}
}
