package xfer

import (
	"sync"
	"time"
)

// speedWindow is how far back SpeedTracker averages throughput over.
const speedWindow = 10 * time.Second

// speedSample is one observed progress reading.
type speedSample struct {
	at       time.Time
	progress int64
}

// SpeedTracker computes a slot's recent bytes/second from a rolling window
// of progress samples, updated and reported alongside every progress
// callback.
type SpeedTracker struct {
	mux     sync.Mutex
	samples []speedSample
}

// NewSpeedTracker returns an empty SpeedTracker.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{}
}

// Update records a new progress reading (cumulative bytes done) and prunes
// samples older than speedWindow.
func (s *SpeedTracker) Update(progress int64, now time.Time) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.samples = append(s.samples, speedSample{at: now, progress: progress})

	cutoff := now.Add(-speedWindow)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append([]speedSample(nil), s.samples[i:]...)
	}
}

// BytesPerSecond returns the average throughput across the current window,
// or 0 if fewer than two samples have been recorded.
func (s *SpeedTracker) BytesPerSecond() float64 {
	s.mux.Lock()
	defer s.mux.Unlock()

	if len(s.samples) < 2 {
		return 0
	}

	first, last := s.samples[0], s.samples[len(s.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.progress-first.progress) / elapsed
}
