package stoppable

import (
	"testing"
	"time"
)

func TestSingle_NameAndInitialStatus(t *testing.T) {
	s := NewSingle("worker-0")
	if s.Name() != "worker-0" {
		t.Errorf("Name() = %q, want %q", s.Name(), "worker-0")
	}
	if !s.IsRunning() {
		t.Errorf("IsRunning() = false on a fresh Single")
	}
	if s.GetStatus() != Running {
		t.Errorf("GetStatus() = %v, want Running", s.GetStatus())
	}
}

// Tests the normal lifecycle: the owning goroutine observes Quit(), calls
// ToStopped, and Close returns nil having waited for it.
func TestSingle_CloseWaitsForToStopped(t *testing.T) {
	s := NewSingle("worker-1")

	go func() {
		<-s.Quit()
		s.ToStopped()
	}()

	if err := s.Close(time.Second); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if s.GetStatus() != Stopped {
		t.Errorf("GetStatus() after Close = %v, want Stopped", s.GetStatus())
	}
}

// Tests that Close times out if the goroutine never calls ToStopped.
func TestSingle_CloseTimesOut(t *testing.T) {
	s := NewSingle("worker-2")
	err := s.Close(20 * time.Millisecond)
	if err == nil {
		t.Fatalf("Close() = nil, want a timeout error")
	}
}

// Tests that Close is idempotent: a second call does not panic or re-send on
// quit, and still returns promptly once the first call's goroutine stops it.
func TestSingle_CloseIsIdempotent(t *testing.T) {
	s := NewSingle("worker-3")
	go func() {
		<-s.Quit()
		s.ToStopped()
	}()

	if err := s.Close(time.Second); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := s.Close(time.Second); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestStatus_String(t *testing.T) {
	cases := map[Status]string{
		Running:      "running",
		Stopping:     "stopping",
		Stopped:      "stopped",
		Status(99): "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}
