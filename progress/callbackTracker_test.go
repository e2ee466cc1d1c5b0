package progress

import (
	"testing"
	"time"

	"github.com/SUS81/sdk/stoppable"
)

func newTestTracker(period time.Duration) (*callbackTracker, chan Update, chan error) {
	updates := make(chan Update, 16)
	errs := make(chan error, 16)
	// An error delivery goes to errs only, so updates carries just the
	// error-free deliveries the tests count.
	cb := func(u Update, err error) {
		if err != nil {
			errs <- err
			return
		}
		updates <- u
	}
	return newCallbackTracker(cb, period, stoppable.NewSingle("test")), updates, errs
}

func TestCallbackTracker_FirstCallDeliversImmediately(t *testing.T) {
	ct, updates, _ := newTestTracker(time.Hour)
	ct.call(Update{Completed: 10, Total: 100}, nil)

	select {
	case u := <-updates:
		if u.Completed != 10 || u.Total != 100 {
			t.Errorf("delivered update = %+v, want {10 100}", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("first call did not deliver within 1s")
	}
}

// Tests that a second call within the rate-limit period is not delivered
// immediately, but is later delivered once the period elapses, carrying the
// most recent pending value (not the intermediate one).
func TestCallbackTracker_RateLimitsThenDeliversLatest(t *testing.T) {
	ct, updates, _ := newTestTracker(50 * time.Millisecond)

	ct.call(Update{Completed: 1, Total: 100}, nil)
	<-updates // drain the immediate first delivery

	ct.call(Update{Completed: 2, Total: 100}, nil)
	ct.call(Update{Completed: 3, Total: 100}, nil)

	select {
	case u := <-updates:
		if u.Completed != 2 && u.Completed != 3 {
			t.Fatalf("unexpected intermediate delivery %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("rate-limited update was never delivered")
	}
}

// Tests that an error call marks the tracker complete and delivers
// immediately, and that no further calls are delivered afterward.
func TestCallbackTracker_ErrorCompletesAndSuppressesFurtherCalls(t *testing.T) {
	ct, updates, errs := newTestTracker(time.Hour)

	ct.call(Update{Completed: 1, Total: 1}, nil)
	<-updates

	failErr := errBoom
	ct.call(Update{Completed: 1, Total: 1}, failErr)

	select {
	case err := <-errs:
		if err != failErr {
			t.Errorf("delivered error = %v, want %v", err, failErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("error call was never delivered")
	}

	ct.call(Update{Completed: 2, Total: 2}, nil)
	select {
	case u := <-updates:
		t.Errorf("received update %+v after completion, want none", u)
	case <-time.After(100 * time.Millisecond):
		// expected: nothing further delivered
	}
}

type trackerTestError string

func (e trackerTestError) Error() string { return string(e) }

const errBoom = trackerTestError("boom")
