////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package progress rate-limits the progress notifications a TransferSlot
// reports to its caller, so a fast connection does not flood the app layer
// with a callback per chunk: at most one delivery per configured period,
// with the latest pending value always winning.
package progress

import (
	"sync"
	"time"

	"github.com/SUS81/sdk/stoppable"
)

// Update is one progress observation reported to a Callback.
type Update struct {
	Completed int64
	Total     int64
}

// Callback receives transfer progress until it is called with a non-nil err,
// after which no further calls occur.
type Callback func(u Update, err error)

// callbackTracker rate-limits calls to a single Callback to at most once per
// period, always delivering the most recent update once the period elapses.
// The first call and any error-carrying call are delivered immediately.
type callbackTracker struct {
	cb     Callback
	period time.Duration

	mux       sync.RWMutex
	lastCall  time.Time
	scheduled bool
	complete  bool
	pending   Update

	stop *stoppable.Single
}

func newCallbackTracker(cb Callback, period time.Duration, stop *stoppable.Single) *callbackTracker {
	return &callbackTracker{cb: cb, period: period, stop: stop}
}

// call reports u/err, subject to rate limiting. An error marks the tracker
// complete: this and every future call after it deliver nothing further.
func (ct *callbackTracker) call(u Update, err error) {
	ct.mux.Lock()

	if ct.complete {
		ct.mux.Unlock()
		return
	}

	if err != nil {
		ct.complete = true
		ct.mux.Unlock()
		ct.cb(u, err)
		return
	}

	ct.pending = u

	if ct.lastCall.IsZero() || ct.period <= 0 || time.Since(ct.lastCall) >= ct.period {
		ct.lastCall = time.Now()
		ct.mux.Unlock()
		ct.cb(u, nil)
		return
	}

	if ct.scheduled {
		ct.mux.Unlock()
		return
	}

	ct.scheduled = true
	wait := ct.period - time.Since(ct.lastCall)
	ct.mux.Unlock()

	go ct.deliverAfter(wait)
}

func (ct *callbackTracker) deliverAfter(wait time.Duration) {
	<-time.After(wait)

	ct.mux.Lock()
	if ct.complete {
		ct.mux.Unlock()
		return
	}
	u := ct.pending
	ct.lastCall = time.Now()
	ct.scheduled = false
	ct.mux.Unlock()

	ct.cb(u, nil)
}
