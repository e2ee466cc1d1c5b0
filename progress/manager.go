////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package progress

import (
	"strconv"
	"sync"
	"time"

	"github.com/SUS81/sdk/stoppable"
)

// Manager tracks every progress Callback registered against every active
// transfer ID, rate-limiting each independently via its own callbackTracker.
type Manager struct {
	mux       sync.Mutex
	callbacks map[string][]*callbackTracker
	stops     map[string][]*stoppable.Single
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		callbacks: make(map[string][]*callbackTracker),
		stops:     make(map[string][]*stoppable.Single),
	}
}

// AddCallback registers cb against id, rate-limited to at most once per
// period (period <= 0 means unlimited), and calls it once immediately with a
// zero Update.
func (m *Manager) AddCallback(id string, cb Callback, period time.Duration) {
	m.mux.Lock()
	stop := stoppable.NewSingle(id + "/" + strconv.Itoa(len(m.callbacks[id])))
	ct := newCallbackTracker(cb, period, stop)
	m.callbacks[id] = append(m.callbacks[id], ct)
	m.stops[id] = append(m.stops[id], stop)
	m.mux.Unlock()

	go ct.call(Update{}, nil)
}

// Call reports u/err to every callback registered against id.
func (m *Manager) Call(id string, u Update, err error) {
	m.mux.Lock()
	cbs := append([]*callbackTracker(nil), m.callbacks[id]...)
	m.mux.Unlock()

	for _, ct := range cbs {
		go ct.call(u, err)
	}
}

// Delete removes every callback and stoppable registered against id. Any
// callback with a delivery already scheduled for the rate-limit period
// simply never fires once complete.
func (m *Manager) Delete(id string) {
	m.mux.Lock()
	defer m.mux.Unlock()

	for _, ct := range m.callbacks[id] {
		ct.mux.Lock()
		ct.complete = true
		ct.mux.Unlock()
	}

	delete(m.callbacks, id)
	delete(m.stops, id)
}
