////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const toStoppingErr = "failed to set the status of single stoppable %q to " +
	"stopped when status is %s instead of %s"

// Single stops a single goroutine via a quit channel. Used for one crypto
// worker, or for a slot's best-effort flush goroutine.
type Single struct {
	name   string
	quit   chan struct{}
	done   chan struct{}
	status Status
	once   sync.Once
}

// NewSingle returns a new, running Single.
func NewSingle(name string) *Single {
	return &Single{
		name:   name,
		quit:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		status: Running,
	}
}

func (s *Single) Name() string { return s.name }

func (s *Single) GetStatus() Status {
	return Status(atomic.LoadUint32((*uint32)(&s.status)))
}

func (s *Single) IsRunning() bool { return s.GetStatus() == Running }

func (s *Single) toStopping() error {
	if !atomic.CompareAndSwapUint32((*uint32)(&s.status), uint32(Running), uint32(Stopping)) {
		return errors.Errorf(toStoppingErr, s.Name(), s.GetStatus(), Running)
	}
	return nil
}

// ToStopped moves the status from stopping to stopped and closes done. It
// must be called by the goroutine itself once it observes Quit().
func (s *Single) ToStopped() {
	if !atomic.CompareAndSwapUint32((*uint32)(&s.status), uint32(Stopping), uint32(Stopped)) {
		jww.FATAL.Panicf("Failed to set the status of single stoppable %q to "+
			"stopped when status is %s instead of %s.",
			s.Name(), s.GetStatus(), Stopping)
	}
	close(s.done)
}

// Quit returns the channel the owned goroutine should select on.
func (s *Single) Quit() <-chan struct{} { return s.quit }

// Close signals quit and waits up to timeout for ToStopped. A zero timeout
// waits forever, so every caller of Close in this module passes a positive
// timeout instead to bound an otherwise-unbounded wait.
func (s *Single) Close(timeout time.Duration) error {
	var err error
	s.once.Do(func() {
		err = s.toStopping()
		if err != nil {
			return
		}
		s.quit <- struct{}{}
	})
	if err != nil {
		return err
	}

	if timeout <= 0 {
		<-s.done
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.Errorf("stoppable %q did not stop within %s", s.name, timeout)
	}
}
