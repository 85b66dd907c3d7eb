package tether

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// scheduled runs fn once after a delay on a clock unless cancelled first.
// Owners must still check identity before acting in fn: a timer that fired
// concurrently with cancel may already be past the select.
type scheduled struct {
	timer clockz.Timer
	done  chan struct{}
	once  sync.Once
}

func schedule(clock clockz.Clock, d time.Duration, fn func()) *scheduled {
	s := &scheduled{
		timer: clock.NewTimer(d),
		done:  make(chan struct{}),
	}
	go func() {
		select {
		case <-s.timer.C():
			fn()
		case <-s.done:
		}
	}()
	return s
}

func (s *scheduled) cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		s.timer.Stop()
	})
}
