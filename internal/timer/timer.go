// Package timer schedules single-shot and repeating callbacks behind an
// interface, so deadlines and billing ticks can run on a manual clock in tests.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels future firings. It reports whether the timer was still pending.
	Stop() bool
}

// Scheduler is the clock plus timer factory used by the orchestrator.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f once after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f every d until stopped. The first run is at now+d.
	Every(d time.Duration, f func()) Timer
}

// Real is the Scheduler backed by a clockwork clock. The zero value uses
// the system clock.
type Real struct {
	Clock clockwork.Clock
}

func (r Real) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

func (r Real) Now() time.Time { return r.clock().Now() }

func (r Real) AfterFunc(d time.Duration, f func()) Timer {
	return r.clock().AfterFunc(d, f)
}

func (r Real) Every(d time.Duration, f func()) Timer {
	t := &ticker{stop: make(chan struct{})}
	tk := r.clock().NewTicker(d)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tk.Chan():
				f()
			}
		}
	}()
	return t
}

type ticker struct {
	once sync.Once
	stop chan struct{}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		close(t.stop)
		stopped = true
	})
	return stopped
}
