// Package clock abstracts timers so time-driven state machines can run
// against a virtual clock in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancellation token for a scheduled callback.
type Timer interface {
	// Stop prevents future firings. It reports whether the timer was active.
	Stop() bool
}

// Scheduler runs callbacks after a delay or at a fixed period.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Real returns a Scheduler backed by the runtime timers. Callbacks run on
// their own goroutines.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (realScheduler) Every(d time.Duration, fn func()) Timer {
	t := &ticker{
		t:    time.NewTicker(d),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.t.C:
				// Stop may race with a tick that was already delivered.
				select {
				case <-t.done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

type ticker struct {
	t    *time.Ticker
	once sync.Once
	done chan struct{}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.t.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
