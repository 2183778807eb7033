package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a virtual Scheduler. Time only moves when Advance is called, and
// due callbacks run synchronously on the caller's goroutine in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	f        *Fake
	deadline time.Time
	period   time.Duration
	seq      uint64
	fn       func()
	active   bool
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After schedules fn to run once d from now.
func (f *Fake) After(d time.Duration, fn func()) Timer {
	return f.schedule(d, 0, fn)
}

// Every schedules fn to run every d.
func (f *Fake) Every(d time.Duration, fn func()) Timer {
	return f.schedule(d, d, fn)
}

func (f *Fake) schedule(d, period time.Duration, fn func()) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{
		f:        f,
		deadline: f.now.Add(d),
		period:   period,
		seq:      f.seq,
		fn:       fn,
		active:   true,
	}
	f.timers = append(f.timers, t)
	return t
}

// Pending returns the number of active timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.active {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every callback that comes due
// along the way. Callbacks may schedule or stop other timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.compact()
			f.mu.Unlock()
			return
		}
		f.now = next.deadline
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.active = false
		}
		fn := next.fn
		f.mu.Unlock()

		fn()
	}
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if t.active && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (f *Fake) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if t.active {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(f.timers); i++ {
		f.timers[i] = nil
	}
	f.timers = live
}
