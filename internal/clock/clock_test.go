package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFake_AfterFiresOnce(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var n int
	f.After(time.Second, func() { n++ })

	f.Advance(999 * time.Millisecond)
	if n != 0 {
		t.Fatalf("fired early: n=%d", n)
	}
	f.Advance(time.Millisecond)
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	f.Advance(time.Hour)
	if n != 1 {
		t.Fatalf("one-shot fired again: n=%d", n)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", f.Pending())
	}
}

func TestFake_EveryAndStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var n int
	tm := f.Every(500*time.Millisecond, func() { n++ })

	f.Advance(2 * time.Second)
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	if !tm.Stop() {
		t.Error("Stop() = false on active timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true")
	}
	f.Advance(2 * time.Second)
	if n != 4 {
		t.Fatalf("fired after Stop: n=%d", n)
	}
}

func TestFake_OrderAndNowDuringCallback(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	var order []string
	var seenAt time.Time

	f.After(2*time.Second, func() { order = append(order, "b") })
	f.After(time.Second, func() {
		order = append(order, "a")
		seenAt = f.Now()
		// Scheduled from a callback and due inside the same Advance.
		f.After(500*time.Millisecond, func() { order = append(order, "a2") })
	})

	f.Advance(3 * time.Second)

	want := []string{"a", "a2", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if !seenAt.Equal(start.Add(time.Second)) {
		t.Errorf("Now() in callback = %v, want %v", seenAt, start.Add(time.Second))
	}
	if !f.Now().Equal(start.Add(3 * time.Second)) {
		t.Errorf("Now() = %v, want %v", f.Now(), start.Add(3*time.Second))
	}
}

func TestReal_EveryStops(t *testing.T) {
	var n atomic.Int32
	tm := Real().Every(5*time.Millisecond, func() { n.Add(1) })
	time.Sleep(30 * time.Millisecond)
	tm.Stop()
	after := n.Load()
	if after == 0 {
		t.Fatal("ticker never fired")
	}
	time.Sleep(20 * time.Millisecond)
	if n.Load() > after+1 {
		t.Errorf("ticker kept firing after Stop: %d -> %d", after, n.Load())
	}
}
