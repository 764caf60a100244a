package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(3 * time.Second)
	if !timer.Reset(5 * time.Second) {
		t.Error("Reset of a pending timer should report true")
	}
	c.Advance(3 * time.Second)
	if fired != 0 {
		t.Fatalf("reset timer fired at old deadline")
	}
	c.Advance(2 * time.Second)
	if fired != 1 {
		t.Fatalf("expected reset timer to fire, got %d", fired)
	}

	timer = c.AfterFunc(time.Second, func() { fired++ })
	if !timer.Stop() {
		t.Error("Stop of a pending timer should report true")
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(10 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected a tick")
	}
}
