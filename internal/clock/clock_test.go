package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	t.Parallel()
	c := NewFake(epoch)
	var got []int
	c.AfterFunc(2*time.Minute, func() { got = append(got, 2) })
	c.AfterFunc(time.Minute, func() { got = append(got, 1) })
	stopped := c.AfterFunc(90*time.Second, func() { got = append(got, 99) })
	if !stopped.Stop() {
		t.Fatal("Stop() = false, want true for pending timer")
	}

	c.Advance(30 * time.Second)
	if len(got) != 0 {
		t.Fatalf("fired too early: %v", got)
	}
	c.Advance(2 * time.Minute)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeTimerSeesDeadlineAsNow(t *testing.T) {
	t.Parallel()
	c := NewFake(epoch)
	var at time.Time
	c.AfterFunc(5*time.Minute, func() { at = c.Now() })
	c.Advance(time.Hour)
	if !at.Equal(epoch.Add(5 * time.Minute)) {
		t.Fatalf("callback saw %v, want %v", at, epoch.Add(5*time.Minute))
	}
	if !c.Now().Equal(epoch.Add(time.Hour)) {
		t.Fatalf("Now() = %v", c.Now())
	}
}

func TestFakeTickerDropsWhenNotDrained(t *testing.T) {
	t.Parallel()
	c := NewFake(epoch)
	tk := c.NewTicker(time.Minute)
	c.Advance(3 * time.Minute)

	select {
	case ts := <-tk.C():
		if !ts.Equal(epoch.Add(time.Minute)) {
			t.Fatalf("tick = %v, want first tick", ts)
		}
	default:
		t.Fatal("expected a pending tick")
	}
	select {
	case <-tk.C():
		t.Fatal("expected ticks beyond buffer to be dropped")
	default:
	}

	tk.Stop()
	c.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}
