package eventloop

import "testing"

// fakeClock is a manually-advanced Clock, used so timer tests don't
// depend on wall-clock scheduling.
type fakeClock struct{ now TimeVal }

func (c *fakeClock) Now() TimeVal     { return c.now }
func (c *fakeClock) Advance() TimeVal { return c.now }
func (c *fakeClock) set(t TimeVal)    { c.now = t }

func TestTimerListOrdersByDeadline(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	var order []int
	tl.NewOneoffAt(TimeVal(30), 0, func() bool { order = append(order, 3); return false })
	tl.NewOneoffAt(TimeVal(10), 0, func() bool { order = append(order, 1); return false })
	tl.NewOneoffAt(TimeVal(20), 0, func() bool { order = append(order, 2); return false })

	clk.set(TimeVal(100))
	for !tl.Empty() {
		tl.RunOne()
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("dispatch order = %v, want [1 2 3]", order)
	}
}

func TestTimerListPriorityTieBreak(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	var order []string
	tl.NewOneoffAt(TimeVal(10), 5, func() bool { order = append(order, "low-prio-value-5"); return false })
	tl.NewOneoffAt(TimeVal(10), 1, func() bool { order = append(order, "low-prio-value-1"); return false })

	clk.set(TimeVal(10))
	tl.RunOne()
	tl.RunOne()
	if order[0] != "low-prio-value-1" {
		t.Errorf("expected the lower priority-value timer to run first, got order %v", order)
	}
}

func TestTimerListInsertionOrderTieBreak(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	var order []int
	tl.NewOneoffAt(TimeVal(10), 0, func() bool { order = append(order, 1); return false })
	tl.NewOneoffAt(TimeVal(10), 0, func() bool { order = append(order, 2); return false })

	clk.set(TimeVal(10))
	tl.RunOne()
	tl.RunOne()
	if order[0] != 1 || order[1] != 2 {
		t.Errorf("equal deadline+priority should run in insertion order, got %v", order)
	}
}

func TestTimerListGetNextDelay(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	if d := tl.GetNextDelay(); d != Maximum {
		t.Errorf("empty TimerList GetNextDelay() = %v, want Maximum", d)
	}
	tl.NewOneoffAt(TimeVal(50), 0, func() bool { return false })
	clk.set(TimeVal(10))
	if d := tl.GetNextDelay(); d != 40 {
		t.Errorf("GetNextDelay() = %v, want 40", d)
	}
	clk.set(TimeVal(60))
	if d := tl.GetNextDelay(); d != Zero {
		t.Errorf("GetNextDelay() after expiry = %v, want Zero", d)
	}
}

func TestTimerPeriodicReschedules(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	fired := 0
	tl.NewPeriodic(TimeVal(10), 0, func() bool {
		fired++
		return fired < 3
	})

	clk.set(TimeVal(10))
	tl.RunOne()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if tl.Empty() {
		t.Error("periodic timer should still be scheduled for its next period")
	}
	clk.set(TimeVal(20))
	tl.RunOne()
	clk.set(TimeVal(30))
	tl.RunOne()
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
	if !tl.Empty() {
		t.Error("periodic timer should have cancelled itself after returning false")
	}
}

func TestTimerUnschedule(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	ran := false
	timer := tl.NewOneoffAt(TimeVal(10), 0, func() bool { ran = true; return false })
	timer.Unschedule()
	clk.set(TimeVal(20))
	tl.RunOne()
	if ran {
		t.Error("unscheduled timer should not have run")
	}
	if timer.Scheduled() {
		t.Error("Scheduled() should be false after Unschedule")
	}
}

func TestTimerListGetExpiredPriority(t *testing.T) {
	clk := &fakeClock{}
	tl := NewTimerList(clk)

	if p := tl.GetExpiredPriority(); p != PriorityInfinity {
		t.Errorf("empty list GetExpiredPriority() = %d, want PriorityInfinity", p)
	}
	tl.NewOneoffAt(TimeVal(5), 7, func() bool { return false })
	clk.set(TimeVal(5))
	if p := tl.GetExpiredPriority(); p != 7 {
		t.Errorf("GetExpiredPriority() = %d, want 7", p)
	}
}
