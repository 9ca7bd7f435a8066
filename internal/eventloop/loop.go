//go:build linux

package eventloop

import (
	"time"

	"github.com/golang/glog"
)

// stallThreshold is the gap between consecutive Run iterations above
// which the loop logs a warning, per spec.md §4.5: a cooperative loop
// that goes quiet this long likely has a callback that blocked.
const stallThreshold = 2 * time.Second

// EventLoop composes a Clock, a TimerList, an IoEventDispatcher and a
// TaskList into XORP's single dispatch-priority algorithm: each
// iteration runs exactly one unit of work, chosen from whichever of
// {expired timers, ready I/O, runnable tasks} has the numerically
// lowest priority, ties broken in that order. Grounded on
// libxorp/eventloop.cc (spec.md §4.5).
type EventLoop struct {
	clock   Clock
	timers  *TimerList
	io      *IoEventDispatcher
	tasks   *TaskList
	lastRun TimeVal
	started bool
}

// New constructs an EventLoop backed by the system clock and a fresh
// epoll instance.
func New() (*EventLoop, error) {
	io, err := NewIoEventDispatcher()
	if err != nil {
		return nil, err
	}
	clock := NewSystemClock()
	return &EventLoop{
		clock:  clock,
		timers: NewTimerList(clock),
		io:     io,
		tasks:  NewTaskList(),
	}, nil
}

// Clock returns the loop's time source, for components that need to
// read or schedule against the same clock.
func (e *EventLoop) Clock() Clock { return e.clock }

// Timers returns the loop's timer list.
func (e *EventLoop) Timers() *TimerList { return e.timers }

// IoDispatcher returns the loop's I/O readiness multiplexer.
func (e *EventLoop) IoDispatcher() *IoEventDispatcher { return e.io }

// Tasks returns the loop's task scheduler.
func (e *EventLoop) Tasks() *TaskList { return e.tasks }

// Close releases the loop's epoll file descriptor.
func (e *EventLoop) Close() error { return e.io.Close() }

// Run executes exactly one iteration: advance the clock, determine
// which of timers/I-O/tasks is most urgent, and dispatch one unit of
// work from it. If nothing is ready, it blocks in the I/O dispatcher
// until the next timer deadline or I/O readiness, whichever comes
// first.
func (e *EventLoop) Run() {
	now := e.clock.Advance()
	if e.started {
		if gap := now.Sub(e.lastRun); gap > FromDuration(stallThreshold) {
			glog.Warningf("eventloop: %s between iterations, a callback may have blocked", gap.Duration())
		}
	}
	e.started = true
	e.lastRun = now

	nextDelay := e.timers.GetNextDelay()
	pt := PriorityInfinity
	if nextDelay == Zero {
		pt = e.timers.GetExpiredPriority()
	}

	pi := PriorityInfinity
	if e.io.Ready() {
		pi = e.io.GetReadyPriority()
	}

	ps := e.tasks.GetRunnablePriority()

	switch {
	case pt != PriorityInfinity && pt <= pi && pt <= ps:
		e.timers.RunOne()
	case pi != PriorityInfinity && pi <= ps:
		e.io.WaitAndDispatch(Zero)
	case ps != PriorityInfinity:
		e.tasks.Run()
	default:
		e.io.WaitAndDispatch(nextDelay)
	}
}

// RunLoop calls Run repeatedly until stop is closed.
func (e *EventLoop) RunLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			e.Run()
		}
	}
}

// Idle reports whether the loop currently has no pending timers,
// registered I/O, or scheduled tasks.
func (e *EventLoop) Idle() bool {
	return e.timers.Empty() && e.io.DescriptorCount() == 0 && e.tasks.Empty()
}
