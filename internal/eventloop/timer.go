package eventloop

import (
	"container/heap"
	"math"
)

// PriorityInfinity is returned by the various get-runnable/get-expired
// queries when nothing is ready; it compares higher than any real
// priority used by callers.
const PriorityInfinity = math.MaxInt32

// TimerCallback runs when a timer fires. Its return value matters only
// for periodic timers: returning false cancels further firings.
type TimerCallback func() bool

type timerNode struct {
	deadline  TimeVal
	period    TimeVal // Zero means one-shot
	priority  int
	seq       uint64
	cb        TimerCallback
	index     int
	cancelled bool
}

// Timer is a handle to a scheduled timer. The zero value is an
// already-expired, unscheduled timer.
type Timer struct{ node *timerNode }

// Unschedule cancels the timer. Safe to call on an already-fired or
// already-cancelled Timer.
func (t Timer) Unschedule() {
	if t.node != nil {
		t.node.cancelled = true
	}
}

// Scheduled reports whether the timer is still pending.
func (t Timer) Scheduled() bool {
	return t.node != nil && !t.node.cancelled
}

// timerHeap orders by (deadline, priority, seq): earlier deadlines
// first; among equal deadlines, lower priority value first; among
// equal deadline and priority, earlier insertion (FIFO) first.
type timerHeap []*timerNode

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	n := x.(*timerNode)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TimerList is a priority-ordered min-heap of pending timers,
// supporting one-shot and periodic scheduling. Grounded on XORP's
// libxorp/timer.cc deadline-heap design (spec.md §4.2).
type TimerList struct {
	heap  timerHeap
	seq   uint64
	clock Clock
}

// NewTimerList creates an empty TimerList driven by clock.
func NewTimerList(clock Clock) *TimerList {
	return &TimerList{clock: clock}
}

func (l *TimerList) insert(deadline, period TimeVal, priority int, cb TimerCallback) Timer {
	l.seq++
	n := &timerNode{deadline: deadline, period: period, priority: priority, seq: l.seq, cb: cb}
	heap.Push(&l.heap, n)
	return Timer{node: n}
}

// NewOneoffAt schedules cb to run once at the given absolute time.
func (l *TimerList) NewOneoffAt(when TimeVal, priority int, cb TimerCallback) Timer {
	return l.insert(when, Zero, priority, cb)
}

// NewOneoffAfter schedules cb to run once after delay elapses.
func (l *TimerList) NewOneoffAfter(delay TimeVal, priority int, cb TimerCallback) Timer {
	return l.insert(l.clock.Now().Add(delay), Zero, priority, cb)
}

// NewPeriodic schedules cb to run every period, starting after one
// period elapses.
func (l *TimerList) NewPeriodic(period TimeVal, priority int, cb TimerCallback) Timer {
	return l.insert(l.clock.Now().Add(period), period, priority, cb)
}

// SetFlagAfter schedules a one-shot timer that sets *flag to true when
// it fires, mirroring XORP's set_flag_after_ms convenience constructor.
func (l *TimerList) SetFlagAfter(delay TimeVal, priority int, flag *bool) Timer {
	return l.NewOneoffAfter(delay, priority, func() bool {
		*flag = true
		return false
	})
}

// top returns the highest-priority (earliest, then lowest-priority-value)
// non-cancelled node without removing it, discarding cancelled nodes
// that have bubbled to the top along the way.
func (l *TimerList) top() *timerNode {
	for l.heap.Len() > 0 {
		n := l.heap[0]
		if n.cancelled {
			heap.Pop(&l.heap)
			continue
		}
		return n
	}
	return nil
}

// GetNextDelay returns how long until the next pending timer expires,
// Zero if one has already expired, or Maximum if no timers are
// scheduled.
func (l *TimerList) GetNextDelay() TimeVal {
	n := l.top()
	if n == nil {
		return Maximum
	}
	now := l.clock.Now()
	if n.deadline <= now {
		return Zero
	}
	return n.deadline.Sub(now)
}

// GetExpiredPriority returns the priority of the most urgent expired
// timer, or PriorityInfinity if none has expired.
func (l *TimerList) GetExpiredPriority() int {
	n := l.top()
	if n == nil || n.deadline > l.clock.Now() {
		return PriorityInfinity
	}
	return n.priority
}

// RunOne dispatches at most the single most urgent expired timer and
// reports whether it dispatched one. This is what the EventLoop calls
// when it has chosen timers as the lowest-priority ready source for
// this iteration, preserving the "one unit of work per iteration"
// invariant.
func (l *TimerList) RunOne() bool {
	n := l.top()
	if n == nil || n.deadline > l.clock.Now() {
		return false
	}
	heap.Pop(&l.heap)
	n.cancelled = true
	keep := n.cb()
	if n.period != Zero && keep {
		l.seq++
		n.deadline = n.deadline.Add(n.period)
		n.cancelled = false
		n.seq = l.seq
		heap.Push(&l.heap, n)
	}
	return true
}

// Run dispatches every timer expired and at or below threshold
// priority, in heap order (deadline, then priority). Expired timers
// above threshold are set aside for the call and put back afterwards.
// Exposed for direct/standalone use per spec.md §4.2; the EventLoop
// itself uses RunOne to keep to one unit of work per iteration.
func (l *TimerList) Run(threshold int) int {
	dispatched := 0
	var held []*timerNode
	for {
		n := l.top()
		if n == nil || n.deadline > l.clock.Now() {
			break
		}
		if n.priority > threshold {
			held = append(held, heap.Pop(&l.heap).(*timerNode))
			continue
		}
		l.RunOne()
		dispatched++
	}
	for _, n := range held {
		heap.Push(&l.heap, n)
	}
	return dispatched
}

// Empty reports whether any non-cancelled timers remain scheduled.
func (l *TimerList) Empty() bool {
	return l.top() == nil
}
