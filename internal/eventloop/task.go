package eventloop

// TaskFunc is the callback run by a scheduled task. For one-shot tasks
// the return value is ignored; for repeated tasks, returning false
// cancels further runs.
type TaskFunc func() bool

// taskNode is one entry in a priority's round-robin ring, mirroring
// XORP's RoundRobinQueue element: a circular doubly linked list node
// plus the weight/run-count bookkeeping from round_robin.cc.
type taskNode struct {
	cb       TaskFunc
	oneShot  bool
	priority int
	weight   int
	next     *taskNode
	prev     *taskNode
	queue    *roundRobinQueue
	list     *TaskList
}

// Task is a handle to a scheduled task.
type Task struct{ node *taskNode }

// Unschedule removes the task, if it is still scheduled.
func (t Task) Unschedule() {
	if t.node != nil {
		t.node.list.unschedule(t.node)
	}
}

// Scheduled reports whether the task is still in its priority's queue.
func (t Task) Scheduled() bool {
	return t.node != nil && t.node.queue != nil
}

// roundRobinQueue is a single priority's circular doubly linked list of
// tasks, dispatched in weighted round-robin order: each task runs
// weight times before the ring advances to the next task, exactly as
// XORP's libxorp/round_robin.cc RoundRobinQueue does.
type roundRobinQueue struct {
	nextToRun *taskNode
	runCount  int
	size      int
}

func (q *roundRobinQueue) push(n *taskNode) {
	n.queue = q
	if q.nextToRun == nil {
		q.nextToRun = n
		q.runCount = 0
		n.next, n.prev = n, n
	} else {
		head := q.nextToRun
		n.next = head
		n.prev = head.prev
		n.prev.next = n
		n.next.prev = n
	}
	q.size++
}

func (q *roundRobinQueue) remove(n *taskNode) {
	if n.next == n {
		q.nextToRun = nil
	} else {
		if q.nextToRun == n {
			q.nextToRun = n.next
			q.runCount = 0
		}
		n.prev.next = n.next
		n.next.prev = n.prev
	}
	n.next, n.prev, n.queue = nil, nil, nil
	q.size--
}

// nextEntry returns the task due to run next without removing it from
// the ring, advancing _next_to_run once the current task has run
// weight times.
func (q *roundRobinQueue) nextEntry() *taskNode {
	top := q.nextToRun
	if top == nil {
		return nil
	}
	q.runCount++
	if q.runCount >= top.weight {
		q.nextToRun = top.next
		q.runCount = 0
	}
	return top
}

// TaskList schedules callbacks across numbered priorities, dispatching
// from the lowest-numbered non-empty priority's round-robin ring on
// each call to Run. Grounded on XORP's libxorp/task.cc (oneoff vs.
// repeated task semantics) and round_robin.cc (per-priority ring).
type TaskList struct {
	queues map[int]*roundRobinQueue
}

// NewTaskList creates an empty TaskList.
func NewTaskList() *TaskList {
	return &TaskList{queues: make(map[int]*roundRobinQueue)}
}

func (l *TaskList) findQueue(priority int) *roundRobinQueue {
	q, ok := l.queues[priority]
	if !ok {
		q = &roundRobinQueue{}
		l.queues[priority] = q
	}
	return q
}

func (l *TaskList) schedule(n *taskNode) {
	n.list = l
	l.findQueue(n.priority).push(n)
}

func (l *TaskList) unschedule(n *taskNode) {
	if n.queue == nil {
		return
	}
	n.queue.remove(n)
}

// NewOneoffTask schedules cb to run exactly once, at the given priority
// and round-robin weight.
func (l *TaskList) NewOneoffTask(cb TaskFunc, priority, weight int) Task {
	if weight < 1 {
		weight = 1
	}
	n := &taskNode{cb: cb, oneShot: true, priority: priority, weight: weight}
	l.schedule(n)
	return Task{node: n}
}

// NewTask schedules cb to run repeatedly until it returns false or is
// explicitly unscheduled.
func (l *TaskList) NewTask(cb TaskFunc, priority, weight int) Task {
	if weight < 1 {
		weight = 1
	}
	n := &taskNode{cb: cb, oneShot: false, priority: priority, weight: weight}
	l.schedule(n)
	return Task{node: n}
}

// GetRunnablePriority returns the lowest priority with a non-empty
// queue, or PriorityInfinity if no tasks are scheduled.
func (l *TaskList) GetRunnablePriority() int {
	best := PriorityInfinity
	for p, q := range l.queues {
		if q.size > 0 && p < best {
			best = p
		}
	}
	return best
}

// Empty reports whether any tasks remain scheduled at any priority.
func (l *TaskList) Empty() bool {
	for _, q := range l.queues {
		if q.size > 0 {
			return false
		}
	}
	return true
}

// Run dispatches exactly one task: the next entry in the lowest
// non-empty priority's round-robin ring. One-shot tasks are
// unscheduled before their callback runs, matching XORP's
// OneoffTaskNode2::run ordering (so a callback that re-schedules
// itself does not get removed by its own completion). Repeated tasks
// are unscheduled only when their callback returns false.
func (l *TaskList) Run() {
	best := PriorityInfinity
	var bestQ *roundRobinQueue
	for p, q := range l.queues {
		if q.size > 0 && p < best {
			best = p
			bestQ = q
		}
	}
	if bestQ == nil {
		return
	}
	n := bestQ.nextEntry()
	if n == nil {
		return
	}
	if n.oneShot {
		l.unschedule(n)
		n.cb()
		return
	}
	if !n.cb() {
		l.unschedule(n)
	}
}
