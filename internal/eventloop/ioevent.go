//go:build linux

package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IoEventType identifies the kind of readiness a callback is
// registered for. ACCEPT and CONNECT are aliases for READ and WRITE
// respectively: an incoming connection makes a listening socket
// readable, and connect() completion makes a socket writable.
type IoEventType int

const (
	IoRead IoEventType = iota
	IoWrite
	IoException
	IoAccept
	IoConnect
	IoDisconnect
	// ioAny is only valid as an argument to RemoveCallback, meaning
	// "every kind registered for this fd".
	ioAny
)

func (k IoEventType) epollBit() uint32 {
	switch k {
	case IoRead, IoAccept:
		return unix.EPOLLIN
	case IoWrite, IoConnect:
		return unix.EPOLLOUT
	case IoException:
		return unix.EPOLLPRI
	case IoDisconnect:
		return unix.EPOLLRDHUP
	default:
		return 0
	}
}

// IoCallback is invoked when fd becomes ready for kind.
type IoCallback func(fd int, kind IoEventType)

type ioRegistration struct {
	priority int
	cb       IoCallback
}

type fdState struct {
	mask uint32
	regs map[IoEventType]ioRegistration
}

type readyEvent struct {
	fd       int
	kind     IoEventType
	priority int
}

// IoEventDispatcher multiplexes readiness across file descriptors using
// epoll(2). Grounded on XORP's libxorp/selector.cc: a per-fd table of
// read/write/exception callbacks with a running descriptor count,
// translated from select(2)'s fd_set model to epoll's registered-
// interest model. At most one callback is registered per (fd, kind)
// pair. Only one ready event is guaranteed to be dispatched per call to
// WaitAndDispatch; remaining ready events queue for the next call.
type IoEventDispatcher struct {
	epfd            int
	fds             map[int]*fdState
	descriptorCount int
	pending         []readyEvent
}

// NewIoEventDispatcher creates an epoll instance to back the
// dispatcher.
func NewIoEventDispatcher() (*IoEventDispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &IoEventDispatcher{epfd: epfd, fds: make(map[int]*fdState)}, nil
}

// Close releases the underlying epoll file descriptor.
func (d *IoEventDispatcher) Close() error {
	return unix.Close(d.epfd)
}

// DescriptorCount returns the number of distinct file descriptors
// currently registered for at least one event kind.
func (d *IoEventDispatcher) DescriptorCount() int {
	return d.descriptorCount
}

// AddCallback registers cb to run at the given priority when fd
// becomes ready for kind. It is an error to register a second callback
// for the same (fd, kind) pair without first removing the first.
func (d *IoEventDispatcher) AddCallback(fd int, kind IoEventType, priority int, cb IoCallback) error {
	if fd < 0 {
		return fmt.Errorf("eventloop: invalid fd %d", fd)
	}
	st, ok := d.fds[fd]
	if !ok {
		st = &fdState{regs: make(map[IoEventType]ioRegistration)}
		d.fds[fd] = st
		d.descriptorCount++
	}
	if _, exists := st.regs[kind]; exists {
		return fmt.Errorf("eventloop: fd %d already has a callback for %v", fd, kind)
	}
	newMask := st.mask | kind.epollBit()
	op := unix.EPOLL_CTL_MOD
	if st.mask == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: newMask, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, op, fd, &ev); err != nil {
		if st.mask == 0 {
			delete(d.fds, fd)
			d.descriptorCount--
		}
		return fmt.Errorf("eventloop: epoll_ctl: %w", err)
	}
	st.mask = newMask
	st.regs[kind] = ioRegistration{priority: priority, cb: cb}
	return nil
}

// RemoveCallback removes the callback registered for (fd, kind). A
// kind of ioAny removes every kind registered for fd, as RemoveAll
// does.
func (d *IoEventDispatcher) RemoveCallback(fd int, kind IoEventType) {
	if kind == ioAny {
		d.RemoveAll(fd)
		return
	}
	st, ok := d.fds[fd]
	if !ok {
		return
	}
	if _, exists := st.regs[kind]; !exists {
		return
	}
	delete(st.regs, kind)
	st.mask &^= kind.epollBit()
	d.syncMask(fd, st)
}

// RemoveAll removes every callback registered for fd, mirroring
// selector.cc's SEL_ALL mask.
func (d *IoEventDispatcher) RemoveAll(fd int) {
	st, ok := d.fds[fd]
	if !ok {
		return
	}
	st.regs = make(map[IoEventType]ioRegistration)
	st.mask = 0
	d.syncMask(fd, st)
}

func (d *IoEventDispatcher) syncMask(fd int, st *fdState) {
	if st.mask == 0 {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(d.fds, fd)
		d.descriptorCount--
		return
	}
	ev := unix.EpollEvent{Events: st.mask, Fd: int32(fd)}
	unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

const maxEpollEvents = 64

// poll performs a single epoll_wait call with the given millisecond
// timeout (0 = non-blocking, -1 = block indefinitely) and appends any
// newly-ready (fd, kind) pairs to d.pending.
func (d *IoEventDispatcher) poll(timeoutMs int) {
	var events [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(d.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		return
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		st, ok := d.fds[fd]
		if !ok {
			continue
		}
		for kind, reg := range st.regs {
			if events[i].Events&kind.epollBit() != 0 {
				d.pending = append(d.pending, readyEvent{fd: fd, kind: kind, priority: reg.priority})
			}
		}
	}
}

// Ready reports whether at least one registered callback is currently
// runnable, performing a non-blocking poll to refresh that knowledge
// if the pending queue is empty.
func (d *IoEventDispatcher) Ready() bool {
	if len(d.pending) == 0 {
		d.poll(0)
	}
	return len(d.pending) > 0
}

// GetReadyPriority returns the lowest priority among currently pending
// ready events, or PriorityInfinity if none are pending. Call Ready
// first to populate the pending queue.
func (d *IoEventDispatcher) GetReadyPriority() int {
	best := PriorityInfinity
	for _, e := range d.pending {
		if e.priority < best {
			best = e.priority
		}
	}
	return best
}

// WaitAndDispatch dispatches the single highest-priority ready
// callback, blocking up to timeout for one to become ready if none is
// already pending. It returns whether a callback was dispatched.
func (d *IoEventDispatcher) WaitAndDispatch(timeout TimeVal) bool {
	if len(d.pending) == 0 {
		ms := -1
		if timeout != Maximum {
			ms = int(timeout.Duration().Milliseconds())
			if ms < 0 {
				ms = 0
			}
		}
		d.poll(ms)
	}
	if len(d.pending) == 0 {
		return false
	}
	best := 0
	for i := range d.pending {
		if d.pending[i].priority < d.pending[best].priority {
			best = i
		}
	}
	ev := d.pending[best]
	d.pending = append(d.pending[:best], d.pending[best+1:]...)
	st, ok := d.fds[ev.fd]
	if !ok {
		return false
	}
	reg, ok := st.regs[ev.kind]
	if !ok {
		return false
	}
	reg.cb(ev.fd, ev.kind)
	return true
}
