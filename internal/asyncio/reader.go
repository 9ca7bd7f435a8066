//go:build linux

package asyncio

import (
	"container/list"
	"fmt"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
	"golang.org/x/sys/unix"
)

type readBufferInfo struct {
	buffer []byte
	offset int
	cb     Callback
}

// AsyncReader reads into a FIFO queue of caller-supplied buffers,
// dispatching cb once per read. Reading starts on Start and continues,
// buffer by buffer, until Stop is called or the queue empties.
// Grounded on XORP's AsyncFileReader (libxorp/asyncio.hh).
type AsyncReader struct {
	io      ioDispatcher
	fd      int
	priority int
	buffers *list.List // of *readBufferInfo
	running bool
	// alive is shared with callback closures so that a callback which
	// causes the AsyncReader to be stopped or destroyed mid-dispatch
	// does not leave the dispatch loop touching freed state.
	alive *bool
}

// NewAsyncReader creates a reader for fd, which must already be set
// O_NONBLOCK by the caller (as XORP's constructor asserts).
func NewAsyncReader(io ioDispatcher, fd int, priority int) *AsyncReader {
	alive := true
	return &AsyncReader{io: io, fd: fd, priority: priority, buffers: list.New(), alive: &alive}
}

// AddBuffer queues buffer for reading into, starting at offset 0.
func (r *AsyncReader) AddBuffer(buffer []byte, cb Callback) {
	r.buffers.PushBack(&readBufferInfo{buffer: buffer, cb: cb})
}

// AddBufferWithOffset queues buffer for reading into, resuming at a
// prior offset (e.g. a partially-filled buffer from elsewhere).
func (r *AsyncReader) AddBufferWithOffset(buffer []byte, offset int, cb Callback) {
	r.buffers.PushBack(&readBufferInfo{buffer: buffer, offset: offset, cb: cb})
}

// BuffersRemaining returns the number of buffers still queued.
func (r *AsyncReader) BuffersRemaining() int { return r.buffers.Len() }

// Running reports whether the reader is actively registered for I/O.
func (r *AsyncReader) Running() bool { return r.running }

// Fd returns the underlying file descriptor.
func (r *AsyncReader) Fd() int { return r.fd }

// Start begins asynchronous reading. It returns false if there are no
// buffers queued.
func (r *AsyncReader) Start() bool {
	if r.running {
		return true
	}
	if r.buffers.Len() == 0 {
		return false
	}
	if err := r.io.AddCallback(r.fd, eventloop.IoRead, r.priority, r.onReadable); err != nil {
		return false
	}
	r.running = true
	return true
}

// Resume is an alias for Start, matching XORP's naming.
func (r *AsyncReader) Resume() bool { return r.Start() }

// Close marks the reader as destroyed. A callback dispatched by this
// reader may call Close on its own owner mid-dispatch (the classic
// self-deletion case); subsequent code in the dispatch loop checks the
// shared alive flag before touching reader state again.
func (r *AsyncReader) Close() {
	*r.alive = false
	r.Stop()
}

// Stop halts asynchronous reading without discarding queued buffers.
func (r *AsyncReader) Stop() {
	if !r.running {
		return
	}
	r.io.RemoveCallback(r.fd, eventloop.IoRead)
	r.running = false
}

// FlushBuffers stops reading and discards every queued buffer, calling
// each one's callback with FLUSHING.
func (r *AsyncReader) FlushBuffers() {
	r.Stop()
	for e := r.buffers.Front(); e != nil; e = e.Next() {
		bi := e.Value.(*readBufferInfo)
		bi.cb(FLUSHING, bi.buffer, bi.offset, nil)
		if !*r.alive {
			return
		}
	}
	r.buffers.Init()
}

func (r *AsyncReader) onReadable(fd int, kind eventloop.IoEventType) {
	front := r.buffers.Front()
	if front == nil {
		r.Stop()
		return
	}
	bi := front.Value.(*readBufferInfo)

	n, err := unix.Read(fd, bi.buffer[bi.offset:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		r.dispatchAndMaybeAdvance(bi, front, ErrorCheckErrno, fmt.Errorf("asyncio: read fd %d: %w", fd, err))
		return
	}
	if n == 0 {
		r.dispatchAndMaybeAdvance(bi, front, EndOfFile, nil)
		return
	}

	bi.offset += n
	bi.cb(DATA, bi.buffer, bi.offset, nil)
	if !*r.alive {
		return
	}
	if bi.offset >= len(bi.buffer) {
		r.buffers.Remove(front)
		if r.buffers.Len() == 0 {
			r.Stop()
		}
	}
}

// dispatchAndMaybeAdvance is used for the two cases (error, EOF) that
// always retire the buffer and stop the reader, since neither can be
// retried.
func (r *AsyncReader) dispatchAndMaybeAdvance(bi *readBufferInfo, elem *list.Element, ev Event, err error) {
	r.Stop()
	r.buffers.Remove(elem)
	bi.cb(ev, bi.buffer, bi.offset, err)
}
