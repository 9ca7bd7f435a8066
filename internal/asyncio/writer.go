//go:build linux

package asyncio

import (
	"container/list"
	"fmt"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
	"golang.org/x/sys/unix"
)

type writeBufferInfo struct {
	buffer []byte
	offset int
	cb     Callback
}

// AsyncWriter writes a FIFO queue of caller-supplied buffers,
// dispatching cb once per write. Grounded on XORP's AsyncFileWriter
// (libxorp/asyncio.hh), including its "immediate write" behavior:
// adding a buffer while already running attempts a synchronous write
// right away instead of waiting for the next I/O readiness
// notification, since a non-blocking fd is very likely writable.
type AsyncWriter struct {
	io           ioDispatcher
	fd           int
	priority     int
	buffers      *list.List // of *writeBufferInfo
	running      bool
	immediateCtr int
	alive        *bool
}

// NewAsyncWriter creates a writer for fd, which must already be set
// O_NONBLOCK by the caller.
func NewAsyncWriter(io ioDispatcher, fd int, priority int) *AsyncWriter {
	alive := true
	return &AsyncWriter{io: io, fd: fd, priority: priority, buffers: list.New(), alive: &alive}
}

// AddBuffer queues buffer for writing, starting at offset 0. If the
// writer is already running, this attempts an immediate synchronous
// write attempt before falling back to waiting for readiness.
func (w *AsyncWriter) AddBuffer(buffer []byte, cb Callback) {
	w.buffers.PushBack(&writeBufferInfo{buffer: buffer, cb: cb})
	if w.running {
		w.immediateWrite()
	}
}

// AddBufferWithOffset queues buffer for writing, resuming at a prior
// offset.
func (w *AsyncWriter) AddBufferWithOffset(buffer []byte, offset int, cb Callback) {
	w.buffers.PushBack(&writeBufferInfo{buffer: buffer, offset: offset, cb: cb})
	if w.running {
		w.immediateWrite()
	}
}

// BuffersRemaining returns the number of buffers still queued.
func (w *AsyncWriter) BuffersRemaining() int { return w.buffers.Len() }

// Running reports whether the writer is actively registered for I/O.
func (w *AsyncWriter) Running() bool { return w.running }

// Fd returns the underlying file descriptor.
func (w *AsyncWriter) Fd() int { return w.fd }

// Start begins asynchronous writing. It returns false if there are no
// buffers queued.
func (w *AsyncWriter) Start() bool {
	if w.running {
		return true
	}
	if w.buffers.Len() == 0 {
		return false
	}
	if err := w.io.AddCallback(w.fd, eventloop.IoWrite, w.priority, w.onWritable); err != nil {
		return false
	}
	w.running = true
	return true
}

// Resume is an alias for Start, matching XORP's naming.
func (w *AsyncWriter) Resume() bool { return w.Start() }

// Stop halts asynchronous writing without discarding queued buffers.
func (w *AsyncWriter) Stop() {
	if !w.running {
		return
	}
	w.io.RemoveCallback(w.fd, eventloop.IoWrite)
	w.running = false
}

// Close marks the writer as destroyed; see AsyncReader.Close for the
// self-deletion rationale.
func (w *AsyncWriter) Close() {
	*w.alive = false
	w.Stop()
}

// FlushBuffers stops writing and discards every queued buffer, calling
// each one's callback with FLUSHING.
func (w *AsyncWriter) FlushBuffers() {
	w.Stop()
	for e := w.buffers.Front(); e != nil; e = e.Next() {
		bi := e.Value.(*writeBufferInfo)
		bi.cb(FLUSHING, bi.buffer, bi.offset, nil)
		if !*w.alive {
			return
		}
	}
	w.buffers.Init()
}

// immediateWrite is XORP's rate-limited eager write path: it tries a
// handful of synchronous writes (up to immediateWriteLimit) before
// reverting to purely event-driven dispatch, avoiding a full
// eventloop round-trip for a descriptor that almost certainly has
// write-buffer space free.
const immediateWriteLimit = 16

func (w *AsyncWriter) immediateWrite() {
	if w.immediateCtr >= immediateWriteLimit {
		return
	}
	w.immediateCtr++
	w.writeOnce()
}

func (w *AsyncWriter) onWritable(fd int, kind eventloop.IoEventType) {
	w.immediateCtr = 0
	w.writeOnce()
}

func (w *AsyncWriter) writeOnce() {
	front := w.buffers.Front()
	if front == nil {
		w.Stop()
		return
	}
	bi := front.Value.(*writeBufferInfo)

	n, err := unix.Write(w.fd, bi.buffer[bi.offset:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		w.Stop()
		w.buffers.Remove(front)
		bi.cb(ErrorCheckErrno, bi.buffer, bi.offset, fmt.Errorf("asyncio: write fd %d: %w", w.fd, err))
		return
	}

	bi.offset += n
	bi.cb(DATA, bi.buffer, bi.offset, nil)
	if !*w.alive {
		return
	}
	if bi.offset >= len(bi.buffer) {
		w.buffers.Remove(front)
		if w.buffers.Len() == 0 {
			w.Stop()
		}
	}
}
