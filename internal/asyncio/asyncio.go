//go:build linux

// Package asyncio provides event-loop-driven, non-blocking reads and
// writes over a FIFO queue of caller-supplied buffers, mirroring
// XORP's libxorp/asyncio.hh AsyncFileReader/AsyncFileWriter.
package asyncio

import (
	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

// Event describes what happened on a buffer during a dispatch. The
// reader and writer pass exactly one of these values per dispatch.
type Event int

const (
	// DATA means bytes were transferred.
	DATA Event = 1 << iota
	// FLUSHING means the buffer is being discarded without completing.
	FLUSHING
	// ErrorCheckErrno means the transfer failed; inspect the error
	// passed alongside the event.
	ErrorCheckErrno
	// EndOfFile means a read returned zero bytes (read side only).
	EndOfFile
)

// Callback is invoked once per I/O dispatch against a specific buffer.
// offset is the cumulative number of bytes transferred for that
// buffer so far.
type Callback func(event Event, buffer []byte, offset int, err error)

// ioDispatcher is the subset of eventloop.IoEventDispatcher that
// asyncio depends on, named here so tests can substitute a fake.
type ioDispatcher interface {
	AddCallback(fd int, kind eventloop.IoEventType, priority int, cb eventloop.IoCallback) error
	RemoveCallback(fd int, kind eventloop.IoEventType)
}
