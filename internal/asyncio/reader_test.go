//go:build linux

package asyncio

import (
	"os"
	"testing"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

type fakeIoDispatcher struct {
	cbs map[int]map[eventloop.IoEventType]eventloop.IoCallback
}

func newFakeIoDispatcher() *fakeIoDispatcher {
	return &fakeIoDispatcher{cbs: make(map[int]map[eventloop.IoEventType]eventloop.IoCallback)}
}

func (f *fakeIoDispatcher) AddCallback(fd int, kind eventloop.IoEventType, priority int, cb eventloop.IoCallback) error {
	m, ok := f.cbs[fd]
	if !ok {
		m = make(map[eventloop.IoEventType]eventloop.IoCallback)
		f.cbs[fd] = m
	}
	m[kind] = cb
	return nil
}

func (f *fakeIoDispatcher) RemoveCallback(fd int, kind eventloop.IoEventType) {
	if m, ok := f.cbs[fd]; ok {
		delete(m, kind)
	}
}

func (f *fakeIoDispatcher) fire(fd int, kind eventloop.IoEventType) {
	if m, ok := f.cbs[fd]; ok {
		if cb, ok := m[kind]; ok {
			cb(fd, kind)
		}
	}
}

func TestAsyncReaderPartialThenCompleteTransfer(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	io := newFakeIoDispatcher()
	ar := NewAsyncReader(io, int(r.Fd()), 0)

	var events []Event
	var lastOffset int
	buf := make([]byte, 5)
	ar.AddBuffer(buf, func(ev Event, buffer []byte, offset int, err error) {
		events = append(events, ev)
		lastOffset = offset
	})
	if !ar.Start() {
		t.Fatal("Start() should succeed with a queued buffer")
	}

	w.Write([]byte("ab"))
	io.fire(int(r.Fd()), eventloop.IoRead)
	if lastOffset != 2 {
		t.Errorf("offset after partial read = %d, want 2", lastOffset)
	}
	if ar.BuffersRemaining() != 1 {
		t.Error("buffer should still be queued after a partial transfer")
	}

	w.Write([]byte("cde"))
	io.fire(int(r.Fd()), eventloop.IoRead)
	if lastOffset != 5 {
		t.Errorf("offset after full read = %d, want 5", lastOffset)
	}
	if ar.BuffersRemaining() != 0 {
		t.Error("buffer should be retired once fully read")
	}
	if ar.Running() {
		t.Error("reader should stop once its last buffer completes")
	}
	if string(buf) != "abcde" {
		t.Errorf("buffer contents = %q, want %q", buf, "abcde")
	}
	for _, ev := range events {
		if ev != DATA {
			t.Errorf("unexpected event %v, want DATA for every dispatch", ev)
		}
	}
}

func TestAsyncReaderEndOfFile(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	io := newFakeIoDispatcher()
	ar := NewAsyncReader(io, int(r.Fd()), 0)

	var gotEvent Event
	ar.AddBuffer(make([]byte, 4), func(ev Event, buffer []byte, offset int, err error) {
		gotEvent = ev
	})
	ar.Start()

	w.Close() // closing the write end makes the read side see EOF
	io.fire(int(r.Fd()), eventloop.IoRead)

	if gotEvent != EndOfFile {
		t.Errorf("event = %v, want EndOfFile", gotEvent)
	}
	if ar.Running() {
		t.Error("reader should stop on EOF")
	}
}

func TestAsyncReaderFlushBuffers(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	io := newFakeIoDispatcher()
	ar := NewAsyncReader(io, int(r.Fd()), 0)

	var events []Event
	ar.AddBuffer(make([]byte, 4), func(ev Event, buffer []byte, offset int, err error) {
		events = append(events, ev)
	})
	ar.Start()
	ar.FlushBuffers()

	if len(events) != 1 || events[0] != FLUSHING {
		t.Errorf("events = %v, want [FLUSHING]", events)
	}
	if ar.BuffersRemaining() != 0 {
		t.Error("FlushBuffers should discard all queued buffers")
	}
	if ar.Running() {
		t.Error("FlushBuffers should stop the reader")
	}
}
