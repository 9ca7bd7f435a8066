package vrrp

import (
	"testing"
	"time"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

type fakeClock struct{ now eventloop.TimeVal }

func (c *fakeClock) Now() eventloop.TimeVal     { return c.now }
func (c *fakeClock) Advance() eventloop.TimeVal { return c.now }

func newTestTimers() (*eventloop.TimerList, *fakeClock) {
	clk := &fakeClock{}
	return eventloop.NewTimerList(clk), clk
}

func TestTargetAddVRIDRejectsBadVRID(t *testing.T) {
	timers, _ := newTestTimers()
	tgt := &Target{ifaces: make(map[string]map[string]*Vif), config: NewConfigTree()}
	tgt.debounce = newDebouncer(timers, eventloop.FromDuration(time.Second), func() {})

	if _, err := tgt.AddVRID("eth0", "eth0", 0, 100, time.Second, true); err != ErrBadVRID {
		t.Errorf("AddVRID(vrid=0) error = %v, want ErrBadVRID", err)
	}
}

func TestTargetAddVRIDRejectsBadPriority(t *testing.T) {
	timers, _ := newTestTimers()
	tgt := &Target{ifaces: make(map[string]map[string]*Vif), config: NewConfigTree()}
	tgt.debounce = newDebouncer(timers, eventloop.FromDuration(time.Second), func() {})

	for _, p := range []uint8{0, 255} {
		if _, err := tgt.AddVRID("eth0", "eth0", 1, p, time.Second, true); err != ErrBadPriority {
			t.Errorf("AddVRID(priority=%d) error = %v, want ErrBadPriority", p, err)
		}
	}
}

func TestTargetSetIntervalRejectsOutOfRange(t *testing.T) {
	timers, _ := newTestTimers()
	tgt := &Target{ifaces: make(map[string]map[string]*Vif), config: NewConfigTree()}
	tgt.debounce = newDebouncer(timers, eventloop.FromDuration(time.Second), func() {})

	if err := tgt.SetInterval("eth0", "eth0", 1, 0); err == nil {
		t.Error("SetInterval(0s) should be rejected")
	}
	if err := tgt.SetInterval("eth0", "eth0", 1, 256*time.Second); err == nil {
		t.Error("SetInterval(256s) should be rejected")
	}
}

func TestTargetUnknownVifLookup(t *testing.T) {
	timers, _ := newTestTimers()
	tgt := &Target{ifaces: make(map[string]map[string]*Vif), config: NewConfigTree()}
	tgt.debounce = newDebouncer(timers, eventloop.FromDuration(time.Second), func() {})

	if _, err := tgt.GetVRIDInfo("eth0", "eth0", 1); err == nil {
		t.Error("GetVRIDInfo on unregistered vif should error")
	}
	if got := tgt.GetVifs("eth0"); got != nil {
		t.Errorf("GetVifs on unregistered interface = %v, want nil", got)
	}
}

func TestConfigTreeSetRemoveSnapshot(t *testing.T) {
	c := NewConfigTree()
	c.Set("eth0", "eth0", true)
	c.Set("eth1", "eth1", false)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}

	c.Remove("eth1", "eth1")
	snap = c.Snapshot()
	if len(snap) != 1 || snap[0].Ifname != "eth0" {
		t.Errorf("after Remove, Snapshot() = %+v, want only eth0", snap)
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	timers, clk := newTestTimers()
	calls := 0
	d := newDebouncer(timers, eventloop.TimeVal(1000), func() { calls++ })

	clk.now = 0
	d.Trigger()
	clk.now = 500
	d.Trigger() // within the window: pushes the deadline out, does not add a call
	clk.now = 1400
	d.Trigger() // still within 1000 of the previous trigger at 500

	clk.now = 2500
	for !timers.Empty() {
		timers.RunOne()
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (bursts should coalesce)", calls)
	}

	d.Trigger()
	clk.now = 3600
	for !timers.Empty() {
		timers.RunOne()
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 after a second, separate trigger", calls)
	}
}
