package vrrp

import (
	"sync"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

// debouncePriority is the eventloop priority the config-mirror
// debounce timer runs at; same rationale as dispatchPriority in
// instance.go.
const debouncePriority = 0

// VifConfig is one (interface, logical-vif) entry in the configuration
// mirror: spec.md §6's "tree of (interface -> vif -> address) objects,
// each with an enabled flag". The address list itself is not carried
// here — Vif.Configure reads live kernel state via OSVif.ListIPs,
// since this daemon has no separate config-authoritative address
// store (unlike the XORP original's IfMgrIfTree, which predates this
// host's own interface configuration).
type VifConfig struct {
	Ifname  string
	Vifname string
	Enabled bool
}

// ConfigTree is the plain in-memory stand-in for the external routing-
// manager config-mirror named in spec.md §6, re-expressed as a Go
// struct per SPEC_FULL.md's "config.go" note: the real IfMgr/XRL
// machinery is out of scope (spec.md §1), but the shape of the tree it
// mirrors — and the tree_complete/updates_made observer contract — is
// preserved so Target's debounce and fan-out logic has something
// concrete to react to.
type ConfigTree struct {
	mu   sync.Mutex
	vifs map[string]VifConfig // keyed by ifname+"/"+vifname
}

// NewConfigTree creates an empty configuration mirror.
func NewConfigTree() *ConfigTree {
	return &ConfigTree{vifs: make(map[string]VifConfig)}
}

func vifKey(ifname, vifname string) string { return ifname + "/" + vifname }

// Set records (or updates) one vif's enabled flag.
func (c *ConfigTree) Set(ifname, vifname string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vifs[vifKey(ifname, vifname)] = VifConfig{Ifname: ifname, Vifname: vifname, Enabled: enabled}
}

// Remove deletes a vif's entry from the mirror.
func (c *ConfigTree) Remove(ifname, vifname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vifs, vifKey(ifname, vifname))
}

// Snapshot returns every entry currently in the mirror.
func (c *ConfigTree) Snapshot() []VifConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]VifConfig, 0, len(c.vifs))
	for _, v := range c.vifs {
		out = append(out, v)
	}
	return out
}

// Enabled reports whether ifname/vifname is administratively enabled.
// A vif the mirror has never heard of is treated as enabled: callers
// that never populate the tree (e.g. cmd/vrrpd's single-vif `run`
// command) still get the live-kernel-state-only behaviour Configure
// otherwise provides.
func (c *ConfigTree) Enabled(ifname, vifname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.vifs[vifKey(ifname, vifname)]
	if !ok {
		return true
	}
	return cfg.Enabled
}

// debouncer coalesces bursts of Trigger calls arriving within delay of
// each other into a single deferred call to cb, per spec.md §9's "MAC
// manipulation thrash" design note: installing a virtual MAC can bounce
// link state, which redelivers a configuration update that would
// otherwise re-enter the state machine immediately. Grounded on
// instance.go's own use of internal/eventloop.TimerList for scheduling.
type debouncer struct {
	timers *eventloop.TimerList
	delay  eventloop.TimeVal
	cb     func()

	mu    sync.Mutex
	timer eventloop.Timer
}

// newDebouncer creates a debouncer that calls cb at most once every
// delay, on the TimerList belonging to the same event loop that drives
// the rest of the daemon.
func newDebouncer(timers *eventloop.TimerList, delay eventloop.TimeVal, cb func()) *debouncer {
	return &debouncer{timers: timers, delay: delay, cb: cb}
}

// Trigger schedules (or reschedules) cb to run after delay. Calling it
// again before the previous deadline cancels and restarts the wait, so
// a burst of triggers produces exactly one call.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timer.Unschedule()
	d.timer = d.timers.NewOneoffAfter(d.delay, debouncePriority, func() bool {
		d.cb()
		return false
	})
}
