package vrrp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

// configDebounceDelay is the hold time spec.md §9 prescribes for
// config-mirror updates, to avoid a MAC-install-triggered link bounce
// re-entering the state machine mid-transition.
const configDebounceDelay = 1 * time.Second

// Target is the top-level registry of interfaces and VRIDs: the
// boundary between the VRRP engine and the external FEA/config-mirror
// collaborators named out of scope in spec.md §1. Grounded on
// original_source/xorp/vrrp/vrrp_target.hh (role described in spec.md
// §4.11); the XRL/IfMgr machinery itself is replaced by a plain
// ConfigTree and direct Go method calls, since command-line parsing,
// the XRL transport and the routing-manager mirror are all explicitly
// out of scope.
type Target struct {
	mu     sync.Mutex
	ifaces map[string]map[string]*Vif // ifname -> vifname -> Vif
	loop   *eventloop.EventLoop
	config *ConfigTree
	debounce *debouncer

	running      bool
	shuttingDown bool
	pending      int // in-flight applyConfig fan-outs; gates Shutdown

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTarget creates an empty Target driven by loop's shared timer
// list and dispatcher.
func NewTarget(loop *eventloop.EventLoop) *Target {
	t := &Target{
		ifaces: make(map[string]map[string]*Vif),
		loop:   loop,
		config: NewConfigTree(),
	}
	t.debounce = newDebouncer(loop.Timers(), eventloop.FromDuration(configDebounceDelay), t.applyConfig)
	return t
}

// AddVif registers vifname on ifname and returns its (possibly
// freshly created) Vif, binding it to the Target's shared timer list
// per spec.md §4.5's one-event-loop-per-process model.
func (t *Target) AddVif(ifname, vifname string) (*Vif, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	vifs, ok := t.ifaces[ifname]
	if !ok {
		vifs = make(map[string]*Vif)
		t.ifaces[ifname] = vifs
	}
	if v, exists := vifs[vifname]; exists {
		return v, nil
	}
	v, err := NewVif(ifname, vifname)
	if err != nil {
		return nil, fmt.Errorf("vrrp: add vif %s/%s: %w", ifname, vifname, err)
	}
	v.SetTimers(t.loop.Timers())
	vifs[vifname] = v
	t.config.Set(ifname, vifname, true)
	return v, nil
}

// vif looks up a registered Vif.
func (t *Target) vif(ifname, vifname string) (*Vif, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vifs, ok := t.ifaces[ifname]
	if !ok {
		return nil, fmt.Errorf("vrrp: no such interface %s", ifname)
	}
	v, ok := vifs[vifname]
	if !ok {
		return nil, fmt.Errorf("vrrp: no such vif %s/%s", ifname, vifname)
	}
	return v, nil
}

// GetIfs lists every registered physical interface, for the
// `get_ifs` admin operation (§6).
func (t *Target) GetIfs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ifaces))
	for ifname := range t.ifaces {
		out = append(out, ifname)
	}
	return out
}

// GetVifs lists every logical vif on ifname, for `get_vifs`.
func (t *Target) GetVifs(ifname string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	vifs, ok := t.ifaces[ifname]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vifs))
	for vifname := range vifs {
		out = append(out, vifname)
	}
	return out
}

// Run starts the Target: it marks it running and begins receiving on
// every already-registered vif.
func (t *Target) Run(ctx context.Context) {
	t.mu.Lock()
	t.running = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	vifs := t.allVifsLocked()
	t.mu.Unlock()

	for _, v := range vifs {
		v.Start(t.ctx)
	}
}

func (t *Target) allVifsLocked() []*Vif {
	out := make([]*Vif, 0)
	for _, vifs := range t.ifaces {
		for _, v := range vifs {
			out = append(out, v)
		}
	}
	return out
}

// TreeComplete is the config-mirror's one-time "initial snapshot
// loaded" event (spec.md §6); it applies configuration immediately,
// bypassing the debounce since there is nothing yet to thrash against.
func (t *Target) TreeComplete() {
	t.applyConfig()
}

// UpdatesMade is the config-mirror's recurring change notification
// (spec.md §6); applies it debounced per spec.md §9.
func (t *Target) UpdatesMade() {
	t.debounce.Trigger()
}

// SetVifEnabled records ifname/vifname's administrative enabled flag
// in the config mirror and requests a (debounced) reconfigure, for the
// `set_disable`-at-the-vif-level half of spec.md §6's per-vif
// `enabled` flag (distinct from Instance-level SetDisable, which
// disables one VRID rather than the whole vif).
func (t *Target) SetVifEnabled(ifname, vifname string, enabled bool) {
	t.config.Set(ifname, vifname, enabled)
	t.UpdatesMade()
}

// applyConfig re-runs Vif.Configure for every known vif concurrently,
// bounded by an errgroup.Group — SPEC_FULL.md §2's wiring of
// golang.org/x/sync/errgroup, grounded on its declared presence across
// the domain family's go.mod files. A pending-request increment/
// decrement brackets the fan-out so Shutdown can wait for it to drain.
// Vifs the config mirror has marked disabled (spec.md §6's per-vif
// `enabled` flag) are stopped instead of reconfigured.
func (t *Target) applyConfig() {
	t.mu.Lock()
	vifs := t.allVifsLocked()
	t.pending++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.pending--
		t.mu.Unlock()
	}()

	var g errgroup.Group
	for _, v := range vifs {
		v := v
		g.Go(func() error {
			if !t.config.Enabled(v.Ifname(), v.Vifname()) {
				v.Disable()
				return nil
			}
			if err := v.Configure(); err != nil {
				glog.Warningf("vrrp: configure %s/%s: %v", v.Ifname(), v.Vifname(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// AddVRID implements the `add_vrid` admin operation: VRID 0 and VRIDs
// above 255 are rejected (spec.md §8's boundary behaviour; uint8 makes
// >255 unrepresentable, so only the 0 case needs an explicit check).
func (t *Target) AddVRID(ifname, vifname string, vrid uint8, priority uint8, interval time.Duration, preempt bool) (*Instance, error) {
	if vrid == 0 {
		return nil, ErrBadVRID
	}
	if priority == 0 || priority == PriorityOwn {
		return nil, ErrBadPriority
	}
	t.mu.Lock()
	shuttingDown := t.shuttingDown
	t.mu.Unlock()
	if shuttingDown {
		return nil, ErrShuttingDown
	}
	v, err := t.vif(ifname, vifname)
	if err != nil {
		return nil, err
	}
	inst, err := v.AddInstance(Config{VRID: vrid, Priority: priority, Interval: interval, Preempt: preempt})
	if err != nil {
		return nil, err
	}
	if v.Ready() {
		if err := inst.Start(); err != nil {
			glog.Warningf("vrrp: vrid %d start: %v", vrid, err)
		}
	}
	return inst, nil
}

// DeleteVRID implements `delete_vrid`.
func (t *Target) DeleteVRID(ifname, vifname string, vrid uint8) error {
	v, err := t.vif(ifname, vifname)
	if err != nil {
		return err
	}
	return v.DeleteInstance(vrid)
}

func (t *Target) instance(ifname, vifname string, vrid uint8) (*Instance, error) {
	t.mu.Lock()
	shuttingDown := t.shuttingDown
	t.mu.Unlock()
	if shuttingDown {
		return nil, ErrShuttingDown
	}
	v, err := t.vif(ifname, vifname)
	if err != nil {
		return nil, err
	}
	inst, ok := v.Instance(vrid)
	if !ok {
		return nil, fmt.Errorf("%w: vrid %d on %s/%s", ErrUnknownVRID, vrid, ifname, vifname)
	}
	return inst, nil
}

// SetPriority implements `set_priority`. Per spec.md §8's boundary
// behaviour, 0 (the wire "leaving" signal) and 255 (the owner's
// derived priority) are rejected administratively.
func (t *Target) SetPriority(ifname, vifname string, vrid, priority uint8) error {
	if priority == 0 || priority == PriorityOwn {
		return ErrBadPriority
	}
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	inst.SetPriority(priority)
	return nil
}

// SetInterval implements `set_interval`. The original's 8-bit wire
// field bounds the configurable range to 1..255 seconds (spec.md §9's
// open-question resolution: reject out of range here, not at send
// time).
func (t *Target) SetInterval(ifname, vifname string, vrid uint8, interval time.Duration) error {
	secs := interval / time.Second
	if secs < 1 || secs > 255 {
		return fmt.Errorf("vrrp: interval %s out of range 1..255s", interval)
	}
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	inst.SetInterval(interval)
	return nil
}

// SetPreempt implements `set_preempt`.
func (t *Target) SetPreempt(ifname, vifname string, vrid uint8, preempt bool) error {
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	inst.SetPreempt(preempt)
	return nil
}

// SetDisable implements `set_disable`.
func (t *Target) SetDisable(ifname, vifname string, vrid uint8, disable bool) error {
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	inst.SetDisable(disable)
	if disable {
		inst.Stop()
	}
	return nil
}

// AddIP implements `add_ip`: only IPv4 virtual addresses are
// supported (spec.md §1's non-goals).
func (t *Target) AddIP(ifname, vifname string, vrid uint8, ip net.IP) error {
	if ip.To4() == nil {
		return ErrNotIPv4
	}
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	inst.AddIP(ip)
	return nil
}

// DeleteIP implements `delete_ip`.
func (t *Target) DeleteIP(ifname, vifname string, vrid uint8, ip net.IP) error {
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	inst.DeleteIP(ip)
	return nil
}

// SetPrefix implements `set_prefix`.
func (t *Target) SetPrefix(ifname, vifname string, vrid uint8, ip net.IP, prefixLen int) error {
	_, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return err
	}
	if prefixLen < 0 || prefixLen > 32 {
		return fmt.Errorf("vrrp: prefix length %d out of range 0..32", prefixLen)
	}
	// The prefix length is range-checked and then discarded: Instance
	// keeps no per-address prefix, so this call changes nothing.
	return nil
}

// GetVRIDInfo implements `get_vrid_info`: the state name and, when
// known, the current master's address (spec.md §7's user-visible
// behaviour: the host's own address while MASTER, the last accepted
// advertiser's address while BACKUP, nothing meaningful while
// INITIALIZE).
func (t *Target) GetVRIDInfo(ifname, vifname string, vrid uint8) (state string, master net.IP, err error) {
	inst, err := t.instance(ifname, vifname, vrid)
	if err != nil {
		return "", nil, err
	}
	s, m := inst.GetInfo()
	return s.String(), m, nil
}

// GetVRIDs implements `get_vrids`.
func (t *Target) GetVRIDs(ifname, vifname string) ([]uint8, error) {
	v, err := t.vif(ifname, vifname)
	if err != nil {
		return nil, err
	}
	return v.VRIDs(), nil
}

// Shutdown stops accepting new work, tears down every vif, and blocks
// until the pending-request counter reaches zero — spec.md §4.11 and
// §9's "shutdown sequencing" design note, adapted from
// vrrp_target.cc's _xrl_pending-gated destruction (here counting
// outstanding config-apply fan-outs rather than XRL calls, since the
// XRL transport itself is out of scope per spec.md §1).
func (t *Target) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.shuttingDown = true
	if t.cancel != nil {
		t.cancel()
	}
	vifs := t.allVifsLocked()
	t.mu.Unlock()

	for _, v := range vifs {
		v.Stop()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		pending := t.pending
		t.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("vrrp: shutdown: %w (pending=%d)", ctx.Err(), pending)
		case <-ticker.C:
		}
	}
}

// Running reports whether the target has been started and not yet
// shut down.
func (t *Target) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
