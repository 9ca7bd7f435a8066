package vrrp

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

// State is a VrrpInstance's position in the VRRPv2 state machine.
type State int

const (
	Initialize State = iota
	Master
	Backup
)

func (s State) String() string {
	switch s {
	case Initialize:
		return "INITIALIZE"
	case Master:
		return "MASTER"
	case Backup:
		return "BACKUP"
	default:
		return "UNKNOWN"
	}
}

// PriorityLeave and PriorityOwn are the two magic priority values
// RFC 3768 defines: 0 means "I am giving up mastership now", 255 means
// "I own these addresses and always outrank everyone".
const (
	PriorityLeave = 0
	PriorityOwn   = 255
)

// dispatchPriority is the eventloop priority every VrrpInstance timer
// runs at. VRRP timer callbacks are cheap and there is nothing else in
// this daemon competing for dispatch ordering against them.
const dispatchPriority = 0

// VifOps is the subset of VrrpVif operations a VrrpInstance needs: OS
// and network effects that belong to the interface, not to any one
// virtual router on it. Grounded on
// original_source/xorp/vrrp/vrrp_vif.hh's public interface.
type VifOps interface {
	Own(ip net.IP) bool
	Addr() net.IP
	Send(pkt *Packet) error
	JoinMulticast() error
	LeaveMulticast() error
	AddMAC(vrid uint8) error
	DeleteMAC(vrid uint8) error
	AddIP(ip net.IP, prefixLen int) error
	DeleteIP(ip net.IP) error
	StartARP(vrid uint8) error
	StopARP(vrid uint8) error
	AnnounceGratuitous(vrid uint8) error
}

// Config is the set of VrrpInstance parameters an operator controls,
// mirroring the setters on original_source's Vrrp class
// (set_priority, set_interval, set_preempt, add_ip, ...).
type Config struct {
	VRID     uint8
	Priority uint8
	Interval time.Duration
	Preempt  bool
	IPs      []net.IP
	Prefix   int
}

// Instance is one VRRPv2 virtual router on one interface: the FSM from
// spec.md §4.9, grounded line-for-line on
// original_source/trunk/xorp/vrrp/vrrp.cc.
type Instance struct {
	vif   VifOps
	vrid  uint8
	timers *eventloop.TimerList

	priority uint8
	own      bool
	interval time.Duration
	preempt  bool
	disable  bool

	ips    []net.IP
	prefix int

	state   State
	lastAdv net.IP

	skewTime           time.Duration
	masterDownInterval time.Duration

	masterDownTimer eventloop.Timer
	adverTimer      eventloop.Timer

	onStateChange func(old, new State)
}

// NewInstance creates a VrrpInstance for vrid on vif, initially in
// state INITIALIZE.
func NewInstance(vif VifOps, timers *eventloop.TimerList, cfg Config) *Instance {
	i := &Instance{
		vif:      vif,
		vrid:     cfg.VRID,
		timers:   timers,
		priority: cfg.Priority,
		interval: cfg.Interval,
		preempt:  cfg.Preempt,
		ips:      append([]net.IP(nil), cfg.IPs...),
		prefix:   cfg.Prefix,
		state:    Initialize,
	}
	i.checkOwnership()
	return i
}

// SetStateChangeCallback installs a hook invoked on every transition.
func (i *Instance) SetStateChangeCallback(cb func(old, new State)) {
	i.onStateChange = cb
}

// SetPriority updates the configured priority. While the instance owns
// all of its virtual IPs the effective priority stays PriorityOwn; the
// configured value takes effect once ownership is lost.
func (i *Instance) SetPriority(p uint8) {
	i.priority = p
	i.setupIntervals()
}

// SetInterval updates the advertisement interval.
func (i *Instance) SetInterval(d time.Duration) {
	i.interval = d
	i.setupIntervals()
}

// SetPreempt toggles preempt mode.
func (i *Instance) SetPreempt(p bool) { i.preempt = p }

// SetDisable administratively disables the instance; Start refuses to
// run while disabled.
func (i *Instance) SetDisable(d bool) { i.disable = d }

// AddIP adds ip to the set this instance protects, re-checking
// ownership (spec.md §4.9's ownership recomputation).
func (i *Instance) AddIP(ip net.IP) {
	i.ips = append(i.ips, ip)
	i.checkOwnership()
}

// DeleteIP removes ip from the protected set.
func (i *Instance) DeleteIP(ip net.IP) {
	for idx, existing := range i.ips {
		if existing.Equal(ip) {
			i.ips = append(i.ips[:idx], i.ips[idx+1:]...)
			break
		}
	}
	i.checkOwnership()
}

// VRID returns the virtual router ID this instance speaks for.
func (i *Instance) VRID() uint8 { return i.vrid }

// IPs returns the set of virtual IPs this instance protects.
func (i *Instance) IPs() []net.IP { return i.ips }

// Running reports whether the instance is outside INITIALIZE.
func (i *Instance) Running() bool { return i.state != Initialize }

// State returns the instance's current FSM state.
func (i *Instance) State() State { return i.state }

// checkOwnership recomputes whether this host owns every configured
// virtual IP on vif; if it does, Priority() always returns
// PriorityOwn regardless of the configured value, per vrrp.cc's
// check_ownership.
func (i *Instance) checkOwnership() {
	own := len(i.ips) > 0
	for _, ip := range i.ips {
		if !i.vif.Own(ip) {
			own = false
			break
		}
	}
	i.own = own
	i.setupIntervals()
}

// Priority returns the effective priority: PriorityOwn if this host
// owns every configured address, else the configured priority.
func (i *Instance) Priority() uint8 {
	if i.own {
		return PriorityOwn
	}
	return i.priority
}

// setupIntervals recomputes skew time and master-down interval from
// the current effective priority and advertisement interval, per
// vrrp.cc's setup_intervals: skew_time = (256-priority)*interval/256.
func (i *Instance) setupIntervals() {
	priority := int(i.Priority())
	i.skewTime = time.Duration((256-priority)*int(i.interval)) / 256
	i.masterDownInterval = 3*i.interval + i.skewTime
}

// Start brings the instance out of INITIALIZE: it joins the
// interface's VRRP multicast group and becomes MASTER immediately (if
// it owns every protected address) or BACKUP otherwise. Grounded on
// vrrp.cc's start().
func (i *Instance) Start() error {
	if i.disable {
		return fmt.Errorf("vrrp: vrid %d is administratively disabled", i.vrid)
	}
	if err := i.vif.JoinMulticast(); err != nil {
		return fmt.Errorf("vrrp: vrid %d join multicast: %w", i.vrid, err)
	}
	if i.Priority() == PriorityOwn {
		i.becomeMaster()
	} else {
		i.becomeBackup()
	}
	return nil
}

// Stop leaves the multicast group, cancels timers and, if currently
// MASTER, sends a priority-0 advertisement so peers fail over without
// waiting out the full master-down interval. Stopping an instance that
// is already in INITIALIZE does nothing. Grounded on vrrp.cc's stop().
func (i *Instance) Stop() {
	if i.state == Initialize {
		return
	}
	i.vif.LeaveMulticast()
	i.cancelTimers()
	if i.state == Master {
		if err := i.sendAdvertisementAt(PriorityLeave); err != nil {
			glog.Warningf("vrrp: vrid %d priority-leave advertisement: %v", i.vrid, err)
		}
		i.vif.DeleteMAC(i.vrid)
		i.vif.StopARP(i.vrid)
	}
	i.transition(Initialize)
}

func (i *Instance) cancelTimers() {
	i.masterDownTimer.Unschedule()
	i.adverTimer.Unschedule()
}

func (i *Instance) transition(to State) {
	from := i.state
	i.state = to
	if i.onStateChange != nil && from != to {
		i.onStateChange(from, to)
	}
}

// becomeMaster installs the virtual MAC, sends an immediate
// advertisement and gratuitous ARPs, starts answering ARP requests and
// arms the periodic advertisement timer. Grounded on vrrp.cc's
// become_master().
func (i *Instance) becomeMaster() {
	alreadyMaster := i.state == Master
	i.transition(Master)
	if !alreadyMaster {
		if err := i.vif.AddMAC(i.vrid); err != nil {
			glog.Errorf("vrrp: vrid %d add MAC: %v", i.vrid, err)
		}
	}
	if err := i.sendAdvertisement(); err != nil {
		glog.Warningf("vrrp: vrid %d advertisement: %v", i.vrid, err)
	}
	if err := i.vif.AnnounceGratuitous(i.vrid); err != nil {
		glog.Warningf("vrrp: vrid %d gratuitous arp: %v", i.vrid, err)
	}
	i.setupTimers(false)
	if err := i.vif.StartARP(i.vrid); err != nil {
		glog.Warningf("vrrp: vrid %d start arp responder: %v", i.vrid, err)
	}
}

// becomeBackup reverts MASTER-only state (virtual MAC, ARP responder)
// if coming from MASTER, then arms the master-down timer. Grounded on
// vrrp.cc's become_backup().
func (i *Instance) becomeBackup() {
	wasMaster := i.state == Master
	if wasMaster {
		i.vif.DeleteMAC(i.vrid)
		i.vif.StopARP(i.vrid)
	}
	i.transition(Backup)
	i.setupTimers(false)
}

// setupTimers (mirroring vrrp.cc's setup_timers) arms exactly the
// timer appropriate to the current state: the periodic advertisement
// timer for MASTER, or the master-down timer for BACKUP — using the
// skew time on receiving a priority-leave advertisement, and the full
// master-down interval otherwise (including on entry to BACKUP).
func (i *Instance) setupTimers(skew bool) {
	i.cancelTimers()
	switch i.state {
	case Master:
		i.adverTimer = i.timers.NewPeriodic(eventloop.FromDuration(i.interval), dispatchPriority, i.adverExpiry)
	case Backup:
		delay := i.masterDownInterval
		if skew {
			delay = i.skewTime
		}
		i.masterDownTimer = i.timers.NewOneoffAfter(eventloop.FromDuration(delay), dispatchPriority, i.masterDownExpiry)
	}
}

func (i *Instance) masterDownExpiry() bool {
	i.becomeMaster()
	return false
}

func (i *Instance) adverExpiry() bool {
	if err := i.sendAdvertisement(); err != nil {
		glog.Warningf("vrrp: vrid %d advertisement: %v", i.vrid, err)
	}
	// setupTimers rearms the periodic timer itself (state is still
	// MASTER), so this one-shot firing always cancels; the new timer
	// created by setupTimers is the one that keeps running.
	i.setupTimers(false)
	return false
}

func (i *Instance) sendAdvertisement() error {
	return i.sendAdvertisementAt(i.Priority())
}

func (i *Instance) sendAdvertisementAt(priority uint8) error {
	pkt := NewPacket(i.vrid, priority, i.ips, uint8(i.interval/time.Second))
	return i.vif.Send(pkt)
}

// Recv processes an inbound advertisement received from peer. It
// validates authentication, interval and IP-set agreement before
// dispatching to the state machine, per vrrp.cc's recv().
func (i *Instance) Recv(from net.IP, pkt *Packet) error {
	if pkt.AuthType != AuthNone {
		return fmt.Errorf("%w: %d", ErrBadAuth, pkt.AuthType)
	}
	if pkt.Priority != PriorityOwn && !i.checkIPs(pkt) {
		return ErrIPSetMismatch
	}
	if time.Duration(pkt.AdvInterval)*time.Second != i.interval {
		return fmt.Errorf("%w: got %ds want %s", ErrIntervalMismatch, pkt.AdvInterval, i.interval)
	}
	i.recvAdvertisement(from, pkt.Priority)
	return nil
}

func (i *Instance) checkIPs(pkt *Packet) bool {
	if len(pkt.IPAddresses) != len(i.ips) {
		return false
	}
	configured := make(map[string]bool, len(i.ips))
	for _, ip := range i.ips {
		configured[ip.String()] = true
	}
	for _, ip := range pkt.IPAddresses {
		if !configured[ip.String()] {
			return false
		}
	}
	return true
}

func (i *Instance) recvAdvertisement(from net.IP, priority uint8) {
	switch i.state {
	case Backup:
		i.lastAdv = from
		i.recvAdverBackup(priority)
	case Master:
		i.recvAdverMaster(from, priority)
	}
}

// recvAdverBackup is vrrp.cc's recv_adver_backup: a priority-leave
// advertisement means the master is stepping down, so arm the skew
// timer to take over quickly; otherwise, an advertisement from a peer
// that still outranks us (or preempt being disabled) just resets our
// full master-down wait.
func (i *Instance) recvAdverBackup(priority uint8) {
	if priority == PriorityLeave {
		i.setupTimers(true)
		return
	}
	if !i.preempt || priority >= i.Priority() {
		i.setupTimers(false)
	}
}

// recvAdverMaster is vrrp.cc's recv_adver_master: if the peer is
// leaving, stay MASTER, send one more advertisement right away and
// rearm the advertisement timer; step down to BACKUP if the peer
// genuinely outranks us, or if we're tied and the peer's source IP
// wins the tie-break.
func (i *Instance) recvAdverMaster(from net.IP, priority uint8) {
	if priority == PriorityLeave {
		if err := i.sendAdvertisement(); err != nil {
			glog.Warningf("vrrp: vrid %d advertisement: %v", i.vrid, err)
		}
		i.setupTimers(false)
		return
	}
	if priority > i.Priority() || (priority == i.Priority() && compareIP(from, i.vif.Addr()) > 0) {
		i.lastAdv = from
		i.becomeBackup()
	}
}

// compareIP compares two IPv4 addresses byte-for-byte, used for the
// tie-break in recvAdverMaster.
func compareIP(a, b net.IP) int {
	return bytes.Compare(a.To4(), b.To4())
}

// GetInfo reports the instance's state and, when it is known, the
// current master's address: this host's own address while MASTER, or
// the source of the most recently accepted advertisement while
// BACKUP. Grounded on vrrp.cc's get_info().
func (i *Instance) GetInfo() (state State, master net.IP) {
	if i.state == Master {
		return i.state, i.vif.Addr()
	}
	return i.state, i.lastAdv
}
