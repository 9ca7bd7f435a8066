package vrrp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/golang/glog"

	"github.com/go-vrrp/vrrpd/internal/eventloop"
)

// Vif binds one VRRP-capable logical interface: it owns every
// Instance configured on it, tracks interface readiness and the set
// of IPs actually configured on the underlying physical interface,
// and brokers the operations an Instance needs from its vif (send,
// multicast join/leave, ARP start/stop, MAC/IP install) — spec.md
// §4.10. Adapted from the teacher's router.go, which played the same
// role (owning Network/StateMachine/send-recv loops) for a single
// VRID; this generalizes it to a VRID table shared by one interface,
// per spec.md §3's "at most one Instance per (ifname, vifname, vrid)"
// invariant.
type Vif struct {
	mu sync.Mutex

	ifname  string
	vifname string

	transport *IPTransport
	os        *OSVif
	timers    *eventloop.TimerList

	instances map[uint8]*Instance
	arps      map[uint8]*ArpResponder

	ready         bool
	configuredIPs map[string]net.IP

	mcastRefcount int
	arpRefcount   int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewVif binds a Vif to ifname (the physical interface) named vifname
// at the logical layer (spec.md's ifname/vifname distinction; in this
// single-host daemon the two commonly coincide).
func NewVif(ifname, vifname string) (*Vif, error) {
	transport, err := NewIPTransport(ifname)
	if err != nil {
		return nil, err
	}
	os, err := NewOSVif(ifname)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return &Vif{
		ifname:        ifname,
		vifname:       vifname,
		transport:     transport,
		os:            os,
		timers:        eventloop.NewTimerList(eventloop.NewSystemClock()),
		instances:     make(map[uint8]*Instance),
		arps:          make(map[uint8]*ArpResponder),
		configuredIPs: make(map[string]net.IP),
	}, nil
}

// SetTimers sets the timer list that instances added to the Vif from
// then on are bound to; instances already added keep the list they
// were created with. Target calls it before adding any instance, so
// VRID timers are dispatched by one EventLoop per process rather than
// each Vif running its own (spec.md §4.5: one event loop per process).
func (v *Vif) SetTimers(timers *eventloop.TimerList) { v.timers = timers }

// Ifname and Vifname report the bound interface names.
func (v *Vif) Ifname() string  { return v.ifname }
func (v *Vif) Vifname() string { return v.vifname }

// Ready reports whether the vif is currently eligible to run its
// instances (spec.md §3: administratively up and at least one IP
// configured).
func (v *Vif) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// AddInstance registers a new VRID on this vif, per spec.md §4.9/§4.10
// and the admin operation `add_vrid` (§6). VRID must be in 1..255 and
// must not already be registered.
func (v *Vif) AddInstance(cfg Config) (*Instance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cfg.VRID == 0 {
		return nil, ErrBadVRID
	}
	if _, exists := v.instances[cfg.VRID]; exists {
		return nil, fmt.Errorf("%w: vrid %d on %s/%s", ErrDuplicateVRID, cfg.VRID, v.ifname, v.vifname)
	}

	adapter := &instanceVifAdapter{vif: v, vrid: cfg.VRID}
	inst := NewInstance(adapter, v.timers, cfg)
	adapter.inst = inst
	v.instances[cfg.VRID] = inst
	return inst, nil
}

// DeleteInstance stops and removes vrid's Instance, per the `delete_vrid`
// admin operation (§6).
func (v *Vif) DeleteInstance(vrid uint8) error {
	v.mu.Lock()
	inst, ok := v.instances[vrid]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: vrid %d on %s/%s", ErrUnknownVRID, vrid, v.ifname, v.vifname)
	}
	delete(v.instances, vrid)
	v.mu.Unlock()

	inst.Stop()
	return nil
}

// Instance looks up vrid's Instance, for the admin query operations.
func (v *Vif) Instance(vrid uint8) (*Instance, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.instances[vrid]
	return inst, ok
}

// VRIDs lists every VRID registered on this vif, for `get_vrids`.
func (v *Vif) VRIDs() []uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint8, 0, len(v.instances))
	for vrid := range v.instances {
		out = append(out, vrid)
	}
	return out
}

// Configure re-derives readiness and the owned-IP set from the
// physical interface's up flag and live address list, then cascades
// start/stop to every registered instance. Grounded on
// original_source/xorp/vrrp/vrrp_vif.hh's configure(IfMgrIfTree&);
// spec.md §9's debounce note is applied one layer up, by Target.
func (v *Vif) Configure() error {
	ips, err := v.os.ListIPs()
	if err != nil {
		return fmt.Errorf("vrrp: configure %s/%s: %w", v.ifname, v.vifname, err)
	}
	iface, err := net.InterfaceByName(v.ifname)
	if err != nil {
		return fmt.Errorf("vrrp: configure %s/%s: %w", v.ifname, v.vifname, err)
	}

	v.mu.Lock()
	configured := make(map[string]net.IP, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			configured[v4.String()] = v4
		}
	}
	v.configuredIPs = configured
	wasReady := v.ready
	v.ready = iface.Flags&net.FlagUp != 0 && len(configured) > 0
	nowReady := v.ready
	instances := make([]*Instance, 0, len(v.instances))
	for _, inst := range v.instances {
		instances = append(instances, inst)
	}
	v.mu.Unlock()

	for _, inst := range instances {
		inst.checkOwnership()
	}

	switch {
	case !wasReady && nowReady:
		for _, inst := range instances {
			if err := inst.Start(); err != nil {
				glog.Warningf("vrrp: %s/%s vrid %d start: %v", v.ifname, v.vifname, inst.VRID(), err)
			}
		}
	case wasReady && !nowReady:
		for _, inst := range instances {
			inst.Stop()
		}
	}
	return nil
}

// Own reports whether ip is one of this host's real addresses on the
// bound interface, per spec.md §3's ownership invariant.
func (v *Vif) Own(ip net.IP) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	_, ok := v.configuredIPs[v4.String()]
	return ok
}

// Addr returns the vif's primary IPv4 address, used as the source
// address of outgoing advertisements.
func (v *Vif) Addr() net.IP { return v.transport.Addr() }

// Send transmits pkt as a multicast VRRP advertisement.
func (v *Vif) Send(pkt *Packet) error { return v.transport.Send(pkt) }

// JoinMulticast and LeaveMulticast refcount the vif's membership in
// the all-VRRP-routers group across every instance that requests it,
// per spec.md §3's "multicast join refcount never underflows"
// invariant and §5's per-vif ownership of the join.
func (v *Vif) JoinMulticast() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mcastRefcount == 0 {
		if err := v.transport.JoinMulticast(); err != nil {
			return err
		}
	}
	v.mcastRefcount++
	return nil
}

func (v *Vif) LeaveMulticast() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mcastRefcount == 0 {
		return nil
	}
	v.mcastRefcount--
	if v.mcastRefcount == 0 {
		return v.transport.LeaveMulticast()
	}
	return nil
}

// addMAC installs vrid's virtual MAC on the OS and re-joins multicast
// membership: installing a unicast MAC can bounce the interface's
// multicast group membership on some network stacks (spec.md §9's open
// question), so this re-issues the join defensively whenever any
// instance is supposed to be a multicast member.
func (v *Vif) addMAC(vrid uint8) error {
	if err := v.os.AddMAC(vrid); err != nil {
		return err
	}
	v.mu.Lock()
	rejoin := v.mcastRefcount > 0
	v.mu.Unlock()
	if rejoin {
		if err := v.transport.JoinMulticast(); err != nil {
			glog.Warningf("vrrp: %s/%s rejoin multicast after MAC install: %v", v.ifname, v.vifname, err)
		}
	}
	return nil
}

func (v *Vif) deleteMAC(vrid uint8) error { return v.os.DeleteMAC(vrid) }

func (v *Vif) addIP(vrid uint8, ip net.IP, prefixLen int) error {
	return v.os.AddIP(vrid, ip, prefixLen)
}

func (v *Vif) deleteIP(vrid uint8, ip net.IP) error { return v.os.DeleteIP(vrid, ip) }

// ensureArp returns vrid's ArpResponder, dialling a new one the first
// time it is needed. Creation is separate from Start: becomeMaster
// announces gratuitous ARPs before it starts answering requests (see
// spec.md §4.9's transition table), so the client must exist before
// the receive goroutine is started.
func (v *Vif) ensureArp(vrid uint8, ips []net.IP) (*ArpResponder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	responder, ok := v.arps[vrid]
	if !ok {
		var err error
		responder, err = NewArpResponder(v.os.Interface(), VirtualMAC(vrid))
		if err != nil {
			return nil, err
		}
		v.arps[vrid] = responder
	}
	for _, ip := range ips {
		responder.AddIP(ip)
	}
	return responder, nil
}

func (v *Vif) announceGratuitous(vrid uint8, ips []net.IP) error {
	responder, err := v.ensureArp(vrid, ips)
	if err != nil {
		return err
	}
	return responder.AnnounceAll()
}

func (v *Vif) startARP(vrid uint8, ips []net.IP) error {
	responder, err := v.ensureArp(vrid, ips)
	if err != nil {
		return err
	}
	responder.Start()
	v.mu.Lock()
	v.arpRefcount++
	v.mu.Unlock()
	return nil
}

func (v *Vif) stopARP(vrid uint8) error {
	v.mu.Lock()
	responder, ok := v.arps[vrid]
	if ok {
		delete(v.arps, vrid)
		v.arpRefcount--
	}
	v.mu.Unlock()
	if !ok {
		return nil
	}
	responder.Stop()
	return nil
}

// Start begins receiving advertisements in a background goroutine and
// dispatching them to the instance they name, until ctx is cancelled.
// Raw IP sockets have no portable non-blocking readiness primitive, so
// — like the teacher's recvLoop — this runs on its own goroutine
// rather than through internal/eventloop's IoEventDispatcher; see
// DESIGN.md for the tradeoff.
func (v *Vif) Start(ctx context.Context) {
	v.ctx, v.cancel = context.WithCancel(ctx)
	go func() {
		err := v.transport.RecvLoop(v.ctx, v.recv)
		if err != nil && v.ctx.Err() == nil {
			glog.Errorf("vrrp: %s/%s receive loop: %v", v.ifname, v.vifname, err)
		}
	}()
}

// Stop halts the receive loop, stops every instance and releases the
// underlying sockets.
func (v *Vif) Stop() {
	if v.cancel != nil {
		v.cancel()
	}
	v.stopInstances()
	v.transport.Close()
}

// Disable stops every instance on this vif without tearing down its
// receive loop or sockets, for the `enabled` flag in the config
// mirror's (interface -> vif -> address) tree (spec.md §6): unlike
// Stop, a disabled vif can be re-enabled later by a subsequent
// Configure call without rebuilding its transport.
func (v *Vif) Disable() {
	v.mu.Lock()
	v.ready = false
	v.mu.Unlock()
	v.stopInstances()
}

func (v *Vif) stopInstances() {
	v.mu.Lock()
	instances := make([]*Instance, 0, len(v.instances))
	for _, inst := range v.instances {
		instances = append(instances, inst)
	}
	v.mu.Unlock()
	for _, inst := range instances {
		inst.Stop()
	}
}

func (v *Vif) recv(from net.IP, pkt *Packet) {
	inst, ok := v.Instance(pkt.VRID)
	if !ok {
		glog.V(2).Infof("vrrp: %s/%s: %v (vrid %d)", v.ifname, v.vifname, ErrUnknownVRID, pkt.VRID)
		return
	}
	if err := inst.Recv(from, pkt); err != nil {
		glog.Warningf("vrrp: %s/%s vrid %d: %v", v.ifname, v.vifname, pkt.VRID, err)
	}
}

// instanceVifAdapter implements VifOps for exactly one VRID on a
// shared Vif, closing over the VRID so Instance itself never needs to
// know about its siblings. Grounded on spec.md §9's "unidirectional
// ownership" design note: Instance holds this non-owning send-path
// handle, not a reference back to Vif.
type instanceVifAdapter struct {
	vif  *Vif
	vrid uint8
	inst *Instance
}

func (a *instanceVifAdapter) Own(ip net.IP) bool     { return a.vif.Own(ip) }
func (a *instanceVifAdapter) Addr() net.IP           { return a.vif.Addr() }
func (a *instanceVifAdapter) Send(pkt *Packet) error { return a.vif.Send(pkt) }
func (a *instanceVifAdapter) JoinMulticast() error   { return a.vif.JoinMulticast() }
func (a *instanceVifAdapter) LeaveMulticast() error  { return a.vif.LeaveMulticast() }
func (a *instanceVifAdapter) AddMAC(vrid uint8) error    { return a.vif.addMAC(vrid) }
func (a *instanceVifAdapter) DeleteMAC(vrid uint8) error { return a.vif.deleteMAC(vrid) }
func (a *instanceVifAdapter) AddIP(ip net.IP, prefixLen int) error {
	return a.vif.addIP(a.vrid, ip, prefixLen)
}
func (a *instanceVifAdapter) DeleteIP(ip net.IP) error { return a.vif.deleteIP(a.vrid, ip) }
func (a *instanceVifAdapter) StartARP(vrid uint8) error {
	return a.vif.startARP(vrid, a.inst.IPs())
}
func (a *instanceVifAdapter) StopARP(vrid uint8) error { return a.vif.stopARP(vrid) }
func (a *instanceVifAdapter) AnnounceGratuitous(vrid uint8) error {
	return a.vif.announceGratuitous(vrid, a.inst.IPs())
}
