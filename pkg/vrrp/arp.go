package vrrp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/mdlayher/arp"
)

// broadcastHWAddr is the link-layer broadcast address gratuitous ARP
// announcements are sent to, matching
// _examples/Trisia-govrrp/vip_announcer.go's BroadcastHADAR use.
var broadcastHWAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ArpResponder owns the virtual MAC's ARP presence on one interface:
// it answers ARP requests for the virtual router's IP addresses while
// the instance is MASTER, and sends gratuitous ARP announcements when
// becoming MASTER. Grounded on
// _examples/Trisia-govrrp/vip_announcer.go's IPv4AddrAnnouncer for the
// announce half and original_source/xorp/vrrp/arpd.cc for the
// request/reply half (spec.md §4.8).
type ArpResponder struct {
	client *arp.Client
	hwAddr net.HardwareAddr

	mu  sync.Mutex
	ips map[string]net.IP

	wg   sync.WaitGroup
	done chan struct{}
}

// NewArpResponder dials an ARP client on iface, answering on behalf of
// vmac (the VRRP virtual MAC 00:00:5E:00:01:<vrid>).
func NewArpResponder(iface *net.Interface, vmac net.HardwareAddr) (*ArpResponder, error) {
	client, err := arp.Dial(iface)
	if err != nil {
		return nil, fmt.Errorf("vrrp: arp.Dial(%s): %w", iface.Name, err)
	}
	return &ArpResponder{
		client: client,
		hwAddr: vmac,
		ips:    make(map[string]net.IP),
		done:   make(chan struct{}),
	}, nil
}

// AddIP registers ip as one the responder should answer ARP requests
// for.
func (r *ArpResponder) AddIP(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ips[ip.String()] = ip
}

// DeleteIP unregisters ip.
func (r *ArpResponder) DeleteIP(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ips, ip.String())
}

func (r *ArpResponder) owns(ip net.IP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ips[ip.String()]
	return ok
}

func (r *ArpResponder) ownedIPs() []net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()
	ips := make([]net.IP, 0, len(r.ips))
	for _, ip := range r.ips {
		ips = append(ips, ip)
	}
	return ips
}

// Start begins answering inbound ARP requests in a background
// goroutine. The teacher's codebase runs its network I/O on
// goroutines bridged by channels (router.go's sendLoop/recvLoop); this
// mirrors that shape for the ARP side-channel specifically, since
// mdlayher/arp.Client.Read has no non-blocking variant to drive from
// the cooperative event loop.
func (r *ArpResponder) Start() {
	r.wg.Add(1)
	go r.serve()
}

func (r *ArpResponder) serve() {
	defer r.wg.Done()
	for {
		pkt, _, err := r.client.Read()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
				glog.Warningf("vrrp: arp read: %v", err)
				continue
			}
		}
		if pkt.Operation != arp.OperationRequest {
			continue
		}
		if !r.owns(pkt.TargetIP) {
			continue
		}
		if err := r.client.Reply(pkt, r.hwAddr, pkt.TargetIP); err != nil {
			glog.Warningf("vrrp: arp reply for %s: %v", pkt.TargetIP, err)
		}
	}
}

// Stop halts the responder and releases its ARP socket.
func (r *ArpResponder) Stop() {
	close(r.done)
	r.client.Close()
	r.wg.Wait()
}

// AnnounceAll sends a gratuitous ARP request for every registered IP,
// advertising hwAddr as their link-layer address. Called once on
// becoming MASTER (spec.md §4.10's become-master sequence). Sent as a
// request, not a reply: the GLOSSARY defines gratuitous ARP as a
// request, matching vrrp.cc's make_gratuitous (its own test asserts
// is_request() on the resulting packet).
func (r *ArpResponder) AnnounceAll() error {
	r.client.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
	for _, ip := range r.ownedIPs() {
		packet, err := arp.NewPacket(arp.OperationRequest, r.hwAddr, ip, broadcastHWAddr, ip)
		if err != nil {
			return fmt.Errorf("vrrp: build gratuitous arp for %s: %w", ip, err)
		}
		if err := r.client.WriteTo(packet, broadcastHWAddr); err != nil {
			return fmt.Errorf("vrrp: send gratuitous arp for %s: %w", ip, err)
		}
	}
	return nil
}
