package vrrp

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/net/ipv4"
)

const (
	// MulticastGroup is the all-VRRP-routers IPv4 multicast address
	// (RFC 3768 §5.2.2).
	MulticastGroup = "224.0.0.18"
	// ProtocolNumber is VRRP's IP protocol number.
	ProtocolNumber = 112
)

// IPTransport sends and receives VRRPv2 advertisements over a raw IPv4
// socket, adapted from the teacher's network.go: same raw-socket
// construction, multicast join/TTL handling and read-buffer sizing,
// but with join/leave split out so VrrpVif can refcount them across
// several VRIDs sharing one interface (spec.md §4.10).
type IPTransport struct {
	iface    *net.Interface
	conn     *ipv4.RawConn
	pconn    *ipv4.PacketConn
	sourceIP net.IP
}

// NewIPTransport opens a raw VRRP socket listening on all local
// addresses and uses ifaceName's first IPv4 address as the source of
// outgoing advertisements. It does not join the multicast group; call
// JoinMulticast once a VrrpVif is ready to receive.
func NewIPTransport(ifaceName string) (*IPTransport, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("vrrp: interface %s: %w", ifaceName, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("vrrp: addresses for %s: %w", ifaceName, err)
	}
	var sourceIP net.IP
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				sourceIP = v4
				break
			}
		}
	}
	if sourceIP == nil {
		return nil, fmt.Errorf("vrrp: no IPv4 address on interface %s", ifaceName)
	}

	pc, err := net.ListenPacket("ip4:112", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("vrrp: listen for VRRP packets: %w", err)
	}
	rawConn, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("vrrp: raw connection: %w", err)
	}
	if ipConn, ok := pc.(*net.IPConn); ok {
		if err := ipConn.SetReadBuffer(256 * 1024); err != nil {
			glog.Warningf("vrrp: set read buffer on %s: %v", ifaceName, err)
		}
		if err := ipConn.SetWriteBuffer(256 * 1024); err != nil {
			glog.Warningf("vrrp: set write buffer on %s: %v", ifaceName, err)
		}
	}
	// Join/leave and TTL are socket options on the same descriptor as
	// the RawConn; ipv4.PacketConn wraps pc a second time purely to
	// reach those option setters (it does no I/O of its own here).
	pconn := ipv4.NewPacketConn(pc)

	return &IPTransport{iface: iface, conn: rawConn, pconn: pconn, sourceIP: sourceIP}, nil
}

// Close releases the underlying socket.
func (t *IPTransport) Close() error { return t.conn.Close() }

// Addr returns the transport's source IPv4 address.
func (t *IPTransport) Addr() net.IP { return t.sourceIP }

// JoinMulticast joins the all-VRRP-routers group on this interface.
func (t *IPTransport) JoinMulticast() error {
	group := net.ParseIP(MulticastGroup)
	if err := t.pconn.JoinGroup(t.iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("vrrp: join multicast on %s: %w", t.iface.Name, err)
	}
	if err := t.pconn.SetMulticastInterface(t.iface); err != nil {
		return fmt.Errorf("vrrp: set multicast interface on %s: %w", t.iface.Name, err)
	}
	if err := t.pconn.SetMulticastTTL(255); err != nil {
		return fmt.Errorf("vrrp: set multicast TTL on %s: %w", t.iface.Name, err)
	}
	return nil
}

// LeaveMulticast leaves the all-VRRP-routers group.
func (t *IPTransport) LeaveMulticast() error {
	group := net.ParseIP(MulticastGroup)
	if err := t.pconn.LeaveGroup(t.iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("vrrp: leave multicast on %s: %w", t.iface.Name, err)
	}
	return nil
}

// Send marshals pkt and writes it to the VRRP multicast group.
func (t *IPTransport) Send(pkt *Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("vrrp: marshal advertisement: %w", err)
	}
	dst := net.ParseIP(MulticastGroup)
	header := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TOS:      0xc0,
		TotalLen: ipv4.HeaderLen + len(data),
		TTL:      255,
		Protocol: ProtocolNumber,
		Dst:      dst,
		Src:      t.sourceIP,
	}
	if err := t.conn.WriteTo(header, data, nil); err != nil {
		return fmt.Errorf("vrrp: send advertisement: %w", err)
	}
	return nil
}

// RecvLoop reads advertisements until ctx is cancelled, calling
// handler(from, pkt) for each one successfully decoded.
func (t *IPTransport) RecvLoop(ctx context.Context, handler func(from net.IP, pkt *Packet)) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, payload, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("vrrp: read advertisement: %w", err)
		}
		if header.Protocol != ProtocolNumber {
			continue
		}
		if header.TTL != 255 {
			glog.Warningf("vrrp: discarding advertisement from %s with TTL %d (want 255)", header.Src, header.TTL)
			continue
		}

		pkt := &Packet{}
		if err := pkt.Unmarshal(payload); err != nil {
			glog.V(2).Infof("vrrp: discarding malformed packet from %s: %v", header.Src, err)
			continue
		}
		if !ValidateChecksum(payload) {
			glog.Warningf("vrrp: checksum mismatch from %s", header.Src)
			continue
		}
		handler(header.Src, pkt)
	}
}
