package vrrp

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// VirtualMAC returns the VRRPv2 virtual MAC address for vrid,
// 00:00:5E:00:01:<vrid>, per RFC 3768 §7.3.
func VirtualMAC(vrid uint8) net.HardwareAddr {
	return net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, vrid}
}

// macvlanName derives the per-VRID virtual-MAC carrier interface name
// from the physical interface, e.g. "eth0" + vrid 7 -> "eth0.7". Linux
// interface names are capped at 15 bytes, so the physical name is
// truncated rather than the vrid suffix.
func macvlanName(parent string, vrid uint8) string {
	suffix := fmt.Sprintf(".%d", vrid)
	maxParent := 15 - len(suffix)
	if len(parent) > maxParent {
		parent = parent[:maxParent]
	}
	return parent + suffix
}

// OSVif adapts one physical interface's kernel-visible state —
// addresses and the per-VRID virtual MAC — via netlink. Adapted from
// the teacher's ip_manager.go (address add/delete/list), extended with
// virtual-MAC install/uninstall: each VRID's virtual MAC
// 00:00:5E:00:01:<vrid> is carried on a dedicated macvlan link rather
// than on the physical interface directly, so that virtual IPs can be
// bound to a distinct link-layer address without disturbing the
// physical interface's own MAC (mirrors keepalived's VMAC mode).
type OSVif struct {
	iface *net.Interface
}

// NewOSVif binds an OSVif to the named physical interface.
func NewOSVif(ifaceName string) (*OSVif, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("vrrp: interface %s: %w", ifaceName, err)
	}
	return &OSVif{iface: iface}, nil
}

// Interface returns the bound physical interface.
func (o *OSVif) Interface() *net.Interface { return o.iface }

// AddMAC creates and brings up the macvlan carrier for vrid's virtual
// MAC. Idempotent: an existing carrier with the same name is left
// alone.
func (o *OSVif) AddMAC(vrid uint8) error {
	name := macvlanName(o.iface.Name, vrid)
	if _, err := netlink.LinkByName(name); err == nil {
		return nil
	}
	mac := VirtualMAC(vrid)
	link := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:         name,
			ParentIndex:  o.iface.Index,
			HardwareAddr: mac,
		},
		Mode: netlink.MACVLAN_MODE_PRIVATE,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("vrrp: add macvlan %s for vrid %d: %w", name, vrid, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("vrrp: bring up macvlan %s: %w", name, err)
	}
	return nil
}

// DeleteMAC removes vrid's virtual-MAC carrier. Idempotent: a missing
// carrier is not an error.
func (o *OSVif) DeleteMAC(vrid uint8) error {
	name := macvlanName(o.iface.Name, vrid)
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("vrrp: delete macvlan %s: %w", name, err)
	}
	return nil
}

// vridLink resolves the macvlan carrier for vrid, falling back to the
// physical interface if it has not been created yet (AddIP may be
// called before AddMAC when an instance is still in BACKUP and does
// not yet own a virtual MAC carrier).
func (o *OSVif) vridLink(vrid uint8) (netlink.Link, error) {
	if link, err := netlink.LinkByName(macvlanName(o.iface.Name, vrid)); err == nil {
		return link, nil
	}
	return netlink.LinkByIndex(o.iface.Index)
}

// AddIP adds ip/prefixLen to vrid's carrier link. Idempotent.
func (o *OSVif) AddIP(vrid uint8, ip net.IP, prefixLen int) error {
	link, err := o.vridLink(vrid)
	if err != nil {
		return fmt.Errorf("vrrp: resolve link for vrid %d: %w", vrid, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("vrrp: list addresses: %w", err)
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			return nil
		}
	}
	addr := &netlink.Addr{
		IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefixLen, 32)},
		Label: link.Attrs().Name,
		Scope: int(netlink.SCOPE_UNIVERSE),
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("vrrp: add %s to %s: %w", ip, link.Attrs().Name, err)
	}
	return nil
}

// DeleteIP removes ip from vrid's carrier link. Idempotent.
func (o *OSVif) DeleteIP(vrid uint8, ip net.IP) error {
	link, err := o.vridLink(vrid)
	if err != nil {
		return nil
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("vrrp: list addresses: %w", err)
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			if err := netlink.AddrDel(link, &a); err != nil {
				return fmt.Errorf("vrrp: delete %s from %s: %w", ip, link.Attrs().Name, err)
			}
			return nil
		}
	}
	return nil
}

// ListIPs returns every address currently on the physical interface,
// used by VrrpVif to recompute which virtual IPs this host owns.
func (o *OSVif) ListIPs() ([]net.IP, error) {
	link, err := netlink.LinkByIndex(o.iface.Index)
	if err != nil {
		return nil, fmt.Errorf("vrrp: link by index %d: %w", o.iface.Index, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("vrrp: list addresses: %w", err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
