package vrrp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Version is the only VRRP protocol version this package speaks.
// VRRPv3 renumbers several fields (a 12-bit advertisement interval, no
// authentication trailer) and is out of scope.
const Version = 2

const (
	TypeAdvertisement = 1
)

// AuthNone is the only authentication type VRRPv2 advertisements carry
// in practice; RFC 3768 deprecated the others, and vrrp.cc's recv()
// rejects anything else.
const AuthNone = 0

const headerSize = 8
const authTrailerSize = 8

// Packet is a VRRPv2 advertisement: the 8-byte header, a list of
// virtual IPv4 addresses and the (ignored, RFC-mandated) 8-byte
// authentication trailer.
type Packet struct {
	Version      uint8
	Type         uint8
	VRID         uint8
	Priority     uint8
	CountIPAddrs uint8
	AuthType     uint8
	AdvInterval  uint8
	Checksum     uint16
	IPAddresses  []net.IP
	AuthData     []byte
}

// NewPacket builds an advertisement for vrid/priority carrying ips,
// using the given advertisement interval in whole seconds.
func NewPacket(vrid, priority uint8, ips []net.IP, advIntervalSec uint8) *Packet {
	return &Packet{
		Version:      Version,
		Type:         TypeAdvertisement,
		VRID:         vrid,
		Priority:     priority,
		CountIPAddrs: uint8(len(ips)),
		IPAddresses:  ips,
		AdvInterval:  advIntervalSec,
		AuthType:     AuthNone,
		AuthData:     make([]byte, authTrailerSize),
	}
}

// Marshal encodes the packet to wire format and fills in Checksum.
func (p *Packet) Marshal() ([]byte, error) {
	if p.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, p.Version)
	}

	size := headerSize + authTrailerSize
	for _, ip := range p.IPAddresses {
		size += ipAddrSize(ip)
	}

	buf := make([]byte, size)

	buf[0] = (p.Version << 4) | (p.Type & 0x0F)
	buf[1] = p.VRID
	buf[2] = p.Priority
	buf[3] = uint8(len(p.IPAddresses))
	buf[4] = p.AuthType
	buf[5] = p.AdvInterval

	offset := headerSize
	for _, ip := range p.IPAddresses {
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("vrrp: %s is not an IPv4 address", ip)
		}
		copy(buf[offset:], v4)
		offset += 4
	}

	if len(p.AuthData) == authTrailerSize {
		copy(buf[offset:], p.AuthData)
	}

	checksum := calculateChecksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], checksum)
	p.Checksum = checksum

	return buf, nil
}

func ipAddrSize(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 16
}

// Unmarshal decodes data into p. It does not validate the checksum;
// callers that need to authenticate the packet should call
// ValidateChecksum separately (see vrrp.cc's recv(), which checks the
// checksum before anything else).
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(data))
	}

	p.Version = (data[0] >> 4) & 0x0F
	p.Type = data[0] & 0x0F
	if p.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, p.Version)
	}

	p.VRID = data[1]
	p.Priority = data[2]
	p.CountIPAddrs = data[3]
	p.AuthType = data[4]
	p.AdvInterval = data[5]
	p.Checksum = binary.BigEndian.Uint16(data[6:8])

	offset := headerSize
	p.IPAddresses = make([]net.IP, p.CountIPAddrs)
	for i := 0; i < int(p.CountIPAddrs); i++ {
		if offset+4 > len(data) {
			return fmt.Errorf("%w: address %d", ErrPacketTooShort, i)
		}
		addr := make(net.IP, 4)
		copy(addr, data[offset:offset+4])
		p.IPAddresses[i] = addr
		offset += 4
	}

	if offset+authTrailerSize <= len(data) {
		p.AuthData = make([]byte, authTrailerSize)
		copy(p.AuthData, data[offset:offset+authTrailerSize])
	}

	return nil
}

// ValidateChecksum reports whether data's embedded checksum matches
// its recomputed one's-complement sum, per RFC 3768 §5.2.3: summing
// the packet including its own checksum field should fold to all-ones,
// which complements to zero.
func ValidateChecksum(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	return foldChecksum(sum16(data)) == 0
}

// calculateChecksum computes the RFC 3768 16-bit one's complement
// checksum to place into bytes 6:8 of data, with those bytes zeroed
// for the computation.
func calculateChecksum(data []byte) uint16 {
	temp := make([]byte, len(data))
	copy(temp, data)
	temp[6], temp[7] = 0, 0
	return foldChecksum(sum16(temp))
}

func sum16(data []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 + uint32(data[i+1])
	}
	if len(data)%2 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 > 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(^sum)
}
