package vrrp

import "errors"

// Sentinel errors for the validation failures a received advertisement
// or an administrative operation can trigger (spec.md §7). Wrapped with fmt.Errorf("...: %w", ...) at
// the call site so errors.Is still matches, following the teacher's
// router.go/network.go wrapping convention.
var (
	ErrBadVersion     = errors.New("vrrp: unsupported protocol version")
	ErrPacketTooShort = errors.New("vrrp: packet too short")
	ErrBadChecksum    = errors.New("vrrp: checksum mismatch")
	ErrBadAuth        = errors.New("vrrp: unsupported authentication type")
	ErrIPSetMismatch  = errors.New("vrrp: advertised IP set does not match configured IP set")
	ErrIntervalMismatch = errors.New("vrrp: advertised interval does not match configured interval")
	ErrVRIDMismatch   = errors.New("vrrp: advertisement VRID does not match this instance")
	ErrNotIPv4        = errors.New("vrrp: only IPv4 virtual addresses are supported")
	ErrBadVRID        = errors.New("vrrp: VRID out of range 1-255")
	ErrBadPriority    = errors.New("vrrp: priority out of range 1-254")
	ErrNoVirtualIPs   = errors.New("vrrp: at least one virtual IP is required")
	ErrVifNotReady    = errors.New("vrrp: virtual interface is not ready")
	ErrDuplicateVRID  = errors.New("vrrp: VRID already registered on this interface")
	ErrUnknownVRID    = errors.New("vrrp: no such VRID on this interface")
	ErrShuttingDown   = errors.New("vrrp: target is shutting down")
)
