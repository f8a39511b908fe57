// Package cidr provides IPv4 prefix arithmetic: containment, overlap and
// carving fixed-size blocks out of a parent prefix.
package cidr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// PrefixContains reports whether outer fully contains inner.
// Both prefixes must be valid IPv4 prefixes; returns false otherwise.
func PrefixContains(outer, inner netip.Prefix) bool {
	if !outer.IsValid() || !inner.IsValid() {
		return false
	}
	if !outer.Addr().Is4() || !inner.Addr().Is4() {
		return false
	}
	// inner must have equal or longer prefix length
	if inner.Bits() < outer.Bits() {
		return false
	}
	return outer.Contains(inner.Masked().Addr()) && outer.Contains(lastAddr(inner))
}

// PrefixesOverlap reports whether two IPv4 prefixes share any address.
func PrefixesOverlap(a, b netip.Prefix) bool {
	if !a.IsValid() || !b.IsValid() {
		return false
	}
	return a.Masked().Contains(b.Masked().Addr()) || b.Masked().Contains(a.Masked().Addr())
}

// Block returns the index-th block of length bits inside parent, counting
// from the parent's first address. Block(10.0.0.0/16, 24, 7) is 10.0.7.0/24.
// It returns an error instead of wrapping when index does not fit.
func Block(parent netip.Prefix, bits int, index int) (netip.Prefix, error) {
	if !parent.IsValid() || !parent.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("parent %s is not a valid ipv4 prefix", parent)
	}
	if bits < parent.Bits() || bits > 32 {
		return netip.Prefix{}, fmt.Errorf("block length /%d does not fit in %s", bits, parent)
	}
	count := BlockCount(parent, bits)
	if index < 0 || uint64(index) >= count {
		return netip.Prefix{}, fmt.Errorf("block index %d out of range [0, %d) for /%d blocks in %s", index, count, bits, parent)
	}
	base := addrToUint32(parent.Masked().Addr())
	size := uint64(1) << (32 - bits)
	start := uint64(base) + uint64(index)*size
	return netip.PrefixFrom(uint32ToAddr(uint32(start)), bits), nil
}

// BlockCount returns how many /bits blocks fit in parent.
func BlockCount(parent netip.Prefix, bits int) uint64 {
	if bits < parent.Bits() || bits > 32 {
		return 0
	}
	return uint64(1) << (bits - parent.Bits())
}

// ParseCIDROrIP parses a string as either a CIDR prefix ("10.0.0.0/8")
// or a bare IP address ("10.1.2.5" → 10.1.2.5/32).
func ParseCIDROrIP(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		if !p.Addr().Is4() {
			return netip.Prefix{}, fmt.Errorf("only IPv4 supported: %s", s)
		}
		return p.Masked(), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		if !a.Is4() {
			return netip.Prefix{}, fmt.Errorf("only IPv4 supported: %s", s)
		}
		return netip.PrefixFrom(a, 32), nil
	}
	return netip.Prefix{}, fmt.Errorf("invalid CIDR or IP: %q", s)
}

// lastAddr returns the last (broadcast) address in a prefix.
func lastAddr(p netip.Prefix) netip.Addr {
	first := addrToUint32(p.Masked().Addr())
	hostBits := 32 - p.Bits()
	return uint32ToAddr(first | uint32((uint64(1)<<hostBits)-1))
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(u uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	return netip.AddrFrom4(b)
}
