// Package classify validates captured Ethernet frames as relayable PMTUD
// ICMP messages.
//
// The in-kernel BPF filter already narrows capture to ICMP Destination
// Unreachable / Fragmentation Needed (IPv4 type 3 code 4) and ICMPv6
// Packet Too Big (type 2 code 0) frames whose destination is not the
// broadcast address. The classifier re-checks the framing it depends on,
// extracts the source-address rate-limit key, and optionally enforces
// the inner-payload L4 source-port whitelist.
package classify

import (
	"net/netip"

	"github.com/dantte-lp/gopmtud/internal/bitmap"
)

// -------------------------------------------------------------------------
// Frame layout constants — DLT_EN10MB
// -------------------------------------------------------------------------

const (
	// etherHeaderLen is the untagged Ethernet II header length.
	etherHeaderLen = 14

	// vlanL3Offset is the L3 offset with a single 802.1Q tag present.
	// Double-tagged (QinQ) frames are not supported.
	vlanL3Offset = 18

	// minFrameLen is the smallest frame worth looking at:
	// 14 Ethernet + 20 IPv4 + 8 ICMP + 8 payload.
	minFrameLen = etherHeaderLen + 20 + 8 + 8

	etherTypeVLAN = 0x8100
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	protoICMPv4 = 1
	protoICMPv6 = 58

	// icmpHeaderLen is the fixed ICMP/ICMPv6 header length before the
	// quoted original packet.
	icmpHeaderLen = 8

	// ipv6HeaderLen is the fixed IPv6 header length. Extension headers
	// are not parsed; frames carrying them fail the next-header check.
	ipv6HeaderLen = 40
)

// Verdict is the classifier's decision for one frame.
//
// On admit, Key aliases the source-address bytes inside the frame
// (4 for IPv4, 16 for IPv6) and is only valid for the frame's lifetime.
// On reject, Reason carries a short human-readable explanation for
// verbose tracing; Key may still be set if the source address was
// reached before the rejecting stage.
type Verdict struct {
	OK     bool
	Key    []byte
	Reason string
}

// reject builds a rejecting Verdict, keeping whatever key bytes were
// extracted so verbose output can name the source.
func reject(key []byte, reason string) Verdict {
	return Verdict{Key: key, Reason: reason}
}

// Classify runs the validation pipeline over a raw Ethernet frame.
// ports is the optional L4 source-port whitelist; nil disables the
// inner-payload check. The frame is never mutated.
func Classify(p []byte, ports *bitmap.Bitmap) Verdict {
	if len(p) < minFrameLen {
		return reject(nil, "unknown")
	}

	// Never re-process our own re-injected broadcasts.
	if p[0] == 0xff && p[1] == 0xff && p[2] == 0xff &&
		p[3] == 0xff && p[4] == 0xff && p[5] == 0xff {
		return reject(nil, "unknown")
	}

	l3 := etherHeaderLen
	etherType := uint16(p[12])<<8 | uint16(p[13])
	if etherType == etherTypeVLAN {
		etherType = uint16(p[16])<<8 | uint16(p[17])
		l3 = vlanL3Offset
	}

	var key []byte
	icmpOffset := -1

	switch {
	case etherType == etherTypeIPv4 && p[l3]&0xf0 == 0x40:
		ihl := int(p[l3]&0x0f) * 4
		if ihl < 20 {
			return reject(nil, "IPv4 header invalid length")
		}
		icmpOffset = l3 + ihl

		// Outer 20 bytes of IPv4 and 8 of ICMP, quoted 20 bytes of
		// IPv4 and 8 of L4.
		if p[l3+9] != protoICMPv4 || len(p) < l3+20+icmpHeaderLen+20+8 {
			return reject(nil, "Invalid protocol or too short")
		}
		key = p[l3+12 : l3+16]

	case etherType == etherTypeIPv6 && p[l3]&0xf0 == 0x60:
		icmpOffset = l3 + ipv6HeaderLen

		// Fixed 40 bytes of IPv6 and 8 of ICMPv6, 32 quoted bytes.
		if p[l3+6] != protoICMPv6 || len(p) < l3+ipv6HeaderLen+icmpHeaderLen+32 {
			return reject(nil, "Invalid protocol or too short")
		}
		key = p[l3+8 : l3+24]

	default:
		return reject(nil, "Invalid protocol or too short")
	}

	if ports != nil {
		if v := checkPorts(p, icmpOffset, ports); !v.OK {
			v.Key = key
			return v
		}
	}

	return Verdict{OK: true, Key: key}
}

// checkPorts applies the inner-payload L4 source-port whitelist. The
// quoted packet begins right after the ICMP header; its IP protocol
// field is deliberately ignored and the first two bytes at the L4
// offset are read as a big-endian source port. That holds for TCP,
// UDP, SCTP, DCCP and any other L4 whose header leads with the port.
func checkPorts(p []byte, icmpOffset int, ports *bitmap.Bitmap) Verdict {
	payload := icmpOffset + icmpHeaderLen
	if len(p) < payload+9 {
		return reject(nil, "Payload too short")
	}

	var l4 int
	switch p[payload] & 0xf0 {
	case 0x40:
		l4 = payload + int(p[payload]&0x0f)*4
	case 0x60:
		l4 = payload + ipv6HeaderLen
	default:
		return reject(nil, "Invalid ICMP payload")
	}

	if len(p) < l4+2 {
		return reject(nil, "Too short to read L4 source port")
	}

	sport := uint16(p[l4])<<8 | uint16(p[l4+1])
	if !ports.Get(int(sport)) {
		return reject(nil, "L4 source port not on whitelist")
	}

	return Verdict{OK: true}
}

// KeyString renders a rate-limit key as its source IP address, or "?"
// when no key was extracted before rejection.
func KeyString(key []byte) string {
	addr, ok := netip.AddrFromSlice(key)
	if !ok {
		return "?"
	}
	return addr.String()
}
