package classify_test

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gopmtud/internal/bitmap"
	"github.com/dantte-lp/gopmtud/internal/classify"
)

// -------------------------------------------------------------------------
// Frame builders
// -------------------------------------------------------------------------

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	bcast  = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// innerIPv4 builds the quoted packet inside the ICMP payload: a 20-byte
// IPv4 header followed by 8 bytes of L4 whose leading two bytes are the
// big-endian source port.
func innerIPv4(t *testing.T, sport uint16) []byte {
	t.Helper()

	l4 := make([]byte, 8)
	l4[0] = byte(sport >> 8)
	l4[1] = byte(sport)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP{198, 51, 100, 7},
			DstIP:    net.IP{10, 0, 0, 1},
		},
		gopacket.Payload(l4),
	)
	require.NoError(t, err)
	return buf.Bytes()
}

// fragNeededFrame builds a complete Ethernet + IPv4 + ICMP(3,4) frame
// quoting an inner IPv4/TCP header with the given source port.
// 14 + 20 + 8 + 28 bytes; optionally 802.1Q tagged (+4).
func fragNeededFrame(t *testing.T, dst net.HardwareAddr, vlan bool, sport uint16) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}

	ls := []gopacket.SerializableLayer{eth}
	if vlan {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{
			VLANIdentifier: 100,
			Type:           layers.EthernetTypeIPv4,
		})
	}

	ls = append(ls,
		&layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.IP{10, 0, 0, 1},
			DstIP:    net.IP{192, 0, 2, 1},
		},
		&layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(
				layers.ICMPv4TypeDestinationUnreachable,
				layers.ICMPv4CodeFragmentationNeeded,
			),
		},
		gopacket.Payload(innerIPv4(t, sport)),
	)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ls...,
	)
	require.NoError(t, err)
	return buf.Bytes()
}

// packetTooBigFrame builds an Ethernet + IPv6 + ICMPv6(2,0) frame with a
// 4-byte MTU field and 32 quoted bytes (an inner IPv6 header fragment).
func packetTooBigFrame(t *testing.T) []byte {
	t.Helper()

	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypePacketTooBig, 0),
	}
	require.NoError(t, icmp6.SetNetworkLayerForChecksum(ip6))

	// 4 bytes MTU + 32 quoted bytes beginning with an IPv6 version nibble.
	payload := make([]byte, 36)
	payload[3] = 0xdc // MTU 1500, low byte
	payload[2] = 0x05
	payload[4] = 0x60

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{
			SrcMAC:       srcMAC,
			DstMAC:       dstMAC,
			EthernetType: layers.EthernetTypeIPv6,
		},
		ip6, icmp6,
		gopacket.Payload(payload),
	)
	require.NoError(t, err)
	return buf.Bytes()
}

func whitelist(ports ...int) *bitmap.Bitmap {
	m := bitmap.New(65536)
	for _, p := range ports {
		m.Set(p)
	}
	return m
}

// -------------------------------------------------------------------------
// Admit path
// -------------------------------------------------------------------------

func TestAdmitIPv4(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 443)
	require.Len(t, frame, 70)

	v := classify.Classify(frame, nil)
	require.True(t, v.OK, "reject: %s", v.Reason)
	require.Equal(t, []byte{10, 0, 0, 1}, v.Key)
}

func TestAdmitVLANTagged(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, true, 443)
	require.Len(t, frame, 74)

	v := classify.Classify(frame, nil)
	require.True(t, v.OK, "reject: %s", v.Reason)
	require.Equal(t, []byte{10, 0, 0, 1}, v.Key)
}

func TestAdmitIPv6PacketTooBig(t *testing.T) {
	t.Parallel()

	frame := packetTooBigFrame(t)
	require.GreaterOrEqual(t, len(frame), 94)

	v := classify.Classify(frame, nil)
	require.True(t, v.OK, "reject: %s", v.Reason)
	require.Len(t, v.Key, 16)
	require.Equal(t, "2001:db8::1", classify.KeyString(v.Key))
}

// -------------------------------------------------------------------------
// Reject path
// -------------------------------------------------------------------------

func TestRejectTooShort(t *testing.T) {
	t.Parallel()

	v := classify.Classify(make([]byte, 49), nil)
	require.False(t, v.OK)
}

func TestRejectBroadcastDestination(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, bcast, false, 443)
	v := classify.Classify(frame, nil)
	require.False(t, v.OK)
	require.Equal(t, "unknown", v.Reason)
}

func TestRejectNonICMPProtocol(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 443)
	frame[23] = 17 // outer protocol: UDP
	v := classify.Classify(frame, nil)
	require.False(t, v.OK)
	require.Equal(t, "Invalid protocol or too short", v.Reason)
}

func TestRejectUnknownEtherType(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 443)
	frame[12], frame[13] = 0x08, 0x06 // ARP
	v := classify.Classify(frame, nil)
	require.False(t, v.OK)
	require.Equal(t, "Invalid protocol or too short", v.Reason)
}

func TestRejectBadIHL(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 443)
	frame[14] = 0x44 // version 4, IHL 4 (16 bytes, below minimum)
	v := classify.Classify(frame, nil)
	require.False(t, v.OK)
	require.Equal(t, "IPv4 header invalid length", v.Reason)
}

func TestRejectShortQuote(t *testing.T) {
	t.Parallel()

	// Outer framing intact but the quoted packet is cut to 4 bytes:
	// below the 20+8 the classifier demands.
	frame := fragNeededFrame(t, dstMAC, false, 443)[:14+20+8+4]
	v := classify.Classify(frame, nil)
	require.False(t, v.OK)
}

func TestRejectIPv6ExtensionHeader(t *testing.T) {
	t.Parallel()

	frame := packetTooBigFrame(t)
	frame[14+6] = 0 // next-header: hop-by-hop, not ICMPv6
	v := classify.Classify(frame, nil)
	require.False(t, v.OK)
	require.Equal(t, "Invalid protocol or too short", v.Reason)
}

// -------------------------------------------------------------------------
// Port whitelist
// -------------------------------------------------------------------------

func TestPortWhitelistReject(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 80)
	v := classify.Classify(frame, whitelist(443))
	require.False(t, v.OK)
	require.Equal(t, "L4 source port not on whitelist", v.Reason)
	require.Equal(t, []byte{10, 0, 0, 1}, v.Key, "reject keeps the source key for tracing")
}

func TestPortWhitelistAdmit(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 8080)
	v := classify.Classify(frame, whitelist(443, 8080))
	require.True(t, v.OK, "reject: %s", v.Reason)
}

func TestPortWhitelistInnerIPv6(t *testing.T) {
	t.Parallel()

	// The quoted packet inside the ICMPv6 message is IPv6: the L4
	// source port sits 40 bytes into the quote. The builder's quote is
	// 32 bytes, so extend the frame to cover the port field.
	frame := packetTooBigFrame(t)
	frame = append(frame, make([]byte, 16)...)

	payload := 14 + 40 + 8 // quoted packet offset
	sport := payload + 40
	frame[sport] = 0x1f // port 8080
	frame[sport+1] = 0x90

	v := classify.Classify(frame, whitelist(8080))
	require.True(t, v.OK, "reject: %s", v.Reason)

	v = classify.Classify(frame, whitelist(443))
	require.False(t, v.OK)
	require.Equal(t, "L4 source port not on whitelist", v.Reason)
}

func TestPortWhitelistBadInnerVersion(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 443)
	frame[42] = 0x25 // inner version nibble neither 4 nor 6
	v := classify.Classify(frame, whitelist(443))
	require.False(t, v.OK)
	require.Equal(t, "Invalid ICMP payload", v.Reason)
}

func TestPortWhitelistTruncatedL4(t *testing.T) {
	t.Parallel()

	// Inner IHL of 15 pushes the L4 offset past the end of the frame.
	frame := fragNeededFrame(t, dstMAC, false, 443)
	frame[42] = 0x4f
	v := classify.Classify(frame, whitelist(443))
	require.False(t, v.OK)
	require.Equal(t, "Too short to read L4 source port", v.Reason)
}

func TestNoWhitelistIgnoresInnerPort(t *testing.T) {
	t.Parallel()

	// Without a configured bitmap the inner payload is not inspected.
	frame := fragNeededFrame(t, dstMAC, false, 80)
	v := classify.Classify(frame, nil)
	require.True(t, v.OK, "reject: %s", v.Reason)
}

func TestFrameNotMutated(t *testing.T) {
	t.Parallel()

	frame := fragNeededFrame(t, dstMAC, false, 443)
	snapshot := append([]byte(nil), frame...)

	classify.Classify(frame, whitelist(443))
	require.Equal(t, snapshot, frame)
}

func TestKeyString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "10.0.0.1", classify.KeyString([]byte{10, 0, 0, 1}))
	require.Equal(t, "?", classify.KeyString(nil))
}
