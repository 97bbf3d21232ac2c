package netio

import (
	"errors"
	"fmt"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
)

// -------------------------------------------------------------------------
// Capture configuration
// -------------------------------------------------------------------------

// SnapLen is the capture snapshot length. PMTUD ICMP messages quote at
// most the leading bytes of the offending packet, so 2048 comfortably
// covers every relayable frame.
const SnapLen = 2048

// BPFFilter selects ICMP Destination Unreachable / Fragmentation Needed
// (IPv4 type 3 code 4) and ICMPv6 Packet Too Big (type 2 code 0), and
// excludes frames already addressed to the broadcast MAC so the daemon
// never re-captures its own re-injections.
const BPFFilter = "((icmp and icmp[0] == 3 and icmp[1] == 4) or " +
	" (icmp6 and ip6[40+0] == 2 and ip6[40+1] == 0)) and" +
	"(ether dst not ff:ff:ff:ff:ff:ff)"

// readTimeout bounds a single blocking read so the run loop can observe
// context cancellation. Immediate mode still delivers each frame as soon
// as it arrives; the timeout only matters when the wire is quiet.
const readTimeout = 250 * time.Millisecond

// ErrTimeout indicates no frame arrived within the poll interval. The
// caller retries; it is not a failure.
var ErrTimeout = errors.New("capture read timeout")

// ErrNotEthernet indicates the interface does not deliver Ethernet
// frames. The classifier only understands DLT_EN10MB framing.
var ErrNotEthernet = errors.New("capture link type is not Ethernet")

// -------------------------------------------------------------------------
// Capture — BPF-filtered pcap ingress
// -------------------------------------------------------------------------

// Capture wraps an activated pcap handle on a single interface.
//
// The handle is configured with promiscuous mode (ICMP messages destined
// to other backends must be visible), immediate delivery, and the
// compiled BPFFilter.
type Capture struct {
	handle *pcap.Handle
	iface  string
}

// Stats is a snapshot of the capture counters reported on shutdown.
type Stats struct {
	Received     int
	Dropped      int
	IfaceDropped int
}

// NewCapture opens and activates a capture handle on iface.
// Any failure here is a fatal setup error for the daemon.
func NewCapture(iface string) (*Capture, error) {
	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("create capture handle on %s: %w", iface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(SnapLen); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("set immediate mode: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate capture on %s: %w", iface, err)
	}

	if handle.LinkType() != layers.LinkTypeEthernet {
		handle.Close()
		return nil, fmt.Errorf("%s: %w (got %s)", iface, ErrNotEthernet, handle.LinkType())
	}

	if err := handle.SetBPFFilter(BPFFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("compile BPF filter: %w", err)
	}

	return &Capture{handle: handle, iface: iface}, nil
}

// ReadFrame returns the next captured frame and its capture metadata.
// Returns ErrTimeout when the poll interval elapsed without traffic;
// any other error is fatal for the capture.
func (c *Capture) ReadFrame() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := c.handle.ReadPacketData()
	if err != nil {
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			return nil, ci, ErrTimeout
		}
		return nil, ci, fmt.Errorf("read from capture on %s: %w", c.iface, err)
	}
	return data, ci, nil
}

// Stats returns the kernel's capture counters.
func (c *Capture) Stats() (Stats, error) {
	s, err := c.handle.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("capture stats on %s: %w", c.iface, err)
	}
	return Stats{
		Received:     s.PacketsReceived,
		Dropped:      s.PacketsDropped,
		IfaceDropped: s.PacketsIfDropped,
	}, nil
}

// Close releases the pcap handle.
func (c *Capture) Close() {
	c.handle.Close()
}
