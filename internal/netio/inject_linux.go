//go:build linux

package netio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// RawInjector — AF_PACKET egress socket
// -------------------------------------------------------------------------

// RawInjector implements Injector over an AF_PACKET SOCK_RAW socket
// bound to a single interface. Frames are transmitted exactly as given,
// including the Ethernet header; the kernel recomputes nothing.
type RawInjector struct {
	fd     int
	iface  string
	mu     sync.Mutex
	closed bool
}

// NewRawInjector opens a raw link-layer socket bound to iface.
// Requires CAP_NET_RAW; failure is a fatal setup error.
func NewRawInjector(iface string) (*RawInjector, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("resolve interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  link.Attrs().Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		closeErr := unix.Close(fd)
		return nil, errors.Join(
			fmt.Errorf("bind raw socket to %s (ifindex %d): %w", iface, link.Attrs().Index, err),
			closeErr,
		)
	}

	return &RawInjector{fd: fd, iface: iface}, nil
}

// Send writes one frame to the bound interface. Sends are
// fire-and-forget: ENOBUFS during IRQ storms is swallowed, every other
// send error is returned and treated as fatal by the caller.
func (r *RawInjector) Send(frame []byte) error {
	_, err := unix.Write(r.fd, frame)
	if err != nil && !errors.Is(err, unix.ENOBUFS) {
		return fmt.Errorf("send on %s: %w", r.iface, err)
	}
	return nil
}

// Close releases the raw socket.
func (r *RawInjector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if err := unix.Close(r.fd); err != nil {
		return fmt.Errorf("close raw socket on %s: %w", r.iface, err)
	}
	return nil
}

// htons converts a short to network byte order for sockaddr_ll and the
// AF_PACKET protocol argument.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
