// Package netio provides the daemon's packet I/O: a BPF-filtered pcap
// capture handle for ingress and a raw AF_PACKET socket for broadcast
// re-injection on egress.
//
// The Linux-specific injector uses golang.org/x/sys/unix; interface
// resolution goes through vishvananda/netlink.
package netio
