package netio

// Injector transmits raw Ethernet frames on the capture segment.
//
// The interface is intentionally minimal so the relay can be exercised
// in tests with a recording implementation, without CAP_NET_RAW.
type Injector interface {
	// Send transmits one frame verbatim. Transient kernel buffer
	// exhaustion is absorbed by the implementation; any returned
	// error is fatal for the daemon.
	Send(frame []byte) error

	// Close releases the underlying socket resources.
	Close() error
}
