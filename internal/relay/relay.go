// Package relay composes the capture-classify-ratelimit-forward
// pipeline and owns the daemon's packet loop.
//
// Exactly one frame is in flight at any time: the loop reads from the
// capture handle, runs the frame through the classifier and both token
// buckets, and only then rewrites the Ethernet addresses and injects.
// No locks are needed anywhere on the packet path.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gopacket/gopacket"

	"github.com/dantte-lp/gopmtud/internal/bitmap"
	"github.com/dantte-lp/gopmtud/internal/classify"
	"github.com/dantte-lp/gopmtud/internal/hashlimit"
	pmtudmetrics "github.com/dantte-lp/gopmtud/internal/metrics"
	"github.com/dantte-lp/gopmtud/internal/netio"
)

// -------------------------------------------------------------------------
// Rate-limit reject reasons
// -------------------------------------------------------------------------

// Reject reasons emitted by the rate-limit stages. The classifier
// carries its own reasons; these two complete the set.
const (
	reasonSourceLimited = "Ratelimited on source IP"
	reasonIfaceLimited  = "Ratelimited on outgoing interface"
)

// ethernet address rewrite boundary: bytes below this offset are the
// destination and source MAC; everything at or past it is forwarded
// verbatim.
const macRewriteLen = 12

// FrameSource yields captured frames. Satisfied by *netio.Capture;
// tests substitute a scripted source.
type FrameSource interface {
	ReadFrame() ([]byte, gopacket.CaptureInfo, error)
}

// -------------------------------------------------------------------------
// Relay
// -------------------------------------------------------------------------

// Config assembles the relay's collaborators. All fields except Ports
// are required.
type Config struct {
	// Sources is the per-source-address rate-limit table.
	Sources *hashlimit.Table

	// Ifaces is the global egress rate-limit table (capacity 1).
	Ifaces *hashlimit.Table

	// Ports is the optional L4 source-port whitelist.
	Ports *bitmap.Bitmap

	// Injector transmits admitted frames.
	Injector netio.Injector

	// DryRun skips transmission while leaving every classify and
	// rate-limit decision in place.
	DryRun bool

	// Verbose is the per-packet trace level: >=1 logs forwarded
	// frames, >=2 also rejects with their reason, >=3 appends a hex
	// dump of the frame.
	Verbose int

	Logger  *slog.Logger
	Metrics *pmtudmetrics.Collector
}

// Relay owns the pipeline state. It is driven from a single goroutine.
type Relay struct {
	sources  *hashlimit.Table
	ifaces   *hashlimit.Table
	ports    *bitmap.Bitmap
	injector netio.Injector
	dryRun   bool
	verbose  int
	logger   *slog.Logger
	metrics  *pmtudmetrics.Collector
}

// New creates a Relay from the given configuration.
func New(cfg Config) *Relay {
	return &Relay{
		sources:  cfg.Sources,
		ifaces:   cfg.Ifaces,
		ports:    cfg.Ports,
		injector: cfg.Injector,
		dryRun:   cfg.DryRun,
		verbose:  cfg.Verbose,
		logger:   cfg.Logger.With(slog.String("component", "relay")),
		metrics:  cfg.Metrics,
	}
}

// -------------------------------------------------------------------------
// Packet path
// -------------------------------------------------------------------------

// HandleFrame runs one captured frame through the pipeline and reports
// whether it was admitted for re-injection.
//
// Partial captures are discarded before classification. The frame is
// mutated (broadcast destination, forwarder-attributing source) only
// after the classifier and both rate limiters admit it, so every reject
// leaves the frame exactly as captured.
func (r *Relay) HandleFrame(data []byte, ci gopacket.CaptureInfo) (bool, error) {
	r.metrics.FramesCaptured.Inc()

	if ci.CaptureLength != ci.Length {
		r.metrics.FramesTruncated.Inc()
		return false, nil
	}

	v := classify.Classify(data, r.ports)
	if !v.OK {
		r.metrics.FramesRejected.WithLabelValues(v.Reason).Inc()
		r.logReject(v.Key, v.Reason, data)
		return false, nil
	}

	if !r.sources.TouchBytes(v.Key) {
		r.metrics.FramesRatelimited.WithLabelValues(pmtudmetrics.AxisSource).Inc()
		r.logReject(v.Key, reasonSourceLimited, data)
		return false, nil
	}
	if !r.ifaces.Touch(0) {
		r.metrics.FramesRatelimited.WithLabelValues(pmtudmetrics.AxisIface).Inc()
		r.logReject(v.Key, reasonIfaceLimited, data)
		return false, nil
	}

	// Admitted. Re-address for broadcast: destination all-ones, source
	// set to the original destination so the frame is attributable to
	// the forwarding node rather than the original sender. Bytes past
	// the MAC header stay verbatim, checksums included.
	var dst [6]byte
	copy(dst[:], data[0:6])
	for i := 0; i < 6; i++ {
		data[i] = 0xff
	}
	copy(data[6:macRewriteLen], dst[:])

	r.metrics.FramesForwarded.WithLabelValues(family(v.Key)).Inc()
	r.logForward(v.Key, data)

	if r.dryRun {
		return true, nil
	}

	if err := r.injector.Send(data); err != nil {
		return true, fmt.Errorf("inject frame: %w", err)
	}
	return true, nil
}

// Run drains the frame source until ctx is cancelled. Read timeouts
// poll for cancellation; any other source error is fatal.
func (r *Relay) Run(ctx context.Context, src FrameSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		data, ci, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, netio.ErrTimeout) {
				continue
			}
			return fmt.Errorf("capture loop: %w", err)
		}

		if _, err := r.HandleFrame(data, ci); err != nil {
			return err
		}
	}
}

// -------------------------------------------------------------------------
// Verbose tracing
// -------------------------------------------------------------------------

// logForward traces an admitted frame at verbose >= 1.
func (r *Relay) logForward(key, data []byte) {
	if r.verbose < 1 {
		return
	}
	attrs := []any{
		slog.String("src", classify.KeyString(key)),
		slog.String("reason", "transmitting"),
	}
	if r.verbose >= 3 {
		attrs = append(attrs, slog.String("frame", hex.EncodeToString(data)))
	}
	r.logger.Info("forwarded", attrs...)
}

// logReject traces a rejected frame at verbose >= 2.
func (r *Relay) logReject(key []byte, reason string, data []byte) {
	if r.verbose < 2 {
		return
	}
	attrs := []any{
		slog.String("src", classify.KeyString(key)),
		slog.String("reason", reason),
	}
	if r.verbose >= 3 {
		attrs = append(attrs, slog.String("frame", hex.EncodeToString(data)))
	}
	r.logger.Info("rejected", attrs...)
}

// family maps a rate-limit key length to its metrics label.
func family(key []byte) string {
	if len(key) == 4 {
		return "ipv4"
	}
	return "ipv6"
}
