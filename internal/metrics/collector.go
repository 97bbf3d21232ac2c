package pmtudmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gopmtud"
	subsystem = "relay"
)

// Label names for relay metrics.
const (
	labelReason = "reason"
	labelFamily = "family"
	labelAxis   = "axis"
)

// Rate-limit axis label values.
const (
	AxisSource = "source"
	AxisIface  = "iface"
)

// -------------------------------------------------------------------------
// Collector — Prometheus relay metrics
// -------------------------------------------------------------------------

// Collector holds the relay pipeline's Prometheus metrics.
//
// Counters cover every exit from the capture-classify-ratelimit-forward
// chain so drops are attributable: a frame is either forwarded, rejected
// with a reason, rate limited on one of the two axes, or discarded as a
// partial capture.
type Collector struct {
	// FramesCaptured counts frames handed to the pipeline by the
	// capture handle, including ones later rejected.
	FramesCaptured prometheus.Counter

	// FramesForwarded counts frames admitted for broadcast
	// re-injection, labeled by address family. Dry-run admits count
	// here too, keeping the decision stream identical with and
	// without --dry-run.
	FramesForwarded *prometheus.CounterVec

	// FramesRejected counts classifier rejects by reason string.
	FramesRejected *prometheus.CounterVec

	// FramesRatelimited counts token-bucket denies by axis
	// ("source" or "iface").
	FramesRatelimited *prometheus.CounterVec

	// FramesTruncated counts partial captures (caplen < wire length)
	// discarded before classification.
	FramesTruncated prometheus.Counter
}

// NewCollector creates a Collector with all relay metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gopmtud_relay_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesCaptured,
		c.FramesForwarded,
		c.FramesRejected,
		c.FramesRatelimited,
		c.FramesTruncated,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_captured_total",
			Help:      "Total frames delivered by the capture handle.",
		}),

		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_forwarded_total",
			Help:      "Total ICMP frames admitted for broadcast re-injection.",
		}, []string{labelFamily}),

		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_rejected_total",
			Help:      "Total frames rejected by the classifier, by reason.",
		}, []string{labelReason}),

		FramesRatelimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_ratelimited_total",
			Help:      "Total frames denied by a token bucket, by axis.",
		}, []string{labelAxis}),

		FramesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_truncated_total",
			Help:      "Total partial captures discarded before classification.",
		}),
	}
}
