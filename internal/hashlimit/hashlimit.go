// Package hashlimit implements a hash-indexed token-bucket rate limiter.
//
// A Table is a fixed-size, open-addressed array of buckets with
// single-slot placement: a key whose slot is held by a different key
// evicts the prior occupant. Memory is bounded at construction time and
// the admit/deny path performs no allocation.
package hashlimit

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
)

// -------------------------------------------------------------------------
// Bucket and Table
// -------------------------------------------------------------------------

// bucket holds the token state for a single occupant key. The occupant
// is identified by the full 64-bit key hash; a slot whose id differs
// from the toucher's hash is reset rather than chained.
type bucket struct {
	id     uint64
	used   bool
	tokens float64
	last   time.Time
}

// Table is a keyed token-bucket rate limiter.
//
// Invariant: for every occupied bucket, tokens stays within [0, burst].
// Tokens decrease by 1 per admitted event and refill at rate tokens/s,
// clamped to burst, on every touch.
//
// Table is not safe for concurrent use. The daemon touches it from a
// single packet-handling goroutine only.
type Table struct {
	buckets []bucket
	rate    float64
	burst   float64
	clock   clockwork.Clock
}

// New creates a Table with the given slot count, refill rate in events
// per second, and burst ceiling. burst must be >= rate. Prime-ish
// capacities reduce modulo clustering; the daemon uses 8191 for the
// per-source table and 1 for the global interface bucket.
//
// A nil clock defaults to the real clock; tests inject a fake one.
func New(capacity int, rate, burst float64, clock clockwork.Clock) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{
		buckets: make([]bucket, capacity),
		rate:    rate,
		burst:   burst,
		clock:   clock,
	}
}

// -------------------------------------------------------------------------
// Touch — admit/deny decision
// -------------------------------------------------------------------------

// Touch records one event for a scalar key and reports whether it is
// admitted under the configured rate.
func (t *Table) Touch(key uint64) bool {
	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], key)
	return t.TouchBytes(kb[:])
}

// TouchBytes records one event for an arbitrary byte key (the daemon
// passes 4-byte IPv4 or 16-byte IPv6 source addresses) and reports
// whether it is admitted.
//
// A slot held by a different key is reset to a full bucket for the new
// occupant before the decision. The evicted source loses its spent
// tokens; the only consequence is that its next packet is admitted as
// if it had just arrived. The per-key cap is an advisory ceiling, not a
// security property, so this is acceptable in exchange for bounded
// memory and constant worst-case time.
func (t *Table) TouchBytes(key []byte) bool {
	id := xxhash.Sum64(key)
	b := &t.buckets[id%uint64(len(t.buckets))]
	now := t.clock.Now()

	if !b.used || b.id != id {
		b.id = id
		b.used = true
		b.tokens = t.burst
		b.last = now
	} else {
		b.tokens += t.rate * now.Sub(b.last).Seconds()
		if b.tokens > t.burst {
			b.tokens = t.burst
		}
		b.last = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}
