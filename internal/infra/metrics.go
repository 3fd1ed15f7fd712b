package infra

import (
	"sync/atomic"
)

// Metrics holds the node's operational counters. An instance is injected
// into each component that records to it.
type Metrics struct {
	// Counters
	ordersSubmitted   atomic.Uint64
	ordersRejected    atomic.Uint64
	matchesExecuted   atomic.Uint64
	cancelsProcessed  atomic.Uint64
	broadcastFailures atomic.Uint64
	syncsCompleted    atomic.Uint64
	syncFailures      atomic.Uint64
	requestsServed    atomic.Uint64
	requestsSkipped   atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordOrderSubmitted records a locally accepted submission.
func (m *Metrics) RecordOrderSubmitted() {
	m.ordersSubmitted.Add(1)
}

// RecordOrderRejected records a submission rejected by validation.
func (m *Metrics) RecordOrderRejected() {
	m.ordersRejected.Add(1)
}

// RecordMatches records executed matches.
func (m *Metrics) RecordMatches(n int) {
	if n > 0 {
		m.matchesExecuted.Add(uint64(n))
	}
}

// RecordCancel records a processed cancellation.
func (m *Metrics) RecordCancel() {
	m.cancelsProcessed.Add(1)
}

// RecordBroadcastFailure records a swallowed or surfaced broadcast failure.
func (m *Metrics) RecordBroadcastFailure() {
	m.broadcastFailures.Add(1)
}

// RecordSync records the outcome of one sync cycle.
func (m *Metrics) RecordSync(ok bool) {
	if ok {
		m.syncsCompleted.Add(1)
	} else {
		m.syncFailures.Add(1)
	}
}

// RecordRequestServed records a dispatched inbound request.
func (m *Metrics) RecordRequestServed() {
	m.requestsServed.Add(1)
}

// RecordRequestSkipped records a self-originated request that was skipped.
func (m *Metrics) RecordRequestSkipped() {
	m.requestsSkipped.Add(1)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"orders_submitted":   m.ordersSubmitted.Load(),
		"orders_rejected":    m.ordersRejected.Load(),
		"matches_executed":   m.matchesExecuted.Load(),
		"cancels_processed":  m.cancelsProcessed.Load(),
		"broadcast_failures": m.broadcastFailures.Load(),
		"syncs_completed":    m.syncsCompleted.Load(),
		"sync_failures":      m.syncFailures.Load(),
		"requests_served":    m.requestsServed.Load(),
		"requests_skipped":   m.requestsSkipped.Load(),
	}
}
