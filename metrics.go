package ipcbus

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the handler latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one IPC service instance
type Metrics struct {
	// Outbound traffic
	CallsSent       atomic.Uint64 // Method calls sent
	RepliesReceived atomic.Uint64 // Successful replies consumed
	ErrorReplies    atomic.Uint64 // Error replies consumed
	CallTimeouts    atomic.Uint64 // Calls that returned no reply in time
	RepliesDropped  atomic.Uint64 // Pending calls cancelled unconsumed
	SignalsEmitted  atomic.Uint64 // Signals emitted

	// Inbound traffic
	MethodCallsDispatched atomic.Uint64 // Method calls handed to a handler
	MethodCallsDenied     atomic.Uint64 // Calls dropped by the entitlement gate
	MethodCallsUnknown    atomic.Uint64 // Calls with no registered handler
	SignalsDispatched     atomic.Uint64 // Signal handler invocations
	RepliesSent           atomic.Uint64 // Replies produced by handlers
	ParseErrors           atomic.Uint64 // Inbound messages that failed to parse

	// Handler pool performance
	TotalHandlerNs atomic.Uint64 // Cumulative handler run time
	HandlerCount   atomic.Uint64 // Handler invocations (for averages)

	// Handler latency histogram (cumulative counts)
	// Each bucket[i] contains the count of handlers with latency <= LatencyBuckets[i]
	HandlerLatency [numLatencyBuckets]atomic.Uint64

	// Service lifecycle
	StartTime atomic.Int64 // Service start timestamp (UnixNano)
	StopTime  atomic.Int64 // Service stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordHandler records one handler-pool invocation
func (m *Metrics) RecordHandler(latencyNs uint64) {
	m.TotalHandlerNs.Add(latencyNs)
	m.HandlerCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.HandlerLatency[i].Add(1)
		}
	}
}

// Stop marks the service as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	CallsSent       uint64
	RepliesReceived uint64
	ErrorReplies    uint64
	CallTimeouts    uint64
	RepliesDropped  uint64
	SignalsEmitted  uint64

	MethodCallsDispatched uint64
	MethodCallsDenied     uint64
	MethodCallsUnknown    uint64
	SignalsDispatched     uint64
	RepliesSent           uint64
	ParseErrors           uint64

	AvgHandlerNs    uint64
	HandlerCount    uint64
	HandlerLatency  [numLatencyBuckets]uint64
	UptimeNs        uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CallsSent:             m.CallsSent.Load(),
		RepliesReceived:       m.RepliesReceived.Load(),
		ErrorReplies:          m.ErrorReplies.Load(),
		CallTimeouts:          m.CallTimeouts.Load(),
		RepliesDropped:        m.RepliesDropped.Load(),
		SignalsEmitted:        m.SignalsEmitted.Load(),
		MethodCallsDispatched: m.MethodCallsDispatched.Load(),
		MethodCallsDenied:     m.MethodCallsDenied.Load(),
		MethodCallsUnknown:    m.MethodCallsUnknown.Load(),
		SignalsDispatched:     m.SignalsDispatched.Load(),
		RepliesSent:           m.RepliesSent.Load(),
		ParseErrors:           m.ParseErrors.Load(),
		HandlerCount:          m.HandlerCount.Load(),
	}
	for i := range snap.HandlerLatency {
		snap.HandlerLatency[i] = m.HandlerLatency[i].Load()
	}
	if snap.HandlerCount > 0 {
		snap.AvgHandlerNs = m.TotalHandlerNs.Load() / snap.HandlerCount
	}
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(stop - m.StartTime.Load())
	return snap
}
