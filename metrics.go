package pmixstepd

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks collective and direct-modex activity for one step.
type Metrics struct {
	// Collective (fence) counters
	FencesStarted   atomic.Uint64
	FencesCompleted atomic.Uint64
	FencesTimedOut  atomic.Uint64

	// Byte counters
	FanInBytes  atomic.Uint64 // payload bytes received during fan-in
	FanOutBytes atomic.Uint64 // aggregate bytes delivered during fan-out

	// Direct modex counters
	DmdxRequests atomic.Uint64
	DmdxHits     atomic.Uint64 // served immediately from a fresh local blob
	DmdxDefers   atomic.Uint64 // queued pending a local contribution
	DmdxTimeouts atomic.Uint64

	// Error counters
	WireErrors      atomic.Uint64
	TransportErrors atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // cumulative fence completion latency
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Server lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFenceStart records that a new collective instance began.
func (m *Metrics) RecordFenceStart() {
	m.FencesStarted.Add(1)
}

// RecordFenceComplete records a completed fence and its end-to-end latency.
func (m *Metrics) RecordFenceComplete(fanInBytes, fanOutBytes uint64, latencyNs uint64) {
	m.FencesCompleted.Add(1)
	m.FanInBytes.Add(fanInBytes)
	m.FanOutBytes.Add(fanOutBytes)
	m.recordLatency(latencyNs)
}

// RecordFenceTimeout records a fence that was reset by the timeout sweep.
func (m *Metrics) RecordFenceTimeout() {
	m.FencesTimedOut.Add(1)
}

// RecordDmdxRequest records a direct-modex request and how it was serviced.
func (m *Metrics) RecordDmdxRequest(hit bool) {
	m.DmdxRequests.Add(1)
	if hit {
		m.DmdxHits.Add(1)
	} else {
		m.DmdxDefers.Add(1)
	}
}

// RecordDmdxTimeout records a deferred direct-modex request that expired.
func (m *Metrics) RecordDmdxTimeout() {
	m.DmdxTimeouts.Add(1)
}

// RecordWireError records a malformed-frame rejection.
func (m *Metrics) RecordWireError() {
	m.WireErrors.Add(1)
}

// RecordTransportError records a failed send to a peer node.
func (m *Metrics) RecordTransportError() {
	m.TransportErrors.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the server as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	FencesStarted   uint64
	FencesCompleted uint64
	FencesTimedOut  uint64

	FanInBytes  uint64
	FanOutBytes uint64

	DmdxRequests uint64
	DmdxHits     uint64
	DmdxDefers   uint64
	DmdxTimeouts uint64

	WireErrors      uint64
	TransportErrors uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FencesStarted:   m.FencesStarted.Load(),
		FencesCompleted: m.FencesCompleted.Load(),
		FencesTimedOut:  m.FencesTimedOut.Load(),
		FanInBytes:      m.FanInBytes.Load(),
		FanOutBytes:     m.FanOutBytes.Load(),
		DmdxRequests:    m.DmdxRequests.Load(),
		DmdxHits:        m.DmdxHits.Load(),
		DmdxDefers:      m.DmdxDefers.Load(),
		DmdxTimeouts:    m.DmdxTimeouts.Load(),
		WireErrors:      m.WireErrors.Load(),
		TransportErrors: m.TransportErrors.Load(),
	}

	opCount := m.OpCount.Load()
	totalLatencyNs := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.FencesStarted.Store(0)
	m.FencesCompleted.Store(0)
	m.FencesTimedOut.Store(0)
	m.FanInBytes.Store(0)
	m.FanOutBytes.Store(0)
	m.DmdxRequests.Store(0)
	m.DmdxHits.Store(0)
	m.DmdxDefers.Store(0)
	m.DmdxTimeouts.Store(0)
	m.WireErrors.Store(0)
	m.TransportErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection.
type Observer interface {
	ObserveFenceComplete(fanInBytes, fanOutBytes uint64, latencyNs uint64)
	ObserveFenceTimeout()
	ObserveDmdxRequest(hit bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFenceComplete(uint64, uint64, uint64) {}
func (NoOpObserver) ObserveFenceTimeout()                        {}
func (NoOpObserver) ObserveDmdxRequest(bool)                     {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFenceComplete(fanInBytes, fanOutBytes uint64, latencyNs uint64) {
	o.metrics.RecordFenceComplete(fanInBytes, fanOutBytes, latencyNs)
}

func (o *MetricsObserver) ObserveFenceTimeout() {
	o.metrics.RecordFenceTimeout()
}

func (o *MetricsObserver) ObserveDmdxRequest(hit bool) {
	o.metrics.RecordDmdxRequest(hit)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
