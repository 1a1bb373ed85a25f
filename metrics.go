package planauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginBanned
	MetricRegisterSuccess
	MetricRegisterDuplicate
	MetricSessionCreated
	MetricSessionRevoked
	MetricSessionLimitEnforced
	MetricRotateSuccess
	MetricRotateFailure
	MetricReplayDetected
	MetricCodeSent
	MetricSendThrottled
	MetricVerifySuccess
	MetricVerifyFailure
	MetricVerifyThrottled
	MetricVerifyLocked
	MetricAdminUnlock
	MetricRotateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:         "login_success",
	MetricLoginFailure:         "login_failure",
	MetricLoginRateLimited:     "login_rate_limited",
	MetricLoginBanned:          "login_banned",
	MetricRegisterSuccess:      "register_success",
	MetricRegisterDuplicate:    "register_duplicate",
	MetricSessionCreated:       "session_created",
	MetricSessionRevoked:       "session_revoked",
	MetricSessionLimitEnforced: "session_limit_enforced",
	MetricRotateSuccess:        "rotate_success",
	MetricRotateFailure:        "rotate_failure",
	MetricReplayDetected:       "replay_detected",
	MetricCodeSent:             "verification_code_sent",
	MetricSendThrottled:        "verification_send_throttled",
	MetricVerifySuccess:        "verification_success",
	MetricVerifyFailure:        "verification_failure",
	MetricVerifyThrottled:      "verification_throttled",
	MetricVerifyLocked:         "verification_locked",
	MetricAdminUnlock:          "admin_unlock",
	MetricRotateLatency:        "rotate_latency",
}

// Name returns the stable exposition name of the metric.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs returns every counter and histogram ID in declaration order,
// for exporters that enumerate the full set.
func MetricIDs() []MetricID {
	ids := make([]MetricID, metricIDCount)
	for i := range ids {
		ids[i] = MetricID(i)
	}
	return ids
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// counters are cache-line padded so hot adjacent IDs on different cores do
// not false-share.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// Metrics is the lock-free in-process metrics block. A nil *Metrics is a
// valid no-op receiver.
type Metrics struct {
	enabled    bool
	counters   [metricIDCount]paddedCounter
	histograms [1]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a rotation latency sample. Only MetricRotateLatency has a
// histogram; other IDs are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || id != MetricRotateLatency {
		return
	}
	atomic.AddUint64(&m.histograms[0].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	buckets := make([]uint64, histBucketCount)
	for i := range buckets {
		buckets[i] = atomic.LoadUint64(&m.histograms[0].buckets[i])
	}
	s.Histograms[MetricRotateLatency] = buckets

	return s
}

// HistogramBounds returns the upper bound in milliseconds of each latency
// bucket; the final bucket is unbounded.
func HistogramBounds() []int64 {
	return []int64{5, 10, 25, 50, 100, 250, 500}
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
