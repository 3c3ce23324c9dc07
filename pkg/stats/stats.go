// Package stats keeps smoothed localizer telemetry and derives the estimate
// confidence from the ranking margin.
package stats

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// DefaultAlpha is the EWMA smoothing factor.
const DefaultAlpha = 0.3

// EWMA is an exponentially weighted moving average. The first sample seeds it.
type EWMA struct {
	Alpha float64
	value float64
	set   bool
}

// Add folds one sample into the average.
func (e *EWMA) Add(v float64) {
	if !e.set {
		e.value = v
		e.set = true
		return
	}
	e.value = e.Alpha*v + (1-e.Alpha)*e.value
}

// Value returns the current average, 0 before the first sample.
func (e *EWMA) Value() float64 {
	return e.value
}

// Confidence returns the gap between the best and the second best score,
// or 0 with fewer than two scores.
func Confidence(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	inds := make([]int, len(sorted))
	floats.Argsort(sorted, inds)
	n := len(sorted)
	return sorted[n-1] - sorted[n-2]
}

// Snapshot is the stats record exposed to collaborators.
type Snapshot struct {
	ScanQueueSize       int     `json:"scan_queue_size"`
	MACsSeenSize        int     `json:"macs_seen_size"`
	TotalAreaCount      int     `json:"total_area_count"`
	PotentialSpaceCount int     `json:"potential_space_count"`
	ScanRateSec         float64 `json:"scan_rate_sec"`
	NetworkSuccessRate  float64 `json:"network_success_rate"`
	NetworkLatencyMs    float64 `json:"network_latency_ms"`
	OverlapMax          float64 `json:"overlap_max"`
	Confidence          float64 `json:"confidence"`
	ChurnSec            float64 `json:"churn_sec"`
	NetworkRequests     int64   `json:"network_requests"`
}

// Stats collects localizer telemetry. It is safe for concurrent use; the
// localizer loop writes and the query surfaces read.
type Stats struct {
	mu sync.RWMutex

	scanInterval EWMA
	netSuccess   EWMA
	netLatency   EWMA
	churn        EWMA

	lastScan   time.Time
	lastChange time.Time

	scanQueueSize  int
	macsSeen       int
	areaCount      int
	potentialSpace int
	overlapMax     float64
	confidence     float64
	netRequests    int64

	now func() time.Time
}

// New returns empty stats smoothed with alpha; alpha outside (0,1] uses DefaultAlpha.
func New(alpha float64) *Stats {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Stats{
		scanInterval: EWMA{Alpha: alpha},
		netSuccess:   EWMA{Alpha: alpha},
		netLatency:   EWMA{Alpha: alpha},
		churn:        EWMA{Alpha: alpha},
		now:          time.Now,
	}
}

// SetClock replaces the time source.
func (s *Stats) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// RecordScan notes a completed scan and the current buffer and fingerprint sizes.
func (s *Stats) RecordScan(activeScans, macs int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastScan.IsZero() {
		s.scanInterval.Add(now.Sub(s.lastScan).Seconds())
	}
	s.lastScan = now
	s.scanQueueSize = activeScans
	s.macsSeen = macs
}

// RecordNetwork notes the outcome of one request to the signature server.
// Latency is only folded in for successful requests.
func (s *Stats) RecordNetwork(ok bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.netRequests++
	if ok {
		s.netSuccess.Add(1)
		s.netLatency.Add(float64(latency) / float64(time.Millisecond))
		return
	}
	s.netSuccess.Add(0)
}

// RecordEstimateChange notes that the emitted estimate changed.
func (s *Stats) RecordEstimateChange() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastChange.IsZero() {
		s.churn.Add(now.Sub(s.lastChange).Seconds())
	}
	s.lastChange = now
}

// RecordRanking stores the outcome of the latest localization pass.
func (s *Stats) RecordRanking(candidates int, overlapMax, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.potentialSpace = candidates
	s.overlapMax = overlapMax
	s.confidence = confidence
}

// SetAreaCount stores the number of known areas.
func (s *Stats) SetAreaCount(n int) {
	s.mu.Lock()
	s.areaCount = n
	s.mu.Unlock()
}

// Snapshot returns a copy of the current values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		ScanQueueSize:       s.scanQueueSize,
		MACsSeenSize:        s.macsSeen,
		TotalAreaCount:      s.areaCount,
		PotentialSpaceCount: s.potentialSpace,
		ScanRateSec:         s.scanInterval.Value(),
		NetworkSuccessRate:  s.netSuccess.Value(),
		NetworkLatencyMs:    s.netLatency.Value(),
		OverlapMax:          s.overlapMax,
		Confidence:          s.confidence,
		ChurnSec:            s.churn.Value(),
		NetworkRequests:     s.netRequests,
	}
}
