package stats

import (
	"math"
	"testing"
	"time"
)

func TestEWMA(t *testing.T) {
	e := EWMA{Alpha: 0.3}
	if e.Value() != 0 {
		t.Fatalf("initial value = %v", e.Value())
	}
	e.Add(10)
	if e.Value() != 10 {
		t.Errorf("first sample should seed the average, got %v", e.Value())
	}
	e.Add(20)
	if math.Abs(e.Value()-13) > 1e-9 {
		t.Errorf("after 10,20 = %v, want 13", e.Value())
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"none", nil, 0},
		{"single", []float64{0.8}, 0},
		{"two", []float64{0.2, 0.7}, 0.5},
		{"unordered", []float64{0.1, 0.9, -1, 0.6}, 0.3},
		{"tie", []float64{0.4, 0.4}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Confidence(tt.scores); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Confidence(%v) = %v, want %v", tt.scores, got, tt.want)
			}
		})
	}
}

func TestConfidenceDoesNotReorderInput(t *testing.T) {
	scores := []float64{0.3, 0.9, 0.1}
	Confidence(scores)
	if scores[0] != 0.3 || scores[1] != 0.9 || scores[2] != 0.1 {
		t.Errorf("input mutated: %v", scores)
	}
}

func TestSnapshot(t *testing.T) {
	s := New(0)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	s.RecordScan(1, 4)
	now = now.Add(2 * time.Second)
	s.RecordScan(2, 6)
	now = now.Add(4 * time.Second)
	s.RecordScan(3, 7)

	s.RecordNetwork(true, 100*time.Millisecond)
	s.RecordNetwork(false, time.Second)

	s.RecordEstimateChange()
	now = now.Add(10 * time.Second)
	s.RecordEstimateChange()

	s.RecordRanking(5, 0.8, 0.25)
	s.SetAreaCount(2)

	snap := s.Snapshot()
	if snap.ScanQueueSize != 3 || snap.MACsSeenSize != 7 {
		t.Errorf("sizes = %d, %d; want 3, 7", snap.ScanQueueSize, snap.MACsSeenSize)
	}
	if snap.NetworkRequests != 2 {
		t.Errorf("network requests = %d, want 2", snap.NetworkRequests)
	}
	if math.Abs(snap.ScanRateSec-2.6) > 1e-9 {
		t.Errorf("scan rate = %v, want 2.6", snap.ScanRateSec)
	}
	if math.Abs(snap.NetworkSuccessRate-0.7) > 1e-9 {
		t.Errorf("success rate = %v, want 0.7", snap.NetworkSuccessRate)
	}
	if math.Abs(snap.NetworkLatencyMs-100) > 1e-9 {
		t.Errorf("latency = %v, want 100", snap.NetworkLatencyMs)
	}
	if snap.ChurnSec != 10 {
		t.Errorf("churn = %v, want 10", snap.ChurnSec)
	}
	if snap.PotentialSpaceCount != 5 || snap.OverlapMax != 0.8 || snap.Confidence != 0.25 || snap.TotalAreaCount != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
