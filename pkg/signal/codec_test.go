package signal

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseHistogram(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantCounts  map[int]int
		wantSkipped int
	}{
		{"empty", "", map[int]int{}, 0},
		{"simple", "40=3 42=5", map[int]int{40: 3, 42: 5}, 0},
		{"negative levels", "-40=3 -42=1", map[int]int{40: 3, 42: 1}, 0},
		{"repeated level accumulates", "40=1 40=2", map[int]int{40: 3}, 0},
		{"out of range ignored", "10=1 100=4 55=2", map[int]int{55: 2}, 2},
		{"garbage skipped", "abc 40=x =3 41=2 42=0", map[int]int{41: 2}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts, skipped := ParseHistogram(tt.in)
			if diff := cmp.Diff(tt.wantCounts, counts); diff != "" {
				t.Errorf("counts mismatch (-want +got):\n%s", diff)
			}
			if skipped != tt.wantSkipped {
				t.Errorf("skipped = %d, want %d", skipped, tt.wantSkipped)
			}
		})
	}
}

func TestFormatHistogramSorted(t *testing.T) {
	got := FormatHistogram(map[int]int{55: 1, 40: 3, 47: 0, 42: 2})
	if got != "40=3 42=2 55=1" {
		t.Errorf("FormatHistogram = %q", got)
	}
}

// Parsing a textual histogram and replaying the same observations one by one
// must produce the same normalized bins.
func TestHistogramRoundTrip(t *testing.T) {
	text := "38=2 41=5 44=1 60=3"

	parsed := NewStaticSig(-45, 5, 0.5, text)

	replayed := NewSig()
	counts, _ := ParseHistogram(text)
	for level, n := range counts {
		for i := 0; i < n; i++ {
			if err := replayed.AddSignalStrength(-level); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := replayed.Normalize(); err != nil {
		t.Fatal(err)
	}

	for l := MinLevel; l < MaxLevel; l++ {
		a, b := parsed.Histogram().At(l), replayed.Histogram().At(l)
		if math.Abs(a-b) > 1e-9 {
			t.Fatalf("level %d: parsed %v replayed %v", l, a, b)
		}
	}
	if replayed.HistogramString() != text {
		t.Errorf("re-serialized = %q, want %q", replayed.HistogramString(), text)
	}
}
