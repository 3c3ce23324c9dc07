package overlap

import (
	"math"
	"testing"

	"github.com/roomfi/roomfi/pkg/signal"
)

func TestGaussianIdentical(t *testing.T) {
	if got := Gaussian(-50, 3, -50, 3); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical distributions overlap = %v, want 1", got)
	}
}

func TestGaussianEqualWidth(t *testing.T) {
	// OVL = 2*Phi(-|d|/(2s)); d=2, s=1 -> 2*Phi(-1)
	want := 2 * 0.15865525393145707
	if got := Gaussian(0, 1, 2, 1); math.Abs(got-want) > 1e-6 {
		t.Errorf("overlap = %v, want %v", got, want)
	}
}

func TestGaussianUnequalWidth(t *testing.T) {
	// same mean, sigma 1 and 2: closed form is 1 - 2*(Phi(x)-Phi(x/2)) where
	// x = sqrt(8 ln 2 / 3) is the crossing point.
	x := math.Sqrt(8 * math.Log(2) / 3)
	want := 1 - 2*(ncdf(x)-ncdf(x/2))

	got := Gaussian(0, 1, 0, 2)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("overlap = %v, want %v", got, want)
	}
	if rev := Gaussian(0, 2, 0, 1); math.Abs(rev-got) > 1e-12 {
		t.Errorf("overlap not symmetric: %v vs %v", got, rev)
	}
}

func TestGaussianDecreasesWithDistance(t *testing.T) {
	prev := 1.0
	for d := 1.0; d <= 20; d += 1 {
		got := Gaussian(-50, 3, -50-d, 4)
		if got < 0 || got > 1 {
			t.Fatalf("overlap %v out of range", got)
		}
		if got > prev+1e-12 {
			t.Fatalf("overlap increased at d=%v: %v > %v", d, got, prev)
		}
		prev = got
	}
}

func TestGaussianScoreIgnoresUnshared(t *testing.T) {
	a := Set{
		"aa": signal.NewStaticSig(-50, 3, 0.5, ""),
		"bb": signal.NewStaticSig(-60, 3, 0.5, ""),
	}
	b := Set{
		"aa": signal.NewStaticSig(-50, 3, 0.7, ""),
		"cc": signal.NewStaticSig(-40, 3, 0.3, ""),
	}
	if got := GaussianScore(a, b); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("score = %v, want 0.6", got)
	}
}

func TestHistogramMinSelf(t *testing.T) {
	s := signal.NewStaticSig(-45, 4, 1, "44=2 46=3")
	if got := HistogramMin(s.Histogram(), s.Histogram()); math.Abs(got-1) > 1e-9 {
		t.Errorf("self intersection = %v, want 1", got)
	}
}

func TestHistogramScore(t *testing.T) {
	a := Set{
		"aa": signal.NewStaticSig(-50, 3, 0.5, "50=1"),
		"bb": signal.NewStaticSig(-60, 3, 0.5, "60=1"),
	}
	b := Set{
		"aa": signal.NewStaticSig(-50, 3, 0.5, "50=1"),
		"cc": signal.NewStaticSig(-70, 3, 0.5, "70=1"),
	}

	tests := []struct {
		name    string
		penalty float64
		want    float64
	}{
		// shared aa: 1 * 0.5; bb and cc each cost 0.5/4
		{"penalised", 4, 0.5 - 0.125 - 0.125},
		{"no penalty", 0, 0.5},
		{"average", PenaltyAverage, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HistogramScore(a, b, tt.penalty)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistogramScoreNoSharedMAC(t *testing.T) {
	a := Set{"aa": signal.NewStaticSig(-50, 3, 1, "")}
	b := Set{"bb": signal.NewStaticSig(-50, 3, 1, "")}
	if got := HistogramScore(a, b, 4); got != NoOverlap {
		t.Errorf("score = %v, want NoOverlap", got)
	}
}

func TestHistogramScoreSymmetric(t *testing.T) {
	live := func(weight float64, rssi ...int) *signal.Sig {
		s := signal.NewSig()
		for _, r := range rssi {
			_ = s.AddSignalStrength(r)
		}
		s.Weight = weight
		return s
	}
	a := Set{
		"aa": live(0.4, -40, -41, -43),
		"bb": live(0.3, -55, -57),
		"dd": live(0.3, -80),
	}
	b := Set{
		"aa": signal.NewStaticSig(-42, 3, 0.2, ""),
		"bb": signal.NewStaticSig(-50, 4, 0.5, "49=2 51=4"),
		"cc": signal.NewStaticSig(-70, 3, 0.3, ""),
	}
	for _, p := range []float64{4, 0, PenaltyAverage, 1.5} {
		ab, ba := HistogramScore(a, b, p), HistogramScore(b, a, p)
		if math.Abs(ab-ba) > 1e-12 {
			t.Errorf("penalty %v: %v != %v", p, ab, ba)
		}
	}
}

func TestMACOverlap(t *testing.T) {
	set := func(macs ...string) map[string]struct{} {
		m := make(map[string]struct{})
		for _, mac := range macs {
			m[mac] = struct{}{}
		}
		return m
	}

	tests := []struct {
		name string
		a, b map[string]struct{}
		want float64
	}{
		{"identical", set("a", "b", "c"), set("a", "b", "c"), 1},
		{"disjoint", set("a"), set("b"), 0},
		{"empty", set(), set("a"), 0},
		// inter 1, union 3: (1/3 + 1/2 + 1/2) / 3
		{"partial", set("a", "b"), set("a", "c"), (1.0/3 + 0.5 + 0.5) / 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MACOverlap(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("MACOverlap = %v, want %v", got, tt.want)
			}
			if got < 0 || got > 1 {
				t.Errorf("MACOverlap %v out of [0,1]", got)
			}
		})
	}
}
