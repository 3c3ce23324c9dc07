package signal

import (
	"errors"
	"math"
	"testing"
)

const tolerance = 1e-9

func TestKernelSumsToOne(t *testing.T) {
	var sum float64
	for _, k := range kernel {
		sum += k
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("kernel sums to %v, want 1", sum)
	}
}

func TestAddSignalStrengthSpreadsKernel(t *testing.T) {
	s := NewSig()
	if err := s.AddSignalStrength(-50); err != nil {
		t.Fatalf("add: %v", err)
	}

	h := s.Histogram()
	if h.Kind() != KindStatic {
		t.Fatalf("normalized view should be static, got %v", h.Kind())
	}
	if got := h.At(50); math.Abs(got-0.2042) > tolerance {
		t.Errorf("centre bin = %v, want 0.2042", got)
	}
	if got := h.At(46); math.Abs(got-0.0276) > tolerance {
		t.Errorf("outer bin = %v, want 0.0276", got)
	}
	if got := h.At(45); got != 0 {
		t.Errorf("bin outside kernel = %v, want 0", got)
	}
	lo, hi := h.Bounds()
	if lo != 46 || hi != 55 {
		t.Errorf("bounds = [%d,%d), want [46,55)", lo, hi)
	}
}

func TestKernelClippedAtEdges(t *testing.T) {
	s := NewSig()
	if err := s.AddSignalStrength(-21); err != nil {
		t.Fatal(err)
	}
	lo, hi := s.Histogram().Bounds()
	if lo != MinLevel || hi != 26 {
		t.Errorf("bounds = [%d,%d), want [%d,26)", lo, hi, MinLevel)
	}
	if got := s.Histogram().At(19); got != 0 {
		t.Errorf("At outside range = %v", got)
	}

	// out of range strengths are clamped onto the edge level
	s2 := NewSig()
	if err := s2.AddSignalStrength(-120); err != nil {
		t.Fatal(err)
	}
	if got := s2.Histogram().At(MaxLevel - 1); math.Abs(got-0.2042) > tolerance {
		t.Errorf("clamped centre = %v", got)
	}
}

func TestRemoveSignalStrengthRestores(t *testing.T) {
	s := NewSig()
	for _, rssi := range []int{-40, -42, -45} {
		if err := s.AddSignalStrength(rssi); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RemoveSignalStrength(-45); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ref := NewSig()
	_ = ref.AddSignalStrength(-40)
	_ = ref.AddSignalStrength(-42)

	for l := MinLevel; l < MaxLevel; l++ {
		if d := math.Abs(s.Histogram().At(l) - ref.Histogram().At(l)); d > 1e-9 {
			t.Fatalf("level %d differs by %v", l, d)
		}
	}

	if err := s.RemoveSignalStrength(-70); !errors.Is(err, ErrNotObserved) {
		t.Errorf("expected ErrNotObserved, got %v", err)
	}

	_ = s.RemoveSignalStrength(-40)
	_ = s.RemoveSignalStrength(-42)
	if !s.Empty() {
		t.Error("sig should be empty after removing all observations")
	}
	if err := s.Normalize(); !errors.Is(err, ErrEmptyHistogram) {
		t.Errorf("Normalize on empty = %v, want ErrEmptyHistogram", err)
	}
	if _, err := s.Mean(); !errors.Is(err, ErrEmptyHistogram) {
		t.Errorf("Mean on empty = %v, want ErrEmptyHistogram", err)
	}
}

func TestMeanAndStddev(t *testing.T) {
	s := NewSig()
	for i := 0; i < 10; i++ {
		_ = s.AddSignalStrength(-60)
	}
	mean, err := s.Mean()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mean+60) > 1e-6 {
		t.Errorf("mean = %v, want -60", mean)
	}
	sd, _ := s.Stddev()
	// a single repeated level carries only the kernel's own spread
	if sd < 1.5 || sd > 2.2 {
		t.Errorf("stddev = %v, want kernel spread around 1.85", sd)
	}

	_ = s.AddSignalStrength(-70)
	mean2, _ := s.Mean()
	if mean2 >= mean {
		t.Errorf("mean should move down after a weaker reading: %v -> %v", mean, mean2)
	}
}

func TestStaticSigIsImmutable(t *testing.T) {
	s := NewStaticSig(-42, 3, 0.5, "42=2")
	if !s.IsStatic() {
		t.Fatal("expected static sig")
	}
	if err := s.AddSignalStrength(-40); !errors.Is(err, ErrStaticHistogram) {
		t.Errorf("add on static = %v", err)
	}
	if err := s.RemoveSignalStrength(-42); !errors.Is(err, ErrStaticHistogram) {
		t.Errorf("remove on static = %v", err)
	}
	mean, _ := s.Mean()
	sd, _ := s.Stddev()
	if mean != -42 || sd != 3 {
		t.Errorf("stored parameters not kept: %v %v", mean, sd)
	}
}

func TestStaticSigSynthesizesGaussian(t *testing.T) {
	s := NewStaticSig(-50, 4, 0.3, "")
	h := s.Histogram()
	if math.Abs(h.Sum()-1) > 1e-9 {
		t.Fatalf("synthesized histogram sums to %v", h.Sum())
	}
	if h.At(50) <= h.At(55) || h.At(50) <= h.At(45) {
		t.Errorf("peak should sit at level 50")
	}
}

func TestSnapshotFreezes(t *testing.T) {
	live := NewSig()
	_ = live.AddSignalStrength(-48)
	_ = live.AddSignalStrength(-52)
	live.Weight = 0.25

	snap, err := live.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	_ = live.AddSignalStrength(-80)

	if !snap.IsStatic() || snap.Weight != 0.25 {
		t.Fatalf("unexpected snapshot: static=%v weight=%v", snap.IsStatic(), snap.Weight)
	}
	if snap.HistogramString() != "48=1 52=1" {
		t.Errorf("snapshot counts = %q", snap.HistogramString())
	}
	if snap.Histogram().At(80) != 0 {
		t.Error("snapshot must not see later observations")
	}

	if _, err := NewSig().Snapshot(); !errors.Is(err, ErrEmptyHistogram) {
		t.Errorf("snapshot of empty sig = %v", err)
	}
}
