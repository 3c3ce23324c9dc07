// Package overlap scores how similar two sets of access-point signal models are.
package overlap

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/roomfi/roomfi/pkg/signal"
)

// Set maps an AP MAC address to its signal model.
type Set map[string]*signal.Sig

// sameStddev is the tolerance under which two Gaussians are treated as equally wide.
const sameStddev = 0.001

// NoOverlap is returned by HistogramScore when the two sets share no MAC.
const NoOverlap = -1.0

// PenaltyAverage asks HistogramScore for the plain average over shared MACs.
const PenaltyAverage = -1.0

func ncdf(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// Gaussian returns the overlapping coefficient of N(m1, s1) and N(m2, s2):
// the area under the minimum of the two densities, in [0, 1].
func Gaussian(m1, s1, m2, s2 float64) float64 {
	if s1 <= 0 || s2 <= 0 {
		return 0
	}

	if math.Abs(s1-s2) < sameStddev {
		s := (s1 + s2) / 2
		return clamp01(2 * ncdf(-0.5*math.Abs(m1-m2)/s))
	}

	// order so that distribution 1 is the narrower one
	if s1 > s2 {
		m1, s1, m2, s2 = m2, s2, m1, s1
	}

	v1, v2 := s1*s1, s2*s2
	a := 1/(2*v1) - 1/(2*v2)
	b := m2/v2 - m1/v1
	c := m1*m1/(2*v1) - m2*m2/(2*v2) + math.Log(s1/s2)

	disc := b*b - 4*a*c
	if disc < 0 {
		disc = 0
	}
	sq := math.Sqrt(disc)
	x1 := (-b - sq) / (2 * a)
	x2 := (-b + sq) / (2 * a)
	if x1 > x2 {
		x1, x2 = x2, x1
	}

	// between the crossings the narrow density is on top, so the minimum
	// follows the wide one there and the narrow one in both tails
	f1 := func(x float64) float64 { return ncdf((x - m1) / s1) }
	f2 := func(x float64) float64 { return ncdf((x - m2) / s2) }
	ovl := f1(x1) + (f2(x2) - f2(x1)) + (1 - f1(x2))
	return clamp01(ovl)
}

// GaussianScore sums, over MACs present in both sets, the Gaussian overlap of
// the two models scaled by their average weight. MACs seen on one side only
// contribute nothing. Models whose statistics cannot be computed are skipped.
func GaussianScore(a, b Set) float64 {
	var score float64
	for mac, sa := range a {
		sb, ok := b[mac]
		if !ok {
			continue
		}
		m1, err1 := sa.Mean()
		s1, err2 := sa.Stddev()
		m2, err3 := sb.Mean()
		s2, err4 := sb.Stddev()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		score += Gaussian(m1, s1, m2, s2) * (sa.Weight + sb.Weight) / 2
	}
	return score
}

// HistogramMin returns the sum over levels of the smaller of the two bin values.
func HistogramMin(a, b *signal.Histogram) float64 {
	alo, ahi := a.Bounds()
	blo, bhi := b.Bounds()
	lo, hi := alo, ahi
	if blo > lo {
		lo = blo
	}
	if bhi < hi {
		hi = bhi
	}
	var sum float64
	for l := lo; l < hi; l++ {
		sum += math.Min(a.At(l), b.At(l))
	}
	return sum
}

// HistogramScore compares two sets by histogram intersection.
//
// Each shared MAC adds its histogram intersection weighted by the average of
// the two weights. Each MAC present on only one side subtracts weight/penalty;
// penalty <= 0 disables the subtraction. PenaltyAverage returns the plain,
// unweighted average intersection over shared MACs instead.
// NoOverlap is returned when no MAC is shared.
func HistogramScore(a, b Set, penalty float64) float64 {
	var score float64
	shared := 0

	for mac, sa := range a {
		sb, ok := b[mac]
		if !ok {
			if penalty > 0 {
				score -= sa.Weight / penalty
			}
			continue
		}
		shared++
		m := HistogramMin(sa.Histogram(), sb.Histogram())
		if penalty == PenaltyAverage {
			score += m
		} else {
			score += m * (sa.Weight + sb.Weight) / 2
		}
	}
	if penalty > 0 {
		for mac, sb := range b {
			if _, ok := a[mac]; !ok {
				score -= sb.Weight / penalty
			}
		}
	}

	if shared == 0 {
		return NoOverlap
	}
	if penalty == PenaltyAverage {
		return score / float64(shared)
	}
	return score
}

// MACOverlap blends Jaccard similarity, precision and recall of two MAC sets:
// (|A∩B|/|A∪B| + |A∩B|/|A| + |A∩B|/|B|) / 3. Empty sets give 0.
func MACOverlap[V1, V2 any](a map[string]V1, b map[string]V2) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for mac := range a {
		if _, ok := b[mac]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	i := float64(inter)
	union := float64(len(a) + len(b) - inter)
	return (i/union + i/float64(len(a)) + i/float64(len(b))) / 3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
