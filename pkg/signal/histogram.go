// Package signal models the received signal strength of a single access point
// as a kernel-smoothed histogram over signal levels.
package signal

import "math"

// Histogram levels are positive dBm magnitudes: a reading of -42 dBm lands on level 42.
const (
	MinLevel        = 20
	MaxLevel        = 100
	NumBins         = MaxLevel - MinLevel
	KernelHalfWidth = 4
)

// kernel is the symmetric smoothing kernel added per observation, centre tap in the middle.
var kernel = [2*KernelHalfWidth + 1]float64{
	0.0276, 0.0663, 0.1238, 0.1802, 0.2042, 0.1802, 0.1238, 0.0663, 0.0276,
}

// Kind tags the histogram variant.
type Kind int

const (
	// KindDynamic accumulates raw kernel contributions and backs a live fingerprint entry.
	KindDynamic Kind = iota
	// KindStatic is a normalized, immutable histogram used for stored signatures.
	KindStatic
)

func (k Kind) String() string {
	switch k {
	case KindDynamic:
		return "dynamic"
	case KindStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Histogram holds bin values for levels [MinLevel, MaxLevel).
// min and max bound the populated levels; At returns 0 outside [min, max).
type Histogram struct {
	kind Kind
	bins [NumBins]float64
	min  int
	max  int
}

// NewDynamicHistogram returns an empty mutable histogram.
func NewDynamicHistogram() *Histogram {
	return &Histogram{kind: KindDynamic}
}

// Kind reports the variant.
func (h *Histogram) Kind() Kind {
	return h.kind
}

// Bounds returns the populated level range [min, max).
func (h *Histogram) Bounds() (int, int) {
	return h.min, h.max
}

// IsZero reports whether no level has been populated.
func (h *Histogram) IsZero() bool {
	return h.min >= h.max
}

// At returns the bin value for a level.
func (h *Histogram) At(level int) float64 {
	if level < h.min || level >= h.max {
		return 0
	}
	return h.bins[level-MinLevel]
}

// Sum returns the total mass of the histogram.
func (h *Histogram) Sum() float64 {
	var s float64
	for l := h.min; l < h.max; l++ {
		s += h.bins[l-MinLevel]
	}
	return s
}

// ClampLevel maps a level onto the histogram range.
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level >= MaxLevel {
		return MaxLevel - 1
	}
	return level
}

// LevelFor converts an RSSI in dBm to a clamped histogram level.
func LevelFor(rssi int) int {
	if rssi < 0 {
		rssi = -rssi
	}
	return ClampLevel(rssi)
}

// addKernel adds (weight > 0) or subtracts (weight < 0) weight copies of the
// kernel centred on level. Taps outside the histogram range are dropped.
func (h *Histogram) addKernel(level int, weight float64) {
	lo := level - KernelHalfWidth
	hi := level + KernelHalfWidth + 1
	for i, k := range kernel {
		l := level - KernelHalfWidth + i
		if l < MinLevel || l >= MaxLevel {
			continue
		}
		v := h.bins[l-MinLevel] + weight*k
		if v < 0 {
			v = 0
		}
		h.bins[l-MinLevel] = v
	}

	if weight <= 0 {
		return
	}
	if lo < MinLevel {
		lo = MinLevel
	}
	if hi > MaxLevel {
		hi = MaxLevel
	}
	if h.IsZero() {
		h.min, h.max = lo, hi
		return
	}
	if lo < h.min {
		h.min = lo
	}
	if hi > h.max {
		h.max = hi
	}
}

// normalized returns a static copy with every bin divided by count.
func (h *Histogram) normalized(count int) *Histogram {
	out := &Histogram{kind: KindStatic, min: h.min, max: h.max}
	if count <= 0 {
		return out
	}
	n := float64(count)
	for l := h.min; l < h.max; l++ {
		out.bins[l-MinLevel] = h.bins[l-MinLevel] / n
	}
	return out
}

// staticFromDensity builds a static histogram from arbitrary non-negative bin values,
// rescaled so they sum to one.
func staticFromDensity(values [NumBins]float64) *Histogram {
	out := &Histogram{kind: KindStatic, min: MaxLevel, max: MinLevel}
	var total float64
	for i, v := range values {
		if v <= 0 {
			continue
		}
		total += v
		l := i + MinLevel
		if l < out.min {
			out.min = l
		}
		if l+1 > out.max {
			out.max = l + 1
		}
	}
	if total == 0 {
		out.min, out.max = 0, 0
		return out
	}
	for i, v := range values {
		if v > 0 {
			out.bins[i] = v / total
		}
	}
	return out
}

// moments returns the mean level and its standard deviation.
func (h *Histogram) moments() (mean, stddev float64, ok bool) {
	var m0, m1, m2 float64
	for l := h.min; l < h.max; l++ {
		p := h.bins[l-MinLevel]
		x := float64(l)
		m0 += p
		m1 += p * x
		m2 += p * x * x
	}
	if m0 <= 0 {
		return 0, 0, false
	}
	mean = m1 / m0
	variance := m2/m0 - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance), true
}
