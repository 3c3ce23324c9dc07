package signal

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrEmptyHistogram is returned when statistics are requested from a histogram with no mass.
	ErrEmptyHistogram = errors.New("signal: empty histogram")
	// ErrStaticHistogram is returned when mutating a stored signature.
	ErrStaticHistogram = errors.New("signal: static histogram is immutable")
	// ErrNotObserved is returned when removing a level that was never added.
	ErrNotObserved = errors.New("signal: level not observed")
)

// Sig is the signal model of one access point: a histogram over levels,
// its mean and standard deviation, and a weight relative to the other APs.
type Sig struct {
	// Weight is this AP's share of all observations in the window.
	Weight float64

	raw    *Histogram // dynamic accumulation; nil for static sigs
	norm   *Histogram
	counts [NumBins]int
	count  int

	mean       float64
	stddev     float64
	statsValid bool
}

// NewSig returns an empty dynamic Sig.
func NewSig() *Sig {
	return &Sig{raw: NewDynamicHistogram()}
}

// NewStaticSig builds an immutable Sig from stored parameters.
// When hist carries no usable levels the histogram is synthesized from
// the normal density described by mean and stddev.
func NewStaticSig(mean, stddev, weight float64, hist string) *Sig {
	s := &Sig{
		Weight:     weight,
		mean:       mean,
		stddev:     stddev,
		statsValid: true,
	}

	counts, _ := ParseHistogram(hist)
	if len(counts) > 0 {
		raw := NewDynamicHistogram()
		total := 0
		for level, n := range counts {
			raw.addKernel(level, float64(n))
			s.counts[level-MinLevel] += n
			total += n
		}
		s.count = total
		s.norm = raw.normalized(total)
		return s
	}

	s.norm = gaussianHistogram(mean, stddev)
	return s
}

// NewGaussianSig builds a static Sig whose histogram is sampled from the
// normal density of mean and stddev.
func NewGaussianSig(mean, stddev, weight float64) *Sig {
	return NewStaticSig(mean, stddev, weight, "")
}

// IsStatic reports whether the Sig is an immutable stored signature.
func (s *Sig) IsStatic() bool {
	return s.raw == nil
}

// Count returns the number of observations behind the Sig.
func (s *Sig) Count() int {
	return s.count
}

// Empty reports whether a dynamic Sig holds no observations.
func (s *Sig) Empty() bool {
	return s.count == 0 && !s.IsStatic()
}

// AddSignalStrength adds one observation in dBm.
func (s *Sig) AddSignalStrength(rssi int) error {
	if s.IsStatic() {
		return ErrStaticHistogram
	}
	level := LevelFor(rssi)
	s.raw.addKernel(level, 1)
	s.counts[level-MinLevel]++
	s.count++
	s.invalidate()
	return nil
}

// RemoveSignalStrength removes one observation previously added with AddSignalStrength.
func (s *Sig) RemoveSignalStrength(rssi int) error {
	if s.IsStatic() {
		return ErrStaticHistogram
	}
	level := LevelFor(rssi)
	if s.counts[level-MinLevel] == 0 {
		return fmt.Errorf("%w: level %d", ErrNotObserved, level)
	}
	s.counts[level-MinLevel]--
	s.count--
	if s.count == 0 {
		// start clean instead of carrying float residue
		s.raw = NewDynamicHistogram()
	} else {
		s.raw.addKernel(level, -1)
	}
	s.invalidate()
	return nil
}

func (s *Sig) invalidate() {
	s.norm = nil
	s.statsValid = false
}

// Normalize recomputes the normalized view of a dynamic Sig.
func (s *Sig) Normalize() error {
	if s.IsStatic() {
		return nil
	}
	if s.count == 0 {
		return ErrEmptyHistogram
	}
	s.norm = s.raw.normalized(s.count)
	return nil
}

// Histogram returns the normalized histogram used for comparison.
func (s *Sig) Histogram() *Histogram {
	if s.norm == nil {
		if err := s.Normalize(); err != nil {
			return &Histogram{kind: KindStatic}
		}
	}
	return s.norm
}

// Mean returns the mean signal strength in dBm.
func (s *Sig) Mean() (float64, error) {
	if err := s.computeStats(); err != nil {
		return 0, err
	}
	return s.mean, nil
}

// Stddev returns the standard deviation of the signal strength in dB.
func (s *Sig) Stddev() (float64, error) {
	if err := s.computeStats(); err != nil {
		return 0, err
	}
	return s.stddev, nil
}

func (s *Sig) computeStats() error {
	if s.statsValid {
		return nil
	}
	level, sd, ok := s.Histogram().moments()
	if !ok {
		return ErrEmptyHistogram
	}
	s.mean = -level
	s.stddev = sd
	s.statsValid = true
	return nil
}

// Counts returns the observations per level.
func (s *Sig) Counts() map[int]int {
	out := make(map[int]int)
	for i, n := range s.counts {
		if n > 0 {
			out[i+MinLevel] = n
		}
	}
	return out
}

// HistogramString renders the observation counts in "level=count" form.
func (s *Sig) HistogramString() string {
	return FormatHistogram(s.Counts())
}

// Snapshot freezes the current state into a static Sig.
// Normalized histograms are never mutated after creation, so they are shared.
func (s *Sig) Snapshot() (*Sig, error) {
	if err := s.computeStats(); err != nil {
		return nil, err
	}
	out := &Sig{
		Weight:     s.Weight,
		norm:       s.Histogram(),
		counts:     s.counts,
		count:      s.count,
		mean:       s.mean,
		stddev:     s.stddev,
		statsValid: true,
	}
	return out, nil
}

// gaussianHistogram samples the normal density of a (mean dBm, stddev) pair onto levels.
func gaussianHistogram(mean, stddev float64) *Histogram {
	var values [NumBins]float64
	if stddev <= 0 {
		stddev = 1
	}
	dist := distuv.Normal{Mu: math.Abs(mean), Sigma: stddev}
	for i := range values {
		values[i] = dist.Prob(float64(i + MinLevel))
	}
	return staticFromDensity(values)
}
