package scan

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/signal"
)

// Default buffer dimensions.
const (
	DefaultScans           = 60
	DefaultReadingsPerScan = 50
)

// State is the lifecycle state of a scan slot.
type State int

const (
	// Incomplete slots are being filled or waiting to be reused.
	Incomplete State = iota
	// Active scans contribute to the fingerprint.
	Active
	// Inactive scans fell out of the active window but are kept for serialization.
	Inactive
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Motion is the movement state reported by the motion sensor.
type Motion int

const (
	Stationary Motion = iota
	Moving
	Hibernate
)

func (m Motion) String() string {
	switch m {
	case Stationary:
		return "stationary"
	case Moving:
		return "moving"
	case Hibernate:
		return "hibernate"
	default:
		return "unknown"
	}
}

// ParseMotion maps a motion name onto a Motion.
func ParseMotion(s string) (Motion, error) {
	switch s {
	case "stationary":
		return Stationary, nil
	case "moving":
		return Moving, nil
	case "hibernate":
		return Hibernate, nil
	default:
		return Stationary, fmt.Errorf("unknown motion state %q", s)
	}
}

// Scan is one slot of the circular buffer.
type Scan struct {
	State    State
	Stamp    time.Time
	readings []Reading
}

// Readings returns the readings recorded in the scan.
func (s *Scan) Readings() []Reading {
	return s.readings
}

func (s *Scan) reset() {
	s.State = Incomplete
	s.Stamp = time.Time{}
	s.readings = s.readings[:0]
}

// Config sizes the buffer.
type Config struct {
	Scans           int `json:"scans"`
	ReadingsPerScan int `json:"readings_per_scan"`
	// MaxActive bounds the active window when no motion sensor is available; 0 disables it.
	MaxActive int `json:"max_active"`
}

// DefaultConfig returns the default buffer dimensions
func DefaultConfig() Config {
	return Config{
		Scans:           DefaultScans,
		ReadingsPerScan: DefaultReadingsPerScan,
	}
}

// Queue is a fixed-capacity ring of scans. One slot is always the scan in
// progress; completed scans are Active until they leave the window.
//
// Queue is not safe for concurrent use; it is driven from a single loop.
// Only Fingerprint may be called from other goroutines.
type Queue struct {
	cfg    Config
	scans  []Scan
	cur    int
	fp     atomic.Pointer[Fingerprint]
	total  int
	moved  bool
	onScan func(active int)
	now    func() time.Time
	logger *logx.Logger
}

// NewQueue creates an empty buffer.
func NewQueue(cfg Config, logger *logx.Logger) *Queue {
	if cfg.Scans < 2 {
		cfg.Scans = DefaultScans
	}
	if cfg.ReadingsPerScan <= 0 {
		cfg.ReadingsPerScan = DefaultReadingsPerScan
	}
	if cfg.MaxActive >= cfg.Scans {
		cfg.MaxActive = 0
	}

	q := &Queue{
		cfg:    cfg,
		scans:  make([]Scan, cfg.Scans),
		now:    time.Now,
		logger: logger,
	}
	for i := range q.scans {
		q.scans[i].readings = make([]Reading, 0, cfg.ReadingsPerScan)
	}
	fp := make(Fingerprint)
	q.fp.Store(&fp)
	return q
}

// OnScanCompleted registers the hook run after every accepted scan.
func (q *Queue) OnScanCompleted(fn func(active int)) {
	q.onScan = fn
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Fingerprint returns the current fingerprint. After a motion-triggered
// truncate a new map is swapped in; callers holding the old one keep a
// consistent view.
func (q *Queue) Fingerprint() Fingerprint {
	return *q.fp.Load()
}

// ActiveCount returns the number of Active scans.
func (q *Queue) ActiveCount() int {
	n := 0
	for i := range q.scans {
		if q.scans[i].State == Active {
			n++
		}
	}
	return n
}

// AddReading appends a reading to the scan in progress. It returns false for
// invalid or duplicate MACs, invalid strengths and when the scan is full.
func (q *Queue) AddReading(mac, ssid string, frequency int16, strength int8) bool {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		q.logger.Debug("rejected reading", "error", err)
		return false
	}
	if strength >= 0 {
		q.logger.Debug("rejected reading", "mac", mac, "error", ErrInvalidStrength, "strength", strength)
		return false
	}

	s := &q.scans[q.cur]
	for _, r := range s.readings {
		if r.MAC == mac {
			q.logger.Debug("duplicate mac in scan", "mac", mac)
			return false
		}
	}
	if len(s.readings) >= q.cfg.ReadingsPerScan {
		q.logger.Warn("scan full, dropping reading", "mac", mac, "capacity", q.cfg.ReadingsPerScan)
		return false
	}

	s.readings = append(s.readings, Reading{
		MAC:       mac,
		SSID:      ssid,
		Frequency: frequency,
		Strength:  strength,
	})
	return true
}

// HandleMotionChange records a motion event. Moving and Hibernate make the
// next completed scan truncate the window to itself.
func (q *Queue) HandleMotionChange(m Motion) {
	switch m {
	case Moving, Hibernate:
		q.moved = true
	}
	q.logger.Debug("motion change", "motion", m.String(), "truncate_pending", q.moved)
}

// ScanCompleted finalizes the scan in progress and updates the fingerprint.
// Empty scans and exact repeats of the previous scan are rejected.
func (q *Queue) ScanCompleted() bool {
	s := &q.scans[q.cur]
	if len(s.readings) == 0 {
		return false
	}
	if q.isDuplicate(s) {
		q.logger.Debug("duplicate scan dropped", "readings", len(s.readings))
		s.reset()
		return false
	}

	s.Stamp = q.now()
	s.State = Active
	touched := make(map[string]struct{}, len(s.readings))

	if q.moved {
		q.moved = false
		q.truncate(s, touched)
	} else {
		fp := q.Fingerprint()
		q.apply(s, fp, touched)
		if q.cfg.MaxActive > 0 {
			q.evictBeyondWindow(fp, touched)
		}
	}
	q.recycleNext(touched)

	fp := q.Fingerprint()
	for mac := range touched {
		if ap, ok := fp[mac]; ok {
			if err := ap.Sig.Normalize(); err != nil {
				q.logger.Warn("normalize failed", "mac", mac, "error", err)
			}
		}
	}
	q.rebalance(fp)

	if q.onScan != nil {
		q.onScan(q.ActiveCount())
	}
	return true
}

// isDuplicate reports whether s repeats the previous active scan exactly.
func (q *Queue) isDuplicate(s *Scan) bool {
	prev := &q.scans[(q.cur-1+len(q.scans))%len(q.scans)]
	if prev.State != Active || len(prev.readings) != len(s.readings) {
		return false
	}
	for i, r := range s.readings {
		p := prev.readings[i]
		if p.MAC != r.MAC || p.Strength != r.Strength {
			return false
		}
	}
	return true
}

func (q *Queue) apply(s *Scan, fp Fingerprint, touched map[string]struct{}) {
	for _, r := range s.readings {
		ap, ok := fp[r.MAC]
		if !ok {
			ap = &APDesc{Sig: signal.NewSig()}
			fp[r.MAC] = ap
		}
		ap.UseCount++
		_ = ap.Sig.AddSignalStrength(int(r.Strength))
		touched[r.MAC] = struct{}{}
	}
	q.total += len(s.readings)
}

// remove takes a scan's contributions out of the fingerprint and purges APs
// no scan references any more.
func (q *Queue) remove(s *Scan, fp Fingerprint, touched map[string]struct{}) {
	for _, r := range s.readings {
		ap, ok := fp[r.MAC]
		if !ok {
			q.logger.Warn("scan references unknown ap", "mac", r.MAC)
			continue
		}
		ap.UseCount--
		if err := ap.Sig.RemoveSignalStrength(int(r.Strength)); err != nil {
			q.logger.Warn("remove reading failed", "mac", r.MAC, "error", err)
		}
		if ap.UseCount <= 0 || ap.Sig.Empty() {
			delete(fp, r.MAC)
			delete(touched, r.MAC)
			continue
		}
		touched[r.MAC] = struct{}{}
	}
	q.total -= len(s.readings)
}

// evictBeyondWindow deactivates the oldest active scans until the window fits.
func (q *Queue) evictBeyondWindow(fp Fingerprint, touched map[string]struct{}) {
	n := len(q.scans)
	for q.ActiveCount() > q.cfg.MaxActive {
		for i := 1; i < n; i++ {
			s := &q.scans[(q.cur+i)%n]
			if s.State == Active {
				q.remove(s, fp, touched)
				s.State = Inactive
				break
			}
		}
	}
}

// recycleNext prepares the following slot as the new scan in progress.
func (q *Queue) recycleNext(touched map[string]struct{}) {
	next := (q.cur + 1) % len(q.scans)
	s := &q.scans[next]
	if s.State == Active {
		q.remove(s, q.Fingerprint(), touched)
	}
	s.reset()
	q.cur = next
}

// truncate replaces the fingerprint with one built from s alone and drops
// every other scan, so estimates react at once after the device moved.
func (q *Queue) truncate(s *Scan, touched map[string]struct{}) {
	fp := make(Fingerprint, len(s.readings))
	for _, r := range s.readings {
		sig := signal.NewSig()
		_ = sig.AddSignalStrength(int(r.Strength))
		fp[r.MAC] = &APDesc{Sig: sig, UseCount: 1}
		touched[r.MAC] = struct{}{}
	}
	for i := range q.scans {
		if i != q.cur {
			q.scans[i].reset()
		}
	}
	q.total = len(s.readings)
	q.fp.Store(&fp)
	q.logger.Info("scan window truncated after motion", "macs", len(fp))
}

// rebalance sets every AP's weight to its share of all observations.
func (q *Queue) rebalance(fp Fingerprint) {
	if q.total <= 0 {
		return
	}
	total := float64(q.total)
	for _, ap := range fp {
		ap.Sig.Weight = float64(ap.Sig.Count()) / total
	}
}

// CheckInvariants verifies the bookkeeping between scans and the fingerprint.
func (q *Queue) CheckInvariants() error {
	fp := q.Fingerprint()

	refs := make(map[string]int)
	obs := 0
	for i := range q.scans {
		s := &q.scans[i]
		if s.State != Active {
			continue
		}
		for _, r := range s.readings {
			refs[r.MAC]++
		}
		obs += len(s.readings)
	}
	if obs != q.total {
		return fmt.Errorf("observation count mismatch: scans hold %d, tracked %d", obs, q.total)
	}
	if len(refs) != len(fp) {
		return fmt.Errorf("fingerprint holds %d aps, active scans reference %d", len(fp), len(refs))
	}

	var weights float64
	for mac, ap := range fp {
		if ap.UseCount != refs[mac] {
			return fmt.Errorf("ap %s use count %d, referenced by %d scans", mac, ap.UseCount, refs[mac])
		}
		if ap.Sig.Weight <= 0 || ap.Sig.Weight > 1 {
			return fmt.Errorf("ap %s weight %v out of range", mac, ap.Sig.Weight)
		}
		weights += ap.Sig.Weight
	}
	if len(fp) > 0 && math.Abs(weights-1) > 1e-9 {
		return fmt.Errorf("weights sum to %v", weights)
	}
	return nil
}
