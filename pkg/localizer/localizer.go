// Package localizer turns the live WiFi fingerprint into a location estimate.
//
// Areas are first recalled by MAC overlap, then the spaces inside them, and
// the surviving spaces are ranked by histogram overlap. A refresh scheduler
// keeps the spatial index in step with the signature server, one request at
// a time.
//
// All state is owned by the goroutine running Run. Other goroutines submit
// work through Do; CurrentEstimate and QueryCurrentEstimate may be called
// from anywhere.
package localizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/overlap"
	"github.com/roomfi/roomfi/pkg/scan"
	"github.com/roomfi/roomfi/pkg/sigserver"
	"github.com/roomfi/roomfi/pkg/spatial"
	"github.com/roomfi/roomfi/pkg/stats"
	"github.com/roomfi/roomfi/pkg/telem"
)

var (
	// ErrInvalidName is returned for malformed area or space names.
	ErrInvalidName = spatial.ErrInvalidName
	// ErrEmptyFingerprint is returned when binding before any scan.
	ErrEmptyFingerprint = errors.New("localizer: no access points in view")
)

// SignatureService is the signature server.
type SignatureService interface {
	GetAreas(ctx context.Context, mac, mac2 string) ([]string, error)
	GetMap(ctx context.Context, area string, ifModifiedSince time.Time) (*sigserver.MapResponse, error)
}

// Publisher receives every change of the estimate.
type Publisher interface {
	PublishEstimate(est Estimate) error
}

// BindSink stores bind payloads until they are delivered.
type BindSink interface {
	Enqueue(location string, payload []byte) (string, error)
}

// AreaCache mirrors signature documents on disk.
type AreaCache interface {
	Save(name string, doc []byte, modified time.Time) error
	Remove(name string) error
	LoadAll() ([]*spatial.AreaDesc, error)
}

// History records emitted estimates and notable events.
type History interface {
	Record(r telem.Record)
	AddEvent(e telem.Event)
}

// Deps are the collaborators of a Localizer. Service is required; the others
// may be nil.
type Deps struct {
	Service   SignatureService
	Publisher Publisher
	Binds     BindSink
	Cache     AreaCache
	History   History
	Stats     *stats.Stats
}

// Estimate is the current location estimate.
type Estimate struct {
	Name       string    `json:"name"`
	Country    string    `json:"country,omitempty"`
	Region     string    `json:"region,omitempty"`
	City       string    `json:"city,omitempty"`
	Area       string    `json:"area,omitempty"`
	Floor      string    `json:"floor,omitempty"`
	Space      string    `json:"space,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Stamp      time.Time `json:"stamp"`
}

// Known reports whether the estimate names a space.
func (e Estimate) Known() bool {
	return e.Name != "" && e.Name != Unknown
}

func newEstimate(area *spatial.AreaDesc, space *spatial.SpaceDesc, score, confidence float64, now time.Time) Estimate {
	est := Estimate{
		Name:       area.Name + "/" + space.Name,
		Space:      space.Name,
		Tags:       space.Tags,
		Score:      score,
		Confidence: confidence,
		Stamp:      now,
	}
	parts := strings.Split(area.Name, "/")
	est.Country, est.Region, est.City, est.Area = parts[0], parts[1], parts[2], parts[3]
	if len(parts) == spatial.MaxAreaDepth {
		est.Floor = parts[4]
	}
	return est
}

// Localizer owns the scan buffer, the spatial index and the refresh scheduler.
type Localizer struct {
	cfg    Config
	logger *logx.Logger

	queue *scan.Queue
	index *spatial.Index
	stats *stats.Stats

	svc     SignatureService
	pub     Publisher
	binds   BindSink
	cache   AreaCache
	history History

	mu       sync.RWMutex
	estimate Estimate
	emitted  string

	refresh refreshState
	// undelivered binds per area; such areas survive a 404 from the server
	pendingBinds map[string]int
	ops          chan func()
	results chan FetchResult

	rand *rand.Rand
	now  func() time.Time
}

// New creates a Localizer with an empty index.
func New(cfg Config, deps Deps, logger *logx.Logger) (*Localizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid localizer config: %w", err)
	}
	if deps.Service == nil {
		return nil, errors.New("localizer: signature service required")
	}
	if deps.Stats == nil {
		deps.Stats = stats.New(stats.DefaultAlpha)
	}

	l := &Localizer{
		cfg:     cfg,
		logger:  logger,
		queue:   scan.NewQueue(cfg.Scan, logger),
		index:   spatial.NewIndex(),
		stats:   deps.Stats,
		svc:     deps.Service,
		pub:     deps.Publisher,
		binds:   deps.Binds,
		cache:   deps.Cache,
		history: deps.History,
		ops:     make(chan func()),
		results: make(chan FetchResult, 1),

		pendingBinds: make(map[string]int),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	l.estimate = Estimate{Name: Unknown}
	l.emitted = Unknown
	l.refresh.init(cfg)
	l.queue.OnScanCompleted(l.onScan)
	return l, nil
}

// SetClock replaces the time source of the localizer and its scan buffer.
func (l *Localizer) SetClock(now func() time.Time) {
	l.now = now
	l.queue.SetClock(now)
	l.stats.SetClock(now)
	l.refresh.backoff.Clock = clockFunc(now)
	l.refresh.backoff.Reset()
}

// SetRand replaces the random source used to pick loud MACs.
func (l *Localizer) SetRand(r *rand.Rand) {
	l.rand = r
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Stats returns the telemetry collector.
func (l *Localizer) Stats() *stats.Stats {
	return l.stats
}

// LoadCache fills the index from the disk mirror. Cached areas are marked
// touched so the next refresh pass revalidates them.
func (l *Localizer) LoadCache() error {
	if l.cache == nil {
		return nil
	}
	areas, err := l.cache.LoadAll()
	if err != nil {
		return fmt.Errorf("load area cache: %w", err)
	}
	now := l.now()
	for _, a := range areas {
		a.LastAccess = now
		a.Touched = true
		l.index.Put(a)
	}
	l.stats.SetAreaCount(l.index.Len())
	l.logger.Info("area cache loaded", "areas", len(areas), "spaces", l.index.SpaceCount())
	return nil
}

// AddReading adds one access point to the scan in progress.
func (l *Localizer) AddReading(mac, ssid string, frequency int16, strength int8) bool {
	return l.queue.AddReading(mac, ssid, frequency, strength)
}

// ScanCompleted closes the scan in progress and re-localizes.
func (l *Localizer) ScanCompleted() bool {
	return l.queue.ScanCompleted()
}

// HandleMotionChange forwards a motion event to the scan buffer.
func (l *Localizer) HandleMotionChange(m scan.Motion) {
	l.queue.HandleMotionChange(m)
}

// SubmitScan runs a complete scan through the loop.
func (l *Localizer) SubmitScan(ctx context.Context, readings []scan.Reading) (bool, error) {
	var accepted bool
	err := l.Do(ctx, func() {
		for _, r := range readings {
			l.AddReading(r.MAC, r.SSID, r.Frequency, r.Strength)
		}
		accepted = l.ScanCompleted()
	})
	return accepted, err
}

func (l *Localizer) onScan(active int) {
	fp := l.queue.Fingerprint()
	l.stats.RecordScan(active, len(fp))
	l.refresh.scanSeen(l.now())
	l.Localize()
}

type candidate struct {
	area  *spatial.AreaDesc
	space *spatial.SpaceDesc
	score float64
}

// Localize ranks the known spaces against the live fingerprint and emits
// the winner. It never touches the network.
func (l *Localizer) Localize() Estimate {
	now := l.now()
	fp := l.queue.Fingerprint()
	if len(fp) == 0 {
		return l.emitUnknown(now)
	}
	macs := fp.MACs()
	sigs := fp.Sigs()

	var cands []candidate
	for _, area := range l.index.Loaded() {
		if overlap.MACOverlap(macs, area.MACs) <= l.cfg.AreaThreshold {
			continue
		}
		area.LastAccess = now
		for _, name := range area.SpaceNames() {
			sp := area.Spaces[name]
			if overlap.MACOverlap(macs, sp.MACs) <= l.cfg.SpaceThreshold {
				continue
			}
			cands = append(cands, candidate{area: area, space: sp})
		}
	}
	if len(cands) == 0 {
		return l.emitUnknown(now)
	}

	scores := make([]float64, len(cands))
	best := 0
	for i := range cands {
		cands[i].score = overlap.HistogramScore(sigs, cands[i].space.Sigs, l.cfg.Penalty)
		scores[i] = cands[i].score
		if cands[i].score > cands[best].score {
			best = i
		}
	}
	confidence := stats.Confidence(scores)
	win := cands[best]
	l.stats.RecordRanking(len(cands), win.score, confidence)

	est := newEstimate(win.area, win.space, win.score, confidence, now)
	l.emit(est, len(cands))
	return est
}

func (l *Localizer) emitUnknown(now time.Time) Estimate {
	l.stats.RecordRanking(0, 0, 0)
	est := Estimate{Name: Unknown, Stamp: now}
	l.emit(est, 0)
	return est
}

// emit stores the estimate and notifies collaborators when the name changed.
func (l *Localizer) emit(est Estimate, candidates int) {
	l.mu.Lock()
	l.estimate = est
	changed := est.Name != l.emitted
	if changed {
		l.emitted = est.Name
	}
	l.mu.Unlock()

	if !changed {
		return
	}
	l.stats.RecordEstimateChange()
	l.logger.Info("estimate changed", "location", est.Name, "score", est.Score, "confidence", est.Confidence, "candidates", candidates)
	if l.history != nil {
		l.history.Record(telem.Record{
			Timestamp:  est.Stamp,
			Location:   est.Name,
			Score:      est.Score,
			Confidence: est.Confidence,
			Candidates: candidates,
		})
	}
	if l.pub != nil {
		if err := l.pub.PublishEstimate(est); err != nil {
			l.logger.Warn("publish estimate failed", "error", err)
		}
	}
}

// CurrentEstimate returns the fully qualified name of the current space, or Unknown.
func (l *Localizer) CurrentEstimate() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.estimate.Name
}

// QueryCurrentEstimate returns the current estimate with its components.
func (l *Localizer) QueryCurrentEstimate() Estimate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.estimate
}

// Bind stores the live fingerprint as space fullSpaceName inside areaName.
// The index is updated at once; the server learns about it through the
// bind sink.
func (l *Localizer) Bind(areaName, fullSpaceName string, tags ...string) error {
	spaceName, err := spatial.SplitSpaceName(areaName, fullSpaceName)
	if err != nil {
		return err
	}
	sigs := l.queue.Fingerprint().Snapshot()
	if len(sigs) == 0 {
		return ErrEmptyFingerprint
	}

	now := l.now()
	area, _ := l.index.Get(areaName)
	if area == nil {
		area = spatial.NewAreaDesc(areaName)
	}
	area.PutSpace(spatial.NewSpaceDesc(spaceName, sigs, tags))
	area.LastAccess = now
	area.Touched = true
	l.index.Put(area)
	l.stats.SetAreaCount(l.index.Len())
	l.persist(area)

	if l.binds != nil {
		req := sigserver.BindRequest{
			Location:    fullSpaceName,
			EstLocation: l.CurrentEstimate(),
			BindStamp:   now.Unix(),
			DeviceModel: l.cfg.DeviceModel,
			WiFiModel:   l.cfg.WiFiModel,
			APScans:     l.queue.Serialize(now.Add(-l.cfg.BindWindow)),
			Tags:        tags,
			Source:      l.cfg.Source,
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode bind: %w", err)
		}
		if _, err := l.binds.Enqueue(fullSpaceName, payload); err != nil {
			return fmt.Errorf("queue bind: %w", err)
		}
		l.TrackPendingBind(fullSpaceName)
	}
	l.event("info", "space_bound", areaName, fullSpaceName)
	l.logger.Info("space bound", "area", areaName, "space", spaceName, "macs", len(sigs))

	l.Localize()
	return nil
}

// RemoveSpace deletes a space; the area goes too once its last space is gone.
// It reports whether the space existed.
func (l *Localizer) RemoveSpace(areaName, fullSpaceName string) bool {
	spaceName, err := spatial.SplitSpaceName(areaName, fullSpaceName)
	if err != nil {
		l.logger.Warn("remove space rejected", "area", areaName, "space", fullSpaceName, "error", err)
		return false
	}
	area, _ := l.index.Get(areaName)
	if area == nil || !area.RemoveSpace(spaceName) {
		return false
	}

	if len(area.Spaces) == 0 {
		l.index.Remove(areaName)
		if l.cache != nil {
			if err := l.cache.Remove(areaName); err != nil {
				l.logger.Warn("remove cached area failed", "area", areaName, "error", err)
			}
		}
		l.logger.Info("area removed with its last space", "area", areaName)
	} else {
		l.persist(area)
	}
	l.stats.SetAreaCount(l.index.Len())
	l.event("info", "space_removed", areaName, fullSpaceName)
	l.Localize()
	return true
}

// TrackPendingBind records an undelivered bind for the area of location.
// The daemon calls it for outbox entries left over from a previous run.
func (l *Localizer) TrackPendingBind(location string) {
	if area := bindArea(location); area != "" {
		l.pendingBinds[area]++
	}
}

// BindSettled is called once the outbox is done with a bind. A delivered
// bind marks its area so the next map pass picks up the server's copy.
func (l *Localizer) BindSettled(location string, delivered bool) {
	area := bindArea(location)
	if n := l.pendingBinds[area]; n > 1 {
		l.pendingBinds[area] = n - 1
	} else {
		delete(l.pendingBinds, area)
	}
	if a, _ := l.index.Get(area); a != nil && delivered {
		a.Touched = true
	}
}

// PendingBinds returns the number of undelivered binds for an area.
func (l *Localizer) PendingBinds(area string) int {
	return l.pendingBinds[area]
}

func bindArea(location string) string {
	i := strings.LastIndex(location, "/")
	if i <= 0 {
		return ""
	}
	return location[:i]
}

// Touch asks for a prompt refresh of an area, adding it as a placeholder
// when it is not known yet.
func (l *Localizer) Touch(areaName string) error {
	if err := spatial.ValidateAreaName(areaName); err != nil {
		return err
	}
	l.index.Touch(areaName)
	l.refresh.nextMap = l.now()
	l.stats.SetAreaCount(l.index.Len())
	l.logger.Debug("area touched", "area", areaName)
	return nil
}

func (l *Localizer) persist(area *spatial.AreaDesc) {
	if l.cache == nil {
		return
	}
	doc, err := spatial.MarshalDocument(area)
	if err != nil {
		l.logger.Warn("encode area failed", "area", area.Name, "error", err)
		return
	}
	if err := l.cache.Save(area.Name, doc, area.LastModified); err != nil {
		l.logger.Warn("cache area failed", "area", area.Name, "error", err)
	}
}

func (l *Localizer) event(level, typ, area, msg string) {
	if l.history == nil {
		return
	}
	l.history.AddEvent(telem.Event{
		Timestamp: l.now(),
		Level:     level,
		Type:      typ,
		Area:      area,
		Message:   msg,
	})
}

// Areas returns the names of all known areas.
func (l *Localizer) Areas() []string {
	return l.index.Names()
}

// Area returns a loaded area.
func (l *Localizer) Area(name string) (*spatial.AreaDesc, bool) {
	a, ok := l.index.Get(name)
	return a, ok && a != nil
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (l *Localizer) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case l.ops <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the localizer until ctx is done.
func (l *Localizer) Run(ctx context.Context) error {
	l.refresh.ctx = ctx
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.logger.Info("localizer started", "areas", l.index.Len())
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("localizer stopped")
			return ctx.Err()
		case fn := <-l.ops:
			fn()
		case res := <-l.results:
			l.handleResult(res)
		case <-ticker.C:
			l.Tick()
		}
	}
}
