package localizer

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/roomfi/roomfi/pkg/sigserver"
	"github.com/roomfi/roomfi/pkg/spatial"
)

type fetchKind int

const (
	fetchAreas fetchKind = iota
	fetchMap
)

type fetchRequest struct {
	kind  fetchKind
	area  string
	mac   string
	mac2  string
	since time.Time
}

func (r fetchRequest) key() string {
	if r.kind == fetchAreas {
		return "areas"
	}
	return "map:" + r.area
}

// ResultKind classifies the completion of a fetch.
type ResultKind int

const (
	ResultAreas ResultKind = iota
	ResultMapOK
	ResultMapNotModified
	ResultMapGone
	ResultTransportError
)

func (k ResultKind) String() string {
	switch k {
	case ResultAreas:
		return "areas"
	case ResultMapOK:
		return "map_ok"
	case ResultMapNotModified:
		return "map_not_modified"
	case ResultMapGone:
		return "map_gone"
	case ResultTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchResult is the typed completion of one server request.
type FetchResult struct {
	Kind         ResultKind
	Area         string
	Areas        []string
	Body         []byte
	LastModified time.Time
	Err          error
	Latency      time.Duration

	req fetchRequest
}

// refreshState is the scheduler bookkeeping. Only one request is ever in
// flight; the rest wait in FIFO order and are deduplicated by key.
type refreshState struct {
	ctx      context.Context
	pending  []fetchRequest
	queued   map[string]struct{}
	inFlight bool

	scanned  bool
	nextArea time.Time
	nextMap  time.Time
	retryAt  time.Time
	backoff  *backoff.ExponentialBackOff
	cfg      Config
}

func (r *refreshState) init(cfg Config) {
	r.cfg = cfg
	r.queued = make(map[string]struct{})
	r.backoff = backoff.NewExponentialBackOff()
	r.backoff.InitialInterval = cfg.BackoffInitial
	r.backoff.MaxInterval = cfg.BackoffMax
	r.backoff.MaxElapsedTime = 0
	r.backoff.Reset()
}

// scanSeen schedules the first area lookup shortly after the first scan.
func (r *refreshState) scanSeen(now time.Time) {
	if r.scanned {
		return
	}
	r.scanned = true
	r.nextArea = now.Add(r.cfg.FirstAreaDelay)
}

func (r *refreshState) enqueue(req fetchRequest) bool {
	k := req.key()
	if _, ok := r.queued[k]; ok {
		return false
	}
	r.queued[k] = struct{}{}
	r.pending = append(r.pending, req)
	return true
}

// Tick runs due refresh passes and starts the next fetch if none is in flight.
func (l *Localizer) Tick() {
	now := l.now()
	r := &l.refresh
	if now.Before(r.retryAt) {
		return
	}
	if r.scanned && !now.Before(r.nextArea) {
		l.scheduleAreaFetch()
		r.nextArea = now.Add(l.cfg.AreaRefresh)
	}
	if !now.Before(r.nextMap) {
		l.scheduleMapRefresh(now)
		r.nextMap = now.Add(l.cfg.MapRefresh)
	}
	l.dispatch()
}

// loudMACs returns the MACs whose mean level is above the loud floor, sorted.
func (l *Localizer) loudMACs() []string {
	var macs []string
	for mac, ap := range l.queue.Fingerprint() {
		mean, err := ap.Sig.Mean()
		if err != nil {
			continue
		}
		if mean > l.cfg.LoudFloor {
			macs = append(macs, mac)
		}
	}
	sort.Strings(macs)
	return macs
}

// scheduleAreaFetch queues an area lookup keyed by one or two random loud MACs.
func (l *Localizer) scheduleAreaFetch() {
	macs := l.loudMACs()
	if len(macs) == 0 {
		l.logger.Debug("no loud access points for area lookup", "floor", l.cfg.LoudFloor)
		return
	}
	n := 1 + l.rand.Intn(2)
	if n > len(macs) {
		n = len(macs)
	}
	perm := l.rand.Perm(len(macs))
	req := fetchRequest{kind: fetchAreas, mac: macs[perm[0]]}
	if n == 2 {
		req.mac2 = macs[perm[1]]
	}
	l.refresh.enqueue(req)
}

// scheduleMapRefresh evicts idle areas and queues every area that is a
// placeholder, touched or due for revalidation.
func (l *Localizer) scheduleMapRefresh(now time.Time) {
	for _, name := range l.index.EvictIfStale(now, l.cfg.IdleWindow) {
		l.logger.Info("area evicted after idle window", "area", name, "idle", l.cfg.IdleWindow.String())
		l.event("info", "area_evicted", name, "idle")
	}

	queued := 0
	for _, name := range l.index.Names() {
		a, _ := l.index.Get(name)
		switch {
		case a == nil:
		case a.Touched:
		case l.cfg.MapMaxAge > 0 && now.Sub(a.LastUpdate) >= l.cfg.MapMaxAge:
			a.Touched = true
		default:
			continue
		}
		req := fetchRequest{kind: fetchMap, area: name}
		if a != nil {
			req.since = a.LastModified
		}
		if l.refresh.enqueue(req) {
			queued++
		}
	}
	l.stats.SetAreaCount(l.index.Len())
	if queued > 0 {
		l.logger.Debug("map refresh queued", "requests", queued, "pending", len(l.refresh.pending))
	}
}

// dispatch starts the oldest pending request unless one is in flight or the
// scheduler is backing off.
func (l *Localizer) dispatch() {
	r := &l.refresh
	if r.inFlight || len(r.pending) == 0 || l.now().Before(r.retryAt) {
		return
	}
	req := r.pending[0]
	r.pending = r.pending[1:]
	r.inFlight = true

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go l.fetch(ctx, req)
}

func (l *Localizer) fetch(ctx context.Context, req fetchRequest) {
	rctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	res := l.perform(rctx, req)
	res.Latency = time.Since(start)
	res.req = req

	select {
	case l.results <- res:
	case <-ctx.Done():
	}
}

func (l *Localizer) perform(ctx context.Context, req fetchRequest) FetchResult {
	switch req.kind {
	case fetchAreas:
		names, err := l.svc.GetAreas(ctx, req.mac, req.mac2)
		if err != nil {
			return FetchResult{Kind: ResultTransportError, Err: err}
		}
		return FetchResult{Kind: ResultAreas, Areas: names}
	default:
		resp, err := l.svc.GetMap(ctx, req.area, req.since)
		if err != nil {
			return FetchResult{Kind: ResultTransportError, Area: req.area, Err: err}
		}
		res := FetchResult{Area: req.area, Body: resp.Body, LastModified: resp.LastModified}
		switch resp.Status {
		case sigserver.StatusOK:
			res.Kind = ResultMapOK
		case sigserver.StatusNotModified:
			res.Kind = ResultMapNotModified
		default:
			res.Kind = ResultMapGone
		}
		return res
	}
}

// handleResult applies a fetch completion to the index and starts the next fetch.
func (l *Localizer) handleResult(res FetchResult) {
	now := l.now()
	r := &l.refresh
	r.inFlight = false
	delete(r.queued, res.req.key())

	ok := res.Kind != ResultTransportError
	l.stats.RecordNetwork(ok, res.Latency)
	if !ok {
		delay := r.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = l.cfg.BackoffMax
		}
		r.retryAt = now.Add(delay)
		l.logger.Warn("signature server request failed", "area", res.Area, "error", res.Err, "retry_in", delay.String())
		return
	}
	r.backoff.Reset()
	r.retryAt = time.Time{}

	switch res.Kind {
	case ResultAreas:
		l.applyAreas(res.Areas, now)
	case ResultMapOK:
		l.applyMap(res.Area, res.Body, res.LastModified, now)
	case ResultMapNotModified:
		if a, _ := l.index.Get(res.Area); a != nil {
			a.Touched = false
			a.LastUpdate = now
		}
	case ResultMapGone:
		if l.pendingBinds[res.Area] > 0 {
			// the server has not seen the bind that created this area yet
			l.settle(res.Area, now)
			l.logger.Info("area unknown upstream, keeping local bind", "area", res.Area, "pending", l.pendingBinds[res.Area])
			break
		}
		l.dropArea(res.Area)
	}
	l.stats.SetAreaCount(l.index.Len())
	l.dispatch()
}

func (l *Localizer) applyAreas(names []string, now time.Time) {
	added := 0
	for _, name := range names {
		if err := spatial.ValidateAreaName(name); err != nil {
			l.logger.Warn("server returned bad area name", "area", name, "error", err)
			continue
		}
		if l.index.AddPlaceholder(name) {
			added++
		}
	}
	if added > 0 {
		l.logger.Info("new areas nearby", "added", added, "known", l.index.Len())
		// fetch them on the next tick instead of waiting a full period
		l.refresh.nextMap = now
	}
}

func (l *Localizer) applyMap(name string, body []byte, modified, now time.Time) {
	area, err := spatial.ParseDocument(body, l.logger)
	if err != nil {
		l.logger.Warn("discarding signature document", "area", name, "error", err)
		l.event("warn", "area_invalid", name, err.Error())
		l.settle(name, now)
		return
	}
	if area.Name != name {
		l.logger.Warn("signature document names another area", "requested", name, "got", area.Name)
		l.event("warn", "area_invalid", name, "document names "+area.Name)
		l.settle(name, now)
		return
	}
	if modified.IsZero() {
		modified = now
	}

	area.LastAccess = now
	if prev, _ := l.index.Get(name); prev != nil {
		area.LastAccess = prev.LastAccess
	}
	area.LastModified = modified
	area.LastUpdate = now
	l.index.Put(area)

	if l.cache != nil {
		if err := l.cache.Save(name, body, modified); err != nil {
			l.logger.Warn("cache area failed", "area", name, "error", err)
		}
	}
	l.logger.Info("area updated", "area", name, "version", area.Version, "spaces", len(area.Spaces))
	l.event("info", "area_fetched", name, "")

	if len(l.queue.Fingerprint()) > 0 {
		l.Localize()
	}
}

// settle stops a rejected fetch from repeating every map pass. A loaded area
// waits for its next revalidation; a placeholder is forgotten until the
// server lists it again.
func (l *Localizer) settle(name string, now time.Time) {
	a, ok := l.index.Get(name)
	switch {
	case !ok:
	case a == nil:
		l.index.Remove(name)
	default:
		a.Touched = false
		a.LastUpdate = now
	}
}

// dropArea removes an area the server no longer serves, in memory and on disk.
func (l *Localizer) dropArea(name string) {
	known := l.index.Remove(name)
	if l.cache != nil {
		if err := l.cache.Remove(name); err != nil {
			l.logger.Warn("remove cached area failed", "area", name, "error", err)
		}
	}
	if !known {
		return
	}
	l.logger.Info("area deleted upstream", "area", name)
	l.event("info", "area_deleted", name, "")
	if len(l.queue.Fingerprint()) > 0 {
		l.Localize()
	}
}
