package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomfi/roomfi/pkg/localizer"
	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/stats"
)

// Sources are what the exporter reads at scrape time. Nil fields are skipped.
type Sources struct {
	Stats    interface{ Snapshot() stats.Snapshot }
	Estimate interface {
		QueryCurrentEstimate() localizer.Estimate
	}
	History interface {
		GetStats() map[string]interface{}
	}
	Outbox interface{ Count() (int, error) }
}

// Server provides Prometheus metrics for roomfid
type Server struct {
	src      Sources
	logger   *logx.Logger
	server   *http.Server
	registry *prometheus.Registry
	started  time.Time
	version  string

	scanQueueSize  prometheus.Gauge
	macsSeen       prometheus.Gauge
	areas          prometheus.Gauge
	candidates     prometheus.Gauge
	scanRate       prometheus.Gauge
	networkSuccess prometheus.Gauge
	networkLatency prometheus.Gauge
	overlapMax     prometheus.Gauge
	confidence     prometheus.Gauge
	churn          prometheus.Gauge

	estimateKnown *prometheus.GaugeVec
	estimateScore prometheus.Gauge

	historyRecords prometheus.Gauge
	historyEvents  prometheus.Gauge
	bindBacklog    prometheus.Gauge

	scans         prometheus.Counter
	binds         *prometheus.CounterVec
	collectErrors prometheus.Counter

	daemonUptime  prometheus.Gauge
	daemonVersion *prometheus.GaugeVec
}

// NewServer creates a metrics server with its own registry.
func NewServer(src Sources, version string, logger *logx.Logger) *Server {
	s := &Server{
		src:      src,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		version:  version,
	}
	s.registerMetrics()
	return s
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "roomfi", Name: name, Help: help})
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.scanQueueSize = gauge("scan_queue_size", "Scans in the sliding window")
	s.macsSeen = gauge("macs_seen", "Distinct access points in the fingerprint")
	s.areas = gauge("areas", "Areas in the working set, placeholders included")
	s.candidates = gauge("potential_spaces", "Spaces that passed the coarse filters in the last ranking")
	s.scanRate = gauge("scan_interval_seconds", "Smoothed time between completed scans")
	s.networkSuccess = gauge("network_success_ratio", "Smoothed signature server success rate")
	s.networkLatency = gauge("network_latency_ms", "Smoothed signature server latency in milliseconds")
	s.overlapMax = gauge("overlap_max", "Best area overlap coefficient in the last ranking")
	s.confidence = gauge("confidence", "Score margin between the two best spaces")
	s.churn = gauge("estimate_churn_seconds", "Smoothed time between estimate changes")

	s.estimateKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "roomfi",
			Name:      "estimate_info",
			Help:      "Current estimate (1 for the active area/space pair)",
		},
		[]string{"area", "space"},
	)
	s.estimateScore = gauge("estimate_score", "Histogram score of the current estimate")

	s.historyRecords = gauge("history_records", "Estimates held in the history store")
	s.historyEvents = gauge("history_events", "Events held in the history store")
	s.bindBacklog = gauge("bind_backlog", "Binds waiting in the outbox")

	s.scans = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomfi",
		Name:      "scans_total",
		Help:      "Completed WiFi scans",
	})
	s.binds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomfi",
			Name:      "binds_total",
			Help:      "Bind requests by result",
		},
		[]string{"result"},
	)
	s.collectErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomfi",
		Name:      "scan_errors_total",
		Help:      "Failed WiFi scan attempts",
	})

	s.daemonUptime = gauge("uptime_seconds", "Daemon uptime in seconds")
	s.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "roomfi",
			Name:      "build_info",
			Help:      "Daemon build information",
		},
		[]string{"version", "go_version"},
	)

	s.registry.MustRegister(
		s.scanQueueSize,
		s.macsSeen,
		s.areas,
		s.candidates,
		s.scanRate,
		s.networkSuccess,
		s.networkLatency,
		s.overlapMax,
		s.confidence,
		s.churn,
		s.estimateKnown,
		s.estimateScore,
		s.historyRecords,
		s.historyEvents,
		s.bindBacklog,
		s.scans,
		s.binds,
		s.collectErrors,
		s.daemonUptime,
		s.daemonVersion,
	)
}

// Handler serves the registry, refreshing the gauges on each scrape.
func (s *Server) Handler() http.Handler {
	h := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.UpdateMetrics()
		h.ServeHTTP(w, r)
	})
}

// Start starts the metrics server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting metrics server", "addr", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// UpdateMetrics copies the current state into the gauges.
func (s *Server) UpdateMetrics() {
	s.updateStatsMetrics()
	s.updateEstimateMetrics()
	s.updateStoreMetrics()
	s.updateDaemonMetrics()
}

func (s *Server) updateStatsMetrics() {
	if s.src.Stats == nil {
		return
	}
	snap := s.src.Stats.Snapshot()
	s.scanQueueSize.Set(float64(snap.ScanQueueSize))
	s.macsSeen.Set(float64(snap.MACsSeenSize))
	s.areas.Set(float64(snap.TotalAreaCount))
	s.candidates.Set(float64(snap.PotentialSpaceCount))
	s.scanRate.Set(snap.ScanRateSec)
	s.networkSuccess.Set(snap.NetworkSuccessRate)
	s.networkLatency.Set(snap.NetworkLatencyMs)
	s.overlapMax.Set(snap.OverlapMax)
	s.confidence.Set(snap.Confidence)
	s.churn.Set(snap.ChurnSec)
}

func (s *Server) updateEstimateMetrics() {
	if s.src.Estimate == nil {
		return
	}
	est := s.src.Estimate.QueryCurrentEstimate()
	s.estimateKnown.Reset()
	if est.Known() {
		s.estimateKnown.With(prometheus.Labels{"area": est.Area, "space": est.Space}).Set(1)
	}
	s.estimateScore.Set(est.Score)
}

func (s *Server) updateStoreMetrics() {
	if s.src.History != nil {
		st := s.src.History.GetStats()
		if n, ok := st["total_records"].(int); ok {
			s.historyRecords.Set(float64(n))
		}
		if n, ok := st["total_events"].(int); ok {
			s.historyEvents.Set(float64(n))
		}
	}
	if s.src.Outbox != nil {
		n, err := s.src.Outbox.Count()
		if err != nil {
			s.logger.Warn("count bind backlog failed", "error", err)
			return
		}
		s.bindBacklog.Set(float64(n))
	}
}

func (s *Server) updateDaemonMetrics() {
	s.daemonUptime.Set(time.Since(s.started).Seconds())
	s.daemonVersion.With(prometheus.Labels{
		"version":    s.version,
		"go_version": runtime.Version(),
	}).Set(1)
}

// RecordScan counts a completed scan.
func (s *Server) RecordScan() {
	s.scans.Inc()
}

// RecordScanError counts a failed scan attempt.
func (s *Server) RecordScanError() {
	s.collectErrors.Inc()
}

// RecordBind counts a bind by result ("queued", "rejected").
func (s *Server) RecordBind(result string) {
	s.binds.With(prometheus.Labels{"result": result}).Inc()
}
