package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/roomfi/roomfi/pkg/localizer"
	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/spatial"
	"github.com/roomfi/roomfi/pkg/stats"
	"github.com/roomfi/roomfi/pkg/telem"
)

// Engine is the localizer surface the server drives. Bind, RemoveSpace and
// Areas must run on the localizer loop, so they are only called through Do.
type Engine interface {
	QueryCurrentEstimate() localizer.Estimate
	Stats() *stats.Stats
	Do(ctx context.Context, fn func()) error
	Bind(areaName, fullSpaceName string, tags ...string) error
	RemoveSpace(areaName, fullSpaceName string) bool
	Touch(areaName string) error
	Areas() []string
}

// Connectivity reports whether an optional collaborator is up.
type Connectivity interface {
	IsConnected() bool
}

// Server exposes health and query endpoints for roomfid
type Server struct {
	engine    Engine
	store     *telem.Store
	mqtt      Connectivity
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
	version   string
	loopWait  time.Duration
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     string               `json:"uptime"`
	Version    string               `json:"version"`
	Components map[string]Component `json:"components"`
	Estimate   *localizer.Estimate  `json:"estimate,omitempty"`
	Stats      *stats.Snapshot      `json:"stats,omitempty"`
	Memory     *MemoryInfo          `json:"memory,omitempty"`
}

// Component represents the health of a component
type Component struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
}

// BindRequest is the body of POST /bind, POST /remove and POST /touch.
// /touch only reads Area.
type BindRequest struct {
	Area  string   `json:"area"`
	Space string   `json:"space"`
	Tags  []string `json:"tags,omitempty"`
}

// NewServer creates a new health server. store and mqtt may be nil.
func NewServer(engine Engine, store *telem.Store, mqtt Connectivity, version string, logger *logx.Logger) *Server {
	return &Server{
		engine:    engine,
		store:     store,
		mqtt:      mqtt,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
		loopWait:  2 * time.Second,
	}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/detailed", s.detailedHealthHandler)
	mux.HandleFunc("/health/live", s.liveHandler)
	mux.HandleFunc("/estimate", s.estimateHandler)
	mux.HandleFunc("/estimate/detail", s.estimateDetailHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/history", s.historyHandler)
	mux.HandleFunc("/areas", s.areasHandler)
	mux.HandleFunc("/bind", s.bindHandler)
	mux.HandleFunc("/remove", s.removeHandler)
	mux.HandleFunc("/touch", s.touchHandler)
	return mux
}

// Start starts the health server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting health server", "addr", addr)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the health server
func (s *Server) Stop() error {
	s.logger.Info("Stopping health server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// healthHandler provides basic health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus(r.Context())
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// detailedHealthHandler adds the estimate, stats and memory to the status
func (s *Server) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus(r.Context())
	est := s.engine.QueryCurrentEstimate()
	snap := s.engine.Stats().Snapshot()
	status.Estimate = &est
	status.Stats = &snap
	status.Memory = getMemoryInfo()
	writeJSON(w, http.StatusOK, status)
}

// liveHandler provides liveness check
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// getHealthStatus pings the localizer loop and summarizes the collaborators.
func (s *Server) getHealthStatus(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Version:    s.version,
		Components: make(map[string]Component),
	}

	pctx, cancel := context.WithTimeout(ctx, s.loopWait)
	defer cancel()
	if err := s.engine.Do(pctx, func() {}); err != nil {
		status.Components["localizer"] = Component{Status: "unhealthy", Message: "event loop not responding"}
	} else {
		status.Components["localizer"] = Component{Status: "healthy", Message: "event loop responsive"}
	}

	snap := s.engine.Stats().Snapshot()
	switch {
	case snap.NetworkRequests > 0 && snap.NetworkSuccessRate < 0.5:
		status.Components["signature_server"] = Component{
			Status:  "degraded",
			Message: "success rate " + strconv.FormatFloat(snap.NetworkSuccessRate, 'f', 2, 64),
		}
	default:
		status.Components["signature_server"] = Component{Status: "healthy", Message: "reachable"}
	}

	if s.mqtt != nil {
		if s.mqtt.IsConnected() {
			status.Components["mqtt"] = Component{Status: "healthy", Message: "connected"}
		} else {
			status.Components["mqtt"] = Component{Status: "degraded", Message: "disconnected"}
		}
	}

	for _, c := range status.Components {
		switch c.Status {
		case "unhealthy":
			status.Status = "unhealthy"
		case "degraded":
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
		}
	}
	return status
}

func getMemoryInfo() *MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapAlloc: m.HeapAlloc,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
	}
}

// estimateHandler returns the current estimate; ?format=text gives the bare name.
func (s *Server) estimateHandler(w http.ResponseWriter, r *http.Request) {
	est := s.engine.QueryCurrentEstimate()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(est.Name + "\n"))
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// estimateDetailHandler adds the ranking context behind the estimate.
func (s *Server) estimateDetailHandler(w http.ResponseWriter, r *http.Request) {
	est := s.engine.QueryCurrentEstimate()
	snap := s.engine.Stats().Snapshot()
	var age float64
	if !est.Stamp.IsZero() {
		age = time.Since(est.Stamp).Seconds()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"estimate":         est,
		"known":            est.Known(),
		"age_seconds":      age,
		"overlap_max":      snap.OverlapMax,
		"potential_spaces": snap.PotentialSpaceCount,
		"macs_seen":        snap.MACsSeenSize,
		"churn_sec":        snap.ChurnSec,
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats().Snapshot())
}

// historyHandler returns recent estimates and events; ?limit=N bounds both.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": s.store.History(limit),
		"events":  s.store.GetEvents(limit),
		"stats":   s.store.GetStats(),
	})
}

func (s *Server) areasHandler(w http.ResponseWriter, r *http.Request) {
	var names []string
	if err := s.engine.Do(r.Context(), func() { names = s.engine.Areas() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (BindRequest, bool) {
	var req BindRequest
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return req, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) decodeBind(w http.ResponseWriter, r *http.Request) (BindRequest, bool) {
	req, ok := s.decodeBody(w, r)
	if !ok {
		return req, false
	}
	if req.Area == "" || req.Space == "" {
		writeError(w, http.StatusBadRequest, "area and space are required")
		return req, false
	}
	return req, true
}

// bindHandler stores the live fingerprint under the requested space.
func (s *Server) bindHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBind(w, r)
	if !ok {
		return
	}
	var bindErr error
	if err := s.engine.Do(r.Context(), func() { bindErr = s.engine.Bind(req.Area, req.Space, req.Tags...) }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	switch {
	case bindErr == nil:
	case errors.Is(bindErr, spatial.ErrInvalidName):
		writeError(w, http.StatusBadRequest, bindErr.Error())
		return
	case errors.Is(bindErr, localizer.ErrEmptyFingerprint):
		writeError(w, http.StatusConflict, bindErr.Error())
		return
	default:
		s.logger.Error("bind failed", "space", req.Space, "error", bindErr)
		writeError(w, http.StatusInternalServerError, bindErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bound":    req.Space,
		"estimate": s.engine.QueryCurrentEstimate(),
	})
}

func (s *Server) removeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBind(w, r)
	if !ok {
		return
	}
	var removed bool
	if err := s.engine.Do(r.Context(), func() { removed = s.engine.RemoveSpace(req.Area, req.Space) }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such space")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.Space})
}

// touchHandler schedules a prompt refresh of one area.
func (s *Server) touchHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	if req.Area == "" {
		writeError(w, http.StatusBadRequest, "area is required")
		return
	}
	var touchErr error
	if err := s.engine.Do(r.Context(), func() { touchErr = s.engine.Touch(req.Area) }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if touchErr != nil {
		writeError(w, http.StatusBadRequest, touchErr.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"touched": req.Area})
}
