// Package telem provides short-term estimate history and event logging
package telem

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Record is one emitted location estimate
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	Location   string    `json:"location"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Candidates int       `json:"candidates"`
}

// Event represents a system event (area fetched, evicted, bind queued, ...)
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	Type      string      `json:"type"`
	Area      string      `json:"area,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Store keeps estimate history and events in memory with bounded retention
type Store struct {
	mu            sync.RWMutex
	records       []Record
	events        []Event
	maxRecords    int
	maxEvents     int
	retentionTime time.Duration
	maxRAMMB      int
	now           func() time.Time
}

// Config for the history store
type Config struct {
	MaxRecords     int `json:"max_records"`
	MaxEvents      int `json:"max_events"`
	RetentionHours int `json:"retention_hours"`
	MaxRAMMB       int `json:"max_ram_mb"`
}

// NewStore creates a new history store with the given configuration
func NewStore(config Config) *Store {
	if config.MaxRecords <= 0 {
		config.MaxRecords = 1000
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours <= 0 {
		config.RetentionHours = 24
	}
	if config.MaxRAMMB <= 0 {
		config.MaxRAMMB = 4
	}

	return &Store{
		records:       make([]Record, 0, config.MaxRecords),
		events:        make([]Event, 0, config.MaxEvents),
		maxRecords:    config.MaxRecords,
		maxEvents:     config.MaxEvents,
		retentionTime: time.Duration(config.RetentionHours) * time.Hour,
		maxRAMMB:      config.MaxRAMMB,
		now:           time.Now,
	}
}

// Record stores an emitted estimate
func (s *Store) Record(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	s.records = appendBounded(s.records, r, s.maxRecords)
	s.records = dropBefore(s.records, s.now().Add(-s.retentionTime), func(r Record) time.Time { return r.Timestamp })
	s.enforceRAMCapLocked()
}

// AddEvent stores a new system event
func (s *Store) AddEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.events = appendBounded(s.events, event, s.maxEvents)
	s.enforceRAMCapLocked()
}

func appendBounded[T any](in []T, v T, max int) []T {
	in = append(in, v)
	if len(in) > max {
		// keep the most recent
		copy(in, in[len(in)-max:])
		in = in[:max]
	}
	return in
}

func dropBefore[T any](in []T, cutoff time.Time, stamp func(T) time.Time) []T {
	keep := 0
	for keep < len(in) && !stamp(in[keep]).After(cutoff) {
		keep++
	}
	if keep == 0 {
		return in
	}
	copy(in, in[keep:])
	return in[:len(in)-keep]
}

// History returns up to limit of the most recent estimates, oldest first
func (s *Store) History(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.records, limit)
}

// Since returns the estimates recorded within the window
func (s *Store) Since(window time.Duration) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var result []Record
	for _, r := range s.records {
		if r.Timestamp.After(cutoff) {
			result = append(result, r)
		}
	}
	return result
}

// GetEvents returns recent events
func (s *Store) GetEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.events, limit)
}

func lastN[T any](in []T, limit int) []T {
	if limit <= 0 || limit >= len(in) {
		result := make([]T, len(in))
		copy(result, in)
		return result
	}
	result := make([]T, limit)
	copy(result, in[len(in)-limit:])
	return result
}

// Cleanup removes data older than the retention window
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retentionTime)
	s.records = dropBefore(s.records, cutoff, func(r Record) time.Time { return r.Timestamp })
	s.events = dropBefore(s.events, cutoff, func(e Event) time.Time { return e.Timestamp })
}

// GetStats returns storage statistics
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() map[string]interface{} {
	return map[string]interface{}{
		"total_records":   len(s.records),
		"total_events":    len(s.events),
		"retention_hours": s.retentionTime.Hours(),
		"max_ram_mb":      s.maxRAMMB,
		"estimated_bytes": s.estimateBytesLocked(),
	}
}

// ExportJSON exports all data as JSON for debugging/analysis
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := struct {
		Timestamp time.Time              `json:"timestamp"`
		Records   []Record               `json:"records"`
		Events    []Event                `json:"events"`
		Stats     map[string]interface{} `json:"stats"`
	}{
		Timestamp: s.now(),
		Records:   s.records,
		Events:    s.events,
		Stats:     s.statsLocked(),
	}

	return json.Marshal(export)
}

// --- RAM cap enforcement helpers ---

// estimateBytesLocked returns an approximate memory usage of the stored data.
func (s *Store) estimateBytesLocked() int {
	const (
		bytesPerRecord = 128
		bytesPerEvent  = 160
	)
	return len(s.records)*bytesPerRecord + len(s.events)*bytesPerEvent
}

// enforceRAMCapLocked downsamples old records and trims events when the
// estimated memory exceeds maxRAMMB. Must be called with s.mu locked.
func (s *Store) enforceRAMCapLocked() {
	if s.maxRAMMB <= 0 {
		return
	}
	capBytes := s.maxRAMMB * 1024 * 1024
	for i := 0; i < 5; i++ {
		if s.estimateBytesLocked() <= capBytes {
			return
		}
		if len(s.records) > 200 {
			s.records = downsampleKeepRecent(s.records, 2, 100)
		}
		if len(s.events) > 200 && s.estimateBytesLocked() > capBytes {
			keep := len(s.events) / 2
			copy(s.events, s.events[len(s.events)-keep:])
			s.events = s.events[:keep]
		}
	}
}

// downsampleKeepRecent keeps the last recentKeep items intact and downsamples
// the older portion by keeping every nth item. The order is preserved.
func downsampleKeepRecent[T any](in []T, n int, recentKeep int) []T {
	if n <= 1 || len(in) <= recentKeep {
		return in
	}
	if recentKeep < 0 {
		recentKeep = 0
	}
	cutoff := len(in) - recentKeep
	older := in[:cutoff]
	newer := in[cutoff:]
	kept := make([]T, 0, len(older)/n+len(newer))
	for i := 0; i < len(older); i++ {
		if i%n == 0 {
			kept = append(kept, older[i])
		}
	}
	kept = append(kept, newer...)
	return kept
}

// SetMaxRAMMB updates the RAM cap and enforces it immediately.
func (s *Store) SetMaxRAMMB(mb int) error {
	if mb < 1 || mb > 128 {
		return fmt.Errorf("max_ram_mb must be between 1-128, got %d", mb)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRAMMB = mb
	s.enforceRAMCapLocked()
	return nil
}
