package relay

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats tracks engine-wide counters and health. All fields are atomic: every
// reader updates them concurrently.
type Stats struct {
	startTime time.Time

	recordsProcessed atomic.Int64
	recordsFiltered  atomic.Int64
	errorCount       atomic.Int64

	// Atomic values for complex types
	lastRecordTime atomic.Value // stores time.Time
	lastError      atomic.Value // stores error

	isHealthy atomic.Bool
}

// Statistics is a point-in-time snapshot of the engine's counters.
type Statistics struct {
	RecordsProcessed int64
	RecordsFiltered  int64
	ErrorCount       int64
	LastRecordTime   time.Time
	Uptime           time.Duration
}

// HealthStatus reports whether the engine is operating normally.
type HealthStatus struct {
	Healthy bool
	Message string
	Err     error
}

// NewStats creates a stats tracker marked healthy.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	s.isHealthy.Store(true)
	s.lastRecordTime.Store(time.Now())
	return s
}

// RecordEvent notes one successfully dispatched record.
func (s *Stats) RecordEvent() {
	s.recordsProcessed.Add(1)
	s.lastRecordTime.Store(time.Now())
}

// RecordFiltered notes a record dropped by the filter predicate.
func (s *Stats) RecordFiltered() {
	s.recordsFiltered.Add(1)
}

// RecordError notes a non-fatal failure.
func (s *Stats) RecordError(err error) {
	s.errorCount.Add(1)
	if err != nil {
		s.lastError.Store(err)
	}
}

// SetHealthy sets the engine health flag.
func (s *Stats) SetHealthy(healthy bool) {
	s.isHealthy.Store(healthy)
}

// Snapshot returns current counter values.
func (s *Stats) Snapshot() Statistics {
	lastRecordTime := time.Time{}
	if t, ok := s.lastRecordTime.Load().(time.Time); ok {
		lastRecordTime = t
	}
	return Statistics{
		RecordsProcessed: s.recordsProcessed.Load(),
		RecordsFiltered:  s.recordsFiltered.Load(),
		ErrorCount:       s.errorCount.Load(),
		LastRecordTime:   lastRecordTime,
		Uptime:           time.Since(s.startTime),
	}
}

// Health derives a health status from the counters: unhealthy when stopped,
// degraded above a 10% error rate.
func (s *Stats) Health() HealthStatus {
	if !s.isHealthy.Load() {
		var lastErr error
		if e := s.lastError.Load(); e != nil {
			lastErr = e.(error)
		}
		return HealthStatus{
			Healthy: false,
			Message: "relay engine is not running",
			Err:     lastErr,
		}
	}

	errorRate := float64(0)
	if processed := s.recordsProcessed.Load(); processed > 0 {
		errorRate = float64(s.errorCount.Load()) / float64(processed)
	}
	if errorRate > 0.1 {
		return HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("high error rate: %.1f%%", errorRate*100),
		}
	}

	return HealthStatus{Healthy: true, Message: "relay engine operating normally"}
}
