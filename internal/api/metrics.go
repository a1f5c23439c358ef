package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime       time.Time
	requests        atomic.Int64
	serverErrors    atomic.Int64
	clientErrors    atomic.Int64
	changesApplied  atomic.Int64
	changesRejected atomic.Int64
	conflicts       atomic.Int64
	pulls           atomic.Int64
	resolutions     atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	ChangesApplied  int64   `json:"changes_applied"`
	ChangesRejected int64   `json:"changes_rejected"`
	ConflictsOpened int64   `json:"conflicts_opened"`
	SyncPulls       int64   `json:"sync_pulls"`
	Resolutions     int64   `json:"resolutions"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordBatch adds the outcome counts of one applied batch.
func (m *Metrics) RecordBatch(applied, rejected, conflicts int) {
	m.changesApplied.Add(int64(applied))
	m.changesRejected.Add(int64(rejected))
	m.conflicts.Add(int64(conflicts))
}

// RecordPull increments the sync pull counter.
func (m *Metrics) RecordPull() {
	m.pulls.Add(1)
}

// RecordResolution increments the resolved conflict counter.
func (m *Metrics) RecordResolution() {
	m.resolutions.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		ChangesApplied:  m.changesApplied.Load(),
		ChangesRejected: m.changesRejected.Load(),
		ConflictsOpened: m.conflicts.Load(),
		SyncPulls:       m.pulls.Load(),
		Resolutions:     m.resolutions.Load(),
	}
}
