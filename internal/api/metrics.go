package api

import (
	"sync/atomic"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/engine"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	eventsQueued  atomic.Int64
	eventsIgnored atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server and engine metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	EventsQueued  int64   `json:"events_queued"`
	EventsIgnored int64   `json:"events_ignored"`
	Upserts       int64   `json:"upserts"`
	Archives      int64   `json:"archives"`
	Skips         int64   `json:"skips"`
	Orphans       int64   `json:"orphans"`
	SyncErrors    int64   `json:"sync_errors"`
	Truncations   int64   `json:"truncations"`
	Reconciles    int64   `json:"reconciles"`
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

// RecordEventQueued increments the accepted webhook event counter.
func (m *Metrics) RecordEventQueued() {
	m.eventsQueued.Add(1)
}

// RecordEventIgnored increments the ignored webhook event counter.
func (m *Metrics) RecordEventIgnored() {
	m.eventsIgnored.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics, folding in the
// engine's counters.
func (m *Metrics) Snapshot(c *engine.Counters) MetricsSnapshot {
	snap := MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		EventsQueued:  m.eventsQueued.Load(),
		EventsIgnored: m.eventsIgnored.Load(),
	}
	if c != nil {
		snap.Upserts = c.Upserts.Load()
		snap.Archives = c.Archives.Load()
		snap.Skips = c.Skips.Load()
		snap.Orphans = c.Orphans.Load()
		snap.SyncErrors = c.Errors.Load()
		snap.Truncations = c.Truncations.Load()
		snap.Reconciles = c.Reconciles.Load()
	}
	return snap
}
