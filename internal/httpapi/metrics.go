package httpapi

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters,
// generalized from the teacher's push/pull event counters to the
// sync engine's session/submit/catchup lifecycle.
type Metrics struct {
	startTime time.Time

	httpRequests     atomic.Int64
	httpServerErrors atomic.Int64
	httpClientErrors atomic.Int64

	sessionsOpened   atomic.Int64
	sessionsClosed   atomic.Int64
	submitBatches    atomic.Int64
	submitRejections atomic.Int64
	catchupChunks    atomic.Int64
	liveChanges      atomic.Int64
	slowConsumers    atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	HTTPRequests     int64   `json:"http_requests"`
	HTTPServerErrors int64   `json:"http_server_errors"`
	HTTPClientErrors int64   `json:"http_client_errors"`

	SessionsOpened   int64 `json:"sessions_opened"`
	SessionsClosed   int64 `json:"sessions_closed"`
	SessionsActive   int64 `json:"sessions_active"`
	SubmitBatches    int64 `json:"submit_batches"`
	SubmitRejections int64 `json:"submit_rejections"`
	CatchupChunks    int64 `json:"catchup_chunks"`
	LiveChanges      int64 `json:"live_changes"`
	SlowConsumers    int64 `json:"slow_consumers"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordHTTPRequest()    { m.httpRequests.Add(1) }
func (m *Metrics) RecordHTTPServerError() { m.httpServerErrors.Add(1) }
func (m *Metrics) RecordHTTPClientError() { m.httpClientErrors.Add(1) }

func (m *Metrics) RecordSessionOpened() { m.sessionsOpened.Add(1) }
func (m *Metrics) RecordSessionClosed() { m.sessionsClosed.Add(1) }
func (m *Metrics) RecordSubmitBatch()   { m.submitBatches.Add(1) }
func (m *Metrics) RecordSubmitRejections(n int64) {
	if n > 0 {
		m.submitRejections.Add(n)
	}
}
func (m *Metrics) RecordCatchupChunk()   { m.catchupChunks.Add(1) }
func (m *Metrics) RecordLiveChanges(n int64) { m.liveChanges.Add(n) }
func (m *Metrics) RecordSlowConsumer()   { m.slowConsumers.Add(1) }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	opened := m.sessionsOpened.Load()
	closed := m.sessionsClosed.Load()
	active := opened - closed
	if active < 0 {
		active = 0
	}
	return MetricsSnapshot{
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		HTTPRequests:     m.httpRequests.Load(),
		HTTPServerErrors: m.httpServerErrors.Load(),
		HTTPClientErrors: m.httpClientErrors.Load(),
		SessionsOpened:   opened,
		SessionsClosed:   closed,
		SessionsActive:   active,
		SubmitBatches:    m.submitBatches.Load(),
		SubmitRejections: m.submitRejections.Load(),
		CatchupChunks:    m.catchupChunks.Load(),
		LiveChanges:      m.liveChanges.Load(),
		SlowConsumers:    m.slowConsumers.Load(),
	}
}
