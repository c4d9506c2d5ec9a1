package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the smoking detection service.
// A nil *Metrics is valid; every recording method is a no-op on it, which keeps
// the engine packages testable without touching the global registry.
type Metrics struct {
	// Frame ingestion metrics
	FramesReceived prometheus.Counter
	FramesRecorded prometheus.Counter
	DecodeErrors   prometheus.Counter
	SinkErrors     prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Fanout metrics
	Subscribers        prometheus.Gauge
	BroadcastsSent     prometheus.Counter
	SubscribersDropped prometheus.Counter

	// Detection metrics
	UnitsDispatched  prometheus.Counter
	ResultsDelivered prometheus.Counter
	ResultsDropped   prometheus.Counter
	SlotsSkipped     prometheus.Counter

	// Classifier metrics
	ClassifierRequests  prometheus.Counter
	ClassifierSuccesses prometheus.Counter
	ClassifierFailures  prometheus.Counter
	ClassifierDuration  prometheus.Histogram
	ClassifierRetries   prometheus.Counter

	// Batch metrics
	BatchJobsSubmitted prometheus.Counter
	BatchJobsCompleted prometheus.Counter
	BatchJobsFailed    prometheus.Counter
	BatchJobDuration   prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Frame ingestion metrics
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_frames_received_total",
			Help: "Total number of frames received from producers",
		}),
		FramesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_frames_recorded_total",
			Help: "Total number of frames written to session video sinks",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_decode_errors_total",
			Help: "Total number of frames that failed to decode",
		}),
		SinkErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_sink_errors_total",
			Help: "Total number of video sink write errors",
		}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "smoke_active_sessions",
			Help: "Current number of active stream sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoke_session_duration_seconds",
			Help:    "Duration of stream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Fanout metrics
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "smoke_subscribers",
			Help: "Current number of websocket subscribers across all sessions",
		}),
		BroadcastsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_broadcasts_sent_total",
			Help: "Total number of payloads delivered to subscribers",
		}),
		SubscribersDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_subscribers_dropped_total",
			Help: "Total number of subscribers pruned after send errors",
		}),

		// Detection metrics
		UnitsDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_units_dispatched_total",
			Help: "Total number of classification units dispatched",
		}),
		ResultsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_results_delivered_total",
			Help: "Total number of detection results delivered in order",
		}),
		ResultsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_results_dropped_total",
			Help: "Total number of failed classification units dropped",
		}),
		SlotsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_slots_skipped_total",
			Help: "Total number of stalled result slots skipped after timeout",
		}),

		// Classifier metrics
		ClassifierRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_classifier_requests_total",
			Help: "Total number of classifier requests sent",
		}),
		ClassifierSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_classifier_successes_total",
			Help: "Total number of successful classifier requests",
		}),
		ClassifierFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_classifier_failures_total",
			Help: "Total number of failed classifier requests",
		}),
		ClassifierDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoke_classifier_duration_seconds",
			Help:    "Duration of classifier requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		ClassifierRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_classifier_retries_total",
			Help: "Total number of classifier request retries",
		}),

		// Batch metrics
		BatchJobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_batch_jobs_submitted_total",
			Help: "Total number of batch detection jobs submitted",
		}),
		BatchJobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_batch_jobs_completed_total",
			Help: "Total number of batch detection jobs completed",
		}),
		BatchJobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "smoke_batch_jobs_failed_total",
			Help: "Total number of batch detection jobs failed",
		}),
		BatchJobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoke_batch_job_duration_seconds",
			Help:    "Duration of batch detection jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smoke_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smoke_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "smoke_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// RecordFrameRecorded increments the frames recorded counter
func (m *Metrics) RecordFrameRecorded() {
	if m == nil {
		return
	}
	m.FramesRecorded.Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordSinkError increments the sink write errors counter
func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// SetSubscribers sets the current subscriber count
func (m *Metrics) SetSubscribers(count int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(count))
}

// RecordBroadcast records payload deliveries to subscribers
func (m *Metrics) RecordBroadcast(delivered int) {
	if m == nil {
		return
	}
	m.BroadcastsSent.Add(float64(delivered))
}

// RecordSubscriberDropped increments the pruned subscribers counter
func (m *Metrics) RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}

// RecordUnitDispatched increments the dispatched classification units counter
func (m *Metrics) RecordUnitDispatched() {
	if m == nil {
		return
	}
	m.UnitsDispatched.Inc()
}

// RecordResultDelivered increments the in-order deliveries counter
func (m *Metrics) RecordResultDelivered() {
	if m == nil {
		return
	}
	m.ResultsDelivered.Inc()
}

// RecordResultDropped increments the dropped results counter
func (m *Metrics) RecordResultDropped() {
	if m == nil {
		return
	}
	m.ResultsDropped.Inc()
}

// RecordSlotSkipped increments the skipped slots counter
func (m *Metrics) RecordSlotSkipped() {
	if m == nil {
		return
	}
	m.SlotsSkipped.Inc()
}

// RecordClassifierRequest increments the classifier requests counter
func (m *Metrics) RecordClassifierRequest() {
	if m == nil {
		return
	}
	m.ClassifierRequests.Inc()
}

// RecordClassifierSuccess records a successful classification
func (m *Metrics) RecordClassifierSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClassifierSuccesses.Inc()
	m.ClassifierDuration.Observe(durationSeconds)
}

// RecordClassifierFailure records a failed classification
func (m *Metrics) RecordClassifierFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClassifierFailures.Inc()
	m.ClassifierDuration.Observe(durationSeconds)
}

// RecordClassifierRetry increments the retry counter
func (m *Metrics) RecordClassifierRetry() {
	if m == nil {
		return
	}
	m.ClassifierRetries.Inc()
}

// RecordBatchJobSubmitted increments the batch jobs submitted counter
func (m *Metrics) RecordBatchJobSubmitted() {
	if m == nil {
		return
	}
	m.BatchJobsSubmitted.Inc()
}

// RecordBatchJobCompleted records a completed batch job
func (m *Metrics) RecordBatchJobCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.BatchJobsCompleted.Inc()
	m.BatchJobDuration.Observe(durationSeconds)
}

// RecordBatchJobFailed records a failed batch job
func (m *Metrics) RecordBatchJobFailed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.BatchJobsFailed.Inc()
	m.BatchJobDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
