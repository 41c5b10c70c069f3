// Package telemetry exposes Prometheus collectors for the pipeline, the
// sessions and the notifier.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_samples_ingested_total",
		Help: "Vitals samples accepted from each source",
	}, []string{"source"})

	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_samples_rejected_total",
		Help: "Vitals samples dropped before classification",
	}, []string{"reason"})

	Assessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_assessments_total",
		Help: "Assessments produced by level",
	}, []string{"level"})

	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_events_appended_total",
		Help: "Events written to the event log",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_notifications_total",
		Help: "Notification attempts by result",
	}, []string{"result"})

	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "risk_processing_duration_seconds",
		Help:    "Time from sample receipt to published assessment",
		Buckets: prometheus.DefBuckets,
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "risk_sessions_active",
		Help: "Connected dashboard sessions",
	})

	SessionDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_session_dropped_messages_total",
		Help: "Assessments discarded because a session queue was full",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_http_requests_total",
		Help: "HTTP requests served by the API",
	}, []string{"method", "route", "status"})
)
