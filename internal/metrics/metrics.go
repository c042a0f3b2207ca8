// Package metrics defines the Prometheus instruments for the executor.
// All collectors are registered on a dedicated registry so the /metrics
// endpoint exposes only what this service emits.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Registry = prometheus.NewRegistry()

var (
	Jobs = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executor_jobs_total",
		Help: "Total jobs executed, partitioned by terminal status.",
	}, []string{"status"})

	JobDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_executor_job_duration_seconds",
		Help:    "Wall-clock duration of job executions.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	EventsPublished = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executor_events_published_total",
		Help: "Progress events published to the event bus, by event type.",
	}, []string{"event_type"})

	EventPublishErrors = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "agent_executor_event_publish_errors_total",
		Help: "Progress event publishes that failed.",
	})

	NotifyErrors = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "agent_executor_notify_errors_total",
		Help: "Terminal status notifications that failed to publish.",
	})

	QueueProcessed = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "agent_executor_queue_messages_processed_total",
		Help: "Queue messages acknowledged after processing.",
	})

	QueueFailed = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "agent_executor_queue_messages_failed_total",
		Help: "Queue messages that failed processing and were requeued or dead-lettered.",
	})

	DBConnectionErrors = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "agent_executor_db_connection_errors_total",
		Help: "Checkpoint database connection failures.",
	})

	WebsocketActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "agent_executor_websocket_connections_active",
		Help: "Currently open websocket streaming connections.",
	})

	WebsocketMessages = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executor_websocket_messages_total",
		Help: "Messages relayed over websocket connections, by event type.",
	}, []string{"event_type"})

	HealthChecks = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executor_health_checks_total",
		Help: "Health and readiness probe results.",
	}, []string{"type", "status"})

	HTTPRequests = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agent_executor_http_requests_total",
		Help: "HTTP requests served, by method, route and status code.",
	}, []string{"method", "route", "code"})

	HTTPDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_executor_http_request_duration_seconds",
		Help:    "HTTP request latency, by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
