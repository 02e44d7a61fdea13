package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "integration_hub"

var DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "webhook",
	Name:      "delivery_attempts_total",
	Help:      "Webhook delivery attempts by outcome (delivered, retry_pending, exhausted)",
}, []string{"outcome"})

var DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "webhook",
	Name:      "delivery_duration_seconds",
	Help:      "Duration of outbound webhook HTTP calls",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"outcome"})

var DeliveriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "webhook",
	Name:      "deliveries_scheduled_total",
	Help:      "Webhook deliveries created by event fan-out",
})

var SyncJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "jobs_total",
	Help:      "Finished sync jobs by integration type and status",
}, []string{"type", "status"})

var SyncJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "job_duration_seconds",
	Help:      "Duration of connector sync executions",
	Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800},
}, []string{"type", "status"})

var TransformWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transform",
	Name:      "warnings_total",
	Help:      "Mapping rules that could not be applied and passed the value through",
}, []string{"kind"})

var CleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "worker",
	Name:      "cleanup_deleted_total",
	Help:      "Rows removed by retention cleanup",
}, []string{"table"})

var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "worker",
	Name:      "immediate_queue_depth",
	Help:      "Deliveries and sync triggers waiting in the in-process queue",
})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Admin API requests by method, route and status code",
}, []string{"method", "route", "status"})

var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Admin API request latency",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})
