package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleet_"

	resultSuccess = "success"
	resultError   = "error"

	commandResultAcknowledged = "acknowledged"
	commandResultCompleted    = "completed"
	commandResultFailed       = "failed"
	commandResultCancelled    = "cancelled"
)

var (
	registerOnce sync.Once

	heartbeatRequests *prometheus.CounterVec
	heartbeatLatency  *prometheus.HistogramVec

	enrollmentRequests *prometheus.CounterVec

	consumerLag *prometheus.GaugeVec

	commandRequests prometheus.Counter
	commandResults  *prometheus.CounterVec

	pushDeliveries    *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec

	geofenceTransitions *prometheus.CounterVec
	geofenceActions     *prometheus.CounterVec

	scheduleRunTotal   *prometheus.CounterVec
	scheduleRunLatency *prometheus.HistogramVec

	reportExportTotal   *prometheus.CounterVec
	reportExportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		heartbeatRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeat_requests_total",
				Help: "Total device heartbeats by result",
			},
			[]string{"result"},
		)
		heartbeatLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "heartbeat_latency_seconds",
				Help:    "Heartbeat processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		enrollmentRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "enrollment_requests_total",
				Help: "Total enrollment verifications by result",
			},
			[]string{"result"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		commandRequests = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total issued commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command results by status",
			},
			[]string{"status"},
		)

		pushDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_deliveries_total",
				Help: "Total push delivery attempts by result",
			},
			[]string{"result"},
		)
		webhookDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "webhook_deliveries_total",
				Help: "Total webhook deliveries by result",
			},
			[]string{"result"},
		)

		geofenceTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "geofence_transitions_total",
				Help: "Total geofence transitions by kind",
			},
			[]string{"kind"},
		)
		geofenceActions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "geofence_actions_total",
				Help: "Total geofence action executions by type and result",
			},
			[]string{"action", "result"},
		)

		scheduleRunTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_runs_total",
				Help: "Total scheduled task runs by result",
			},
			[]string{"result"},
		)
		scheduleRunLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "schedule_run_latency_seconds",
				Help:    "Scheduled task run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Total report export operations by format and result",
			},
			[]string{"format", "result"},
		)
		reportExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "report_export_latency_seconds",
				Help:    "Report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			heartbeatRequests,
			heartbeatLatency,
			enrollmentRequests,
			consumerLag,
			commandRequests,
			commandResults,
			pushDeliveries,
			webhookDeliveries,
			geofenceTransitions,
			geofenceActions,
			scheduleRunTotal,
			scheduleRunLatency,
			reportExportTotal,
			reportExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveHeartbeat records heartbeat duration and result.
func ObserveHeartbeat(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if heartbeatRequests != nil {
		heartbeatRequests.WithLabelValues(result).Inc()
	}
	if heartbeatLatency != nil {
		heartbeatLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncEnrollment increments the enrollment verification counter.
func IncEnrollment(result string) {
	if result == "" {
		result = resultSuccess
	}
	if enrollmentRequests != nil {
		enrollmentRequests.WithLabelValues(result).Inc()
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// IncCommandIssued increments issued command counter.
func IncCommandIssued() {
	if commandRequests != nil {
		commandRequests.Inc()
	}
}

// IncCommandResult increments command result counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncPushDelivery increments push delivery counter.
func IncPushDelivery(result string) {
	if result == "" {
		result = resultSuccess
	}
	if pushDeliveries != nil {
		pushDeliveries.WithLabelValues(result).Inc()
	}
}

// IncWebhookDelivery increments webhook delivery counter.
func IncWebhookDelivery(result string) {
	if result == "" {
		result = resultSuccess
	}
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(result).Inc()
	}
}

// IncGeofenceTransition increments the transition counter with kind
// "enter", "exit" or "dwell".
func IncGeofenceTransition(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if geofenceTransitions != nil {
		geofenceTransitions.WithLabelValues(kind).Inc()
	}
}

// IncGeofenceAction increments geofence action execution counters.
func IncGeofenceAction(action, result string) {
	if action == "" {
		action = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if geofenceActions != nil {
		geofenceActions.WithLabelValues(action, result).Inc()
	}
}

// ObserveScheduleRun records scheduled task run latency and result.
func ObserveScheduleRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if scheduleRunTotal != nil {
		scheduleRunTotal.WithLabelValues(result).Inc()
	}
	if scheduleRunLatency != nil {
		scheduleRunLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveReportExport records export latency and result.
func ObserveReportExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
	if reportExportLatency != nil {
		reportExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	CommandResultAcknowledged = commandResultAcknowledged
	CommandResultCompleted    = commandResultCompleted
	CommandResultFailed       = commandResultFailed
	CommandResultCancelled    = commandResultCancelled
)
