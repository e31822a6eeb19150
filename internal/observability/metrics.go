package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics the engine exposes on /metrics.
// There is no gRPC surface (see DESIGN.md), so these are scoped to the
// three things that actually run: step execution, workflow execution
// outcomes, and the scheduler/queue loop that drives them.
type Metrics struct {
	// Step execution metrics
	StepExecutionsTotal   *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec

	// Workflow execution metrics
	WorkflowExecutionsTotal *prometheus.CounterVec

	// Scheduler metrics
	SchedulerTicksTotal   *prometheus.CounterVec
	SchedulerTickDuration prometheus.Histogram

	// Queue metrics (QueueScheduler only; zero-valued otherwise)
	QueueMessagesTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	DatabaseConnections *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_executions_total",
				Help: "Total number of step executions",
			},
			[]string{"workflow_id", "action", "status"},
		),

		StepExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "step_execution_duration_seconds",
				Help:    "Duration of step executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"workflow_id", "action"},
		),

		WorkflowExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow executions, by terminal status",
			},
			[]string{"workflow_id", "status"},
		),

		SchedulerTicksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_ticks_total",
				Help: "Total number of polling scheduler ticks, by outcome",
			},
			[]string{"result"}, // "found_work", "idle", "error"
		),

		SchedulerTickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scheduler_tick_duration_seconds",
				Help:    "Duration of one polling scheduler tick",
				Buckets: prometheus.DefBuckets,
			},
		),

		QueueMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_total",
				Help: "Total number of queue scheduler messages, by outcome",
			},
			[]string{"queue_name", "outcome"}, // outcome: "acked", "nacked_requeue", "nacked_drop", "republished"
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "error_type"},
		),

		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "database_connections",
				Help: "Number of database connections",
			},
			[]string{"state"}, // "active", "idle", "open"
		),
	}
}

// RecordStepExecution records a step execution outcome.
func (m *Metrics) RecordStepExecution(workflowID, action, status string) {
	m.StepExecutionsTotal.WithLabelValues(workflowID, action, status).Inc()
}

// ObserveStepDuration observes step execution duration.
func (m *Metrics) ObserveStepDuration(workflowID, action string, seconds float64) {
	m.StepExecutionDuration.WithLabelValues(workflowID, action).Observe(seconds)
}

// RecordWorkflowExecution records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowExecution(workflowID, status string) {
	m.WorkflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
}

// RecordSchedulerTick records one polling scheduler tick outcome and its
// wall-clock duration.
func (m *Metrics) RecordSchedulerTick(result string, seconds float64) {
	m.SchedulerTicksTotal.WithLabelValues(result).Inc()
	m.SchedulerTickDuration.Observe(seconds)
}

// RecordQueueMessage records one queue scheduler message outcome.
func (m *Metrics) RecordQueueMessage(queueName, outcome string) {
	m.QueueMessagesTotal.WithLabelValues(queueName, outcome).Inc()
}

// RecordError records an error metric.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// SetDatabaseConnections sets database connection pool metrics.
func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConnections.WithLabelValues(state).Set(count)
}
