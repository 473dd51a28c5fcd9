// Package metrics holds the prometheus collectors for the orchestrator:
// workflow and activity outcomes, deployment status transitions and the
// control surface's request durations.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/workflow"
)

// Metrics is responsible for holding the collectors. It implements the
// workflow engine's Observer.
type Metrics struct {
	WorkflowRunDuration *prometheus.HistogramVec
	ActivityDuration    *prometheus.HistogramVec
	ActivityFailures    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	DeploymentStatus    *prometheus.CounterVec
	ProvisioningState   *prometheus.CounterVec
	ExampleIngestions   *prometheus.CounterVec
}

// New constructs and registers the collectors under the given namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		WorkflowRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_run_duration_seconds",
				Help:      "duration of workflow runs by terminal status",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"queue", "kind", "status"},
		),
		ActivityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_activity_duration_seconds",
				Help:      "duration of activity attempts",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"queue", "kind", "activity", "result"},
		),
		ActivityFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_activity_failures_total",
				Help:      "number of failed activity attempts, sorted by reason",
			},
			[]string{"queue", "kind", "activity", "reason"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "http request duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"status", "path", "method"},
		),
		DeploymentStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_status_transitions_total",
				Help:      "number of deployment status transitions",
			},
			[]string{"status"},
		),
		ProvisioningState: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_state_transitions_total",
				Help:      "number of provisioning state transitions by entity kind",
			},
			[]string{"entity", "state"},
		),
		ExampleIngestions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "example_ingestions_total",
				Help:      "number of ingested examples by outcome",
			},
			[]string{"outcome"},
		),
	}
	prometheus.MustRegister(m.WorkflowRunDuration)
	prometheus.MustRegister(m.ActivityDuration)
	prometheus.MustRegister(m.ActivityFailures)
	prometheus.MustRegister(m.HTTPRequestDuration)
	prometheus.MustRegister(m.DeploymentStatus)
	prometheus.MustRegister(m.ProvisioningState)
	prometheus.MustRegister(m.ExampleIngestions)
	return m
}

// ObserveRun records one finished workflow run.
func (m *Metrics) ObserveRun(queue, kind string, status workflow.Status, duration time.Duration) {
	if m == nil || m.WorkflowRunDuration == nil {
		return
	}
	m.WorkflowRunDuration.WithLabelValues(queue, kind, string(status)).Observe(duration.Seconds())
}

// ObserveActivity records one activity attempt. Failures additionally
// count by the outermost classified reason, which is a bounded set.
func (m *Metrics) ObserveActivity(queue, kind, activity string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		if m.ActivityFailures != nil {
			m.ActivityFailures.WithLabelValues(queue, kind, activity, string(results.ReasonFor(err))).Inc()
		}
	}
	if m.ActivityDuration != nil {
		m.ActivityDuration.WithLabelValues(queue, kind, activity, result).Observe(duration.Seconds())
	}
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestDuration == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(strconv.Itoa(statusCode), path, method).Observe(duration.Seconds())
}

// RecordDeploymentTransition counts a deployment entering a status.
func (m *Metrics) RecordDeploymentTransition(status string) {
	if m == nil || m.DeploymentStatus == nil {
		return
	}
	m.DeploymentStatus.WithLabelValues(status).Inc()
}

// RecordProvisioningTransition counts an entity entering a provisioning
// state.
func (m *Metrics) RecordProvisioningTransition(entity, state string) {
	if m == nil || m.ProvisioningState == nil {
		return
	}
	m.ProvisioningState.WithLabelValues(entity, state).Inc()
}

// RecordIngestOutcome counts one ingested example by outcome: created,
// skipped or failed.
func (m *Metrics) RecordIngestOutcome(outcome string) {
	if m == nil || m.ExampleIngestions == nil {
		return
	}
	m.ExampleIngestions.WithLabelValues(outcome).Inc()
}
