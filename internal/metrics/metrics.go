// Package metrics exposes Prometheus instruments for lease lifecycle events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// leasesIssued tracks successful lease issuance by complexity tier.
	leasesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_leases_issued_total",
		Help: "Total number of leases issued by complexity",
	}, []string{"complexity"})

	// leaseIssueFailures tracks issuance attempts that did not produce a lease.
	leaseIssueFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_lease_issue_failures_total",
		Help: "Total number of failed lease issuance attempts by cause",
	}, []string{"cause"}) // cause: not_found, invalid_state, capability, conflict, node, error

	// resultsRejected tracks rejected result submissions.
	resultsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_results_rejected_total",
		Help: "Total number of rejected result submissions by reason",
	}, []string{"reason"})

	// resultsAccepted tracks accepted results by outcome.
	resultsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_results_accepted_total",
		Help: "Total number of accepted result submissions by status",
	}, []string{"status"})

	leasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_leases_expired_total",
		Help: "Total number of leases expired by the monitor",
	})

	leasesRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_leases_revoked_total",
		Help: "Total number of revoked leases by trigger",
	}, []string{"trigger"}) // trigger: crash, manual

	// requeues tracks requeue outcomes.
	requeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_task_requeues_total",
		Help: "Total number of requeue attempts by outcome",
	}, []string{"outcome"})

	requeueBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_task_requeue_backoff_seconds",
		Help:    "Backoff applied to requeued tasks",
		Buckets: []float64{30, 60, 120, 240, 480, 960, 1920, 3600},
	})

	crashesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_peer_crashes_detected_total",
		Help: "Total number of peer crash events emitted",
	})

	// partitionState is 0 NORMAL, 1 DEGRADED, 2 RECONCILING.
	partitionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_partition_state",
		Help: "Current partition state (0 normal, 1 degraded, 2 reconciling)",
	})

	bufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_result_buffer_depth",
		Help: "Number of pending results in the local buffer",
	})

	bufferFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_result_buffer_flushed_total",
		Help: "Buffered results processed during flush by outcome",
	}, []string{"outcome"}) // outcome: delivered, retry, failed

	recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_recoveries_total",
		Help: "Recovery orchestrator runs by failure type and success",
	}, []string{"failure_type", "success"})

	// controlPlaneDuration tracks outbound control plane calls.
	controlPlaneDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarm_control_plane_request_duration_seconds",
		Help:    "Duration of control plane requests by operation",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation", "success"})

	// activeLeases is refreshed by the expiration monitor.
	activeLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_active_leases",
		Help: "Number of active leases at last scan",
	})
)

// Recorder provides methods to record lease coordinator metrics. The zero
// value and a nil *Recorder are both usable.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// LeaseIssued records a successful issuance.
func (r *Recorder) LeaseIssued(complexity string) {
	leasesIssued.WithLabelValues(complexity).Inc()
}

// LeaseIssueFailed records a failed issuance.
func (r *Recorder) LeaseIssueFailed(cause string) {
	leaseIssueFailures.WithLabelValues(cause).Inc()
}

// ResultRejected records a rejected submission.
func (r *Recorder) ResultRejected(reason string) {
	resultsRejected.WithLabelValues(reason).Inc()
}

// ResultAccepted records an accepted submission.
func (r *Recorder) ResultAccepted(status string) {
	resultsAccepted.WithLabelValues(status).Inc()
}

// LeaseExpired records a lease expired by the monitor.
func (r *Recorder) LeaseExpired() {
	leasesExpired.Inc()
}

// LeaseRevoked records a revocation.
func (r *Recorder) LeaseRevoked(trigger string) {
	leasesRevoked.WithLabelValues(trigger).Inc()
}

// Requeue records a requeue outcome and the backoff it applied.
func (r *Recorder) Requeue(outcome string, backoff time.Duration) {
	requeues.WithLabelValues(outcome).Inc()
	if backoff > 0 {
		requeueBackoff.Observe(backoff.Seconds())
	}
}

// CrashDetected records an emitted crash event.
func (r *Recorder) CrashDetected() {
	crashesDetected.Inc()
}

// PartitionState records the current partition state ordinal.
func (r *Recorder) PartitionState(state int) {
	partitionState.Set(float64(state))
}

// BufferDepth records the number of pending buffered results.
func (r *Recorder) BufferDepth(depth int) {
	bufferDepth.Set(float64(depth))
}

// BufferFlushed records flush outcomes.
func (r *Recorder) BufferFlushed(delivered, retried, failed int) {
	bufferFlushed.WithLabelValues("delivered").Add(float64(delivered))
	bufferFlushed.WithLabelValues("retry").Add(float64(retried))
	bufferFlushed.WithLabelValues("failed").Add(float64(failed))
}

// Recovery records an orchestrator run.
func (r *Recorder) Recovery(failureType string, success bool) {
	recoveries.WithLabelValues(failureType, boolLabel(success)).Inc()
}

// ControlPlaneRequest records an outbound control plane call.
func (r *Recorder) ControlPlaneRequest(operation string, duration time.Duration, success bool) {
	controlPlaneDuration.WithLabelValues(operation, boolLabel(success)).Observe(duration.Seconds())
}

// ActiveLeases records the active lease count.
func (r *Recorder) ActiveLeases(n int) {
	activeLeases.Set(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
