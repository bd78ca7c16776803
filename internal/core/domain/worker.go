package domain

import "time"

type WorkerStatus string

const (
	WorkerStatusHealthy   WorkerStatus = "healthy"
	WorkerStatusUnhealthy WorkerStatus = "unhealthy"
)

// DefaultFailureThreshold is the number of consecutive failed probes that marks a worker unhealthy
const DefaultFailureThreshold = 3

// LocalWorker represents a single local GPU generation endpoint
type LocalWorker struct {
	ID                  string       `json:"id"`
	Endpoint            string       `json:"endpoint"`
	Status              WorkerStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastLatencyMs       int64        `json:"last_latency_ms"`
	ReportedQueueDepth  int          `json:"reported_queue_depth"`
	GPUUtilization      float64      `json:"gpu_utilization"` // percent, 0 when unknown
	Devices             []string     `json:"devices,omitempty"`
	LastProbeAt         time.Time    `json:"last_probe_at"`
}

// Healthy reports whether the worker may receive jobs
func (w *LocalWorker) Healthy() bool {
	return w.Status == WorkerStatusHealthy
}

// RecordSuccess applies a successful probe: the worker is healthy again and the strike counter resets
func (w *LocalWorker) RecordSuccess(probe ProbeResult, at time.Time) {
	w.Status = WorkerStatusHealthy
	w.ConsecutiveFailures = 0
	w.LastLatencyMs = probe.LatencyMs
	w.ReportedQueueDepth = probe.QueueDepth
	if len(probe.Devices) > 0 {
		w.Devices = append([]string(nil), probe.Devices...)
	}
	w.LastProbeAt = at
}

// RecordFailure applies a failed probe; the worker flips only once the threshold is reached
func (w *LocalWorker) RecordFailure(threshold int, at time.Time) {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	w.ConsecutiveFailures++
	w.LastProbeAt = at
	if w.ConsecutiveFailures >= threshold {
		w.Status = WorkerStatusUnhealthy
	}
}

// ProbeResult is what a liveness probe against a generation endpoint returns
type ProbeResult struct {
	LatencyMs  int64    `json:"latency_ms"`
	QueueDepth int      `json:"queue_depth"`
	Devices    []string `json:"devices,omitempty"`
}

// HealthReport summarises one health-check round over the local pool
type HealthReport struct {
	Healthy int            `json:"healthy"`
	Total   int            `json:"total"`
	Results []ProbeOutcome `json:"results"`
}

type ProbeOutcome struct {
	WorkerID  string       `json:"worker_id"`
	Status    WorkerStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms,omitempty"`
	Error     string       `json:"error,omitempty"`
}
