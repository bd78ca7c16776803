// Package port provides behavior interfaces that connect the dispatch core to storage, transport & providers.
package port

import (
	"context"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
)

// JobRepository is the persistence collaborator. Calls are fire-and-forget from the queue's point of view.
type JobRepository interface {
	Save(ctx context.Context, job *domain.Job) error
	UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
}

// ProgressFunc receives backend-native progress in the 0-100 range
type ProgressFunc func(percent int)

// Backend is the capability shared by the local pool, the cloud pool and the metered fallback
type Backend interface {
	Kind() domain.BackendKind
	Execute(ctx context.Context, job *domain.Job, report ProgressFunc) (*domain.ExecutionResult, error)
	Snapshot() domain.BackendSnapshot
}

// GenerationClient speaks to a local worker or a cloud pod; both expose the same shape
type GenerationClient interface {
	Probe(ctx context.Context, endpoint string) (domain.ProbeResult, error)
	Generate(ctx context.Context, endpoint string, req domain.DispatchRequest, report ProgressFunc) (map[string]any, error)
}

// CloudProvider is the control API used to provision, inspect & terminate pods
type CloudProvider interface {
	Provision(ctx context.Context, spec domain.PodSpec) (domain.PodHandle, error)
	Status(ctx context.Context, handle domain.PodHandle) (domain.ProviderStatus, error)
	Terminate(ctx context.Context, handle domain.PodHandle) error
}

// ServerlessInvoker is the per-second metered path tried before renting a pod
type ServerlessInvoker interface {
	Enabled() bool
	Invoke(ctx context.Context, req domain.DispatchRequest, report ProgressFunc) (map[string]any, error)
}

// FallbackAPI is the metered external generation API of last resort
type FallbackAPI interface {
	Available() bool
	Generate(ctx context.Context, req domain.DispatchRequest, report ProgressFunc) (map[string]any, error)
}

// EventPublisher fans lifecycle events out for observability (RabbitMQ)
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// SubmissionSource delivers job submissions from a broker
type SubmissionSource interface {
	ConsumeSubmissions(ctx context.Context, handler func(sub domain.Submission) error) error
}

// HealthStore keeps short-lived liveness records of workers and pods (Redis)
type HealthStore interface {
	RecordWorker(ctx context.Context, worker *domain.LocalWorker) error
	RecordPod(ctx context.Context, pod *domain.CloudPod) error
	ListWorkers(ctx context.Context) ([]*domain.LocalWorker, error)
}

// StatusCache serves recent job statuses without touching the job store
type StatusCache interface {
	Put(ctx context.Context, status domain.JobStatus) error
	Get(ctx context.Context, id string) (*domain.JobStatus, error)
}

// GPUMetrics defines how we fetch live GPU load for a worker (Prometheus)
type GPUMetrics interface {
	GetGPUUtilization(ctx context.Context, instance string) (float64, error)
}

// Metrics records dispatcher counters and gauges
type Metrics interface {
	JobFinished(backend domain.BackendKind, state domain.JobState, duration time.Duration)
	JobRetried()
	Failover(backend domain.BackendKind)
	QueueDepth(waiting, active int)
	WorkerHealth(healthy, total int)
	PodCount(status domain.PodStatus, n int)
	CostAccrued(backend domain.BackendKind, usd float64)
}
