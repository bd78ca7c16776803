package service

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LocalPoolConfig tunes the fixed pool of local GPU workers
type LocalPoolConfig struct {
	ProbeTimeout     time.Duration
	FailureThreshold int
	CostPerJob       float64
	AvgSpeedSeconds  float64
}

func (c *LocalPoolConfig) withDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = domain.DefaultFailureThreshold
	}
	if c.AvgSpeedSeconds <= 0 {
		c.AvgSpeedSeconds = 10
	}
}

// LocalWorkerPool owns the fixed set of local GPU endpoints
type LocalWorkerPool struct {
	cfg       LocalPoolConfig
	client    port.GenerationClient
	store     port.HealthStore
	gpu       port.GPUMetrics
	publisher port.EventPublisher
	metrics   port.Metrics
	log       *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	workers []*domain.LocalWorker
	next    int

	stats *backendStats
}

func NewLocalWorkerPool(
	cfg LocalPoolConfig,
	client port.GenerationClient,
	store port.HealthStore,
	gpu port.GPUMetrics,
	publisher port.EventPublisher,
	metrics port.Metrics,
	log *zap.Logger,
) *LocalWorkerPool {
	cfg.withDefaults()
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &LocalWorkerPool{
		cfg:       cfg,
		client:    client,
		store:     store,
		gpu:       gpu,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
		stats:     newBackendStats(cfg.AvgSpeedSeconds),
	}
}

// Initialize probes each endpoint once. Endpoints that fail are kept as unhealthy since they may come online later.
func (p *LocalWorkerPool) Initialize(ctx context.Context, endpoints []string) error {
	p.log.Info("Initializing local workers", zap.Int("count", len(endpoints)))

	for _, ep := range endpoints {
		if ep == "" {
			continue
		}
		worker := &domain.LocalWorker{
			ID:       "worker-" + uuid.NewString()[:8],
			Endpoint: ep,
			Status:   domain.WorkerStatusUnhealthy,
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		probe, err := p.client.Probe(probeCtx, ep)
		cancel()

		if err != nil {
			// Counted as one strike; the worker still needs a successful probe to serve jobs
			worker.ConsecutiveFailures = 1
			worker.LastProbeAt = p.now()
			p.log.Warn("Worker failed initial probe, added as unhealthy", zap.String("endpoint", ep), zap.Error(err))
		} else {
			worker.RecordSuccess(probe, p.now())
			p.log.Info("Worker added", zap.String("worker_id", worker.ID), zap.String("endpoint", ep), zap.Strings("devices", worker.Devices))
		}

		p.mu.Lock()
		p.workers = append(p.workers, worker)
		p.mu.Unlock()
	}

	healthy, total := p.counts()
	p.metrics.WorkerHealth(healthy, total)
	p.log.Info("Local workers ready", zap.Int("healthy", healthy), zap.Int("total", total))
	return nil
}

// NextWorker round-robins strictly among healthy workers
func (p *LocalWorkerPool) NextWorker() (domain.LocalWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := make([]*domain.LocalWorker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.Healthy() {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return domain.LocalWorker{}, domain.ErrNoHealthyWorkers
	}

	w := healthy[p.next%len(healthy)]
	p.next++
	return *w, nil
}

// HealthCheck probes every worker regardless of current status and applies the strike rule
func (p *LocalWorkerPool) HealthCheck(ctx context.Context) domain.HealthReport {
	p.mu.RLock()
	targets := make([]domain.LocalWorker, len(p.workers))
	for i, w := range p.workers {
		targets[i] = *w
	}
	p.mu.RUnlock()

	outcomes := make([]domain.ProbeOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = p.probeOne(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	healthy, total := p.counts()
	report := domain.HealthReport{Healthy: healthy, Total: total, Results: outcomes}

	p.metrics.WorkerHealth(healthy, total)
	p.log.Info("Health check complete", zap.Int("healthy", healthy), zap.Int("total", total))
	publishAsync(p.publisher, p.log, domain.Event{
		Type:    domain.EventHealthChecked,
		Backend: domain.BackendLocal,
		Healthy: healthy,
		Total:   total,
	})
	return report
}

func (p *LocalWorkerPool) probeOne(ctx context.Context, target domain.LocalWorker) domain.ProbeOutcome {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	probe, err := p.client.Probe(probeCtx, target.Endpoint)

	var util float64
	if err == nil && p.gpu != nil {
		if u, gerr := p.gpu.GetGPUUtilization(probeCtx, instanceOf(target.Endpoint)); gerr == nil {
			util = u
		} else {
			p.log.Debug("GPU utilization unavailable", zap.String("worker_id", target.ID), zap.Error(gerr))
		}
	}

	p.mu.Lock()
	w := p.find(target.ID)
	if w == nil {
		p.mu.Unlock()
		return domain.ProbeOutcome{WorkerID: target.ID, Status: domain.WorkerStatusUnhealthy, Error: "worker removed"}
	}
	was := w.Status
	if err != nil {
		w.RecordFailure(p.cfg.FailureThreshold, p.now())
	} else {
		w.RecordSuccess(probe, p.now())
		w.GPUUtilization = util
	}
	snapshot := *w
	p.mu.Unlock()

	if p.store != nil {
		if serr := p.store.RecordWorker(ctx, &snapshot); serr != nil {
			p.log.Debug("Failed to record worker heartbeat", zap.String("worker_id", snapshot.ID), zap.Error(serr))
		}
	}

	if was != snapshot.Status {
		if snapshot.Healthy() {
			p.log.Info("Worker recovered", zap.String("worker_id", snapshot.ID))
		} else {
			p.log.Warn("Worker marked unhealthy", zap.String("worker_id", snapshot.ID), zap.Int("consecutive_failures", snapshot.ConsecutiveFailures))
		}
	}

	out := domain.ProbeOutcome{WorkerID: snapshot.ID, Status: snapshot.Status, LatencyMs: snapshot.LastLatencyMs}
	if err != nil {
		out.Error = err.Error()
		p.log.Debug("Worker probe failed",
			zap.String("worker_id", snapshot.ID),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
			zap.Error(err))
	}
	return out
}

// Kind implements port.Backend
func (p *LocalWorkerPool) Kind() domain.BackendKind { return domain.BackendLocal }

// Execute dispatches the job directly to the next healthy worker
func (p *LocalWorkerPool) Execute(ctx context.Context, job *domain.Job, report port.ProgressFunc) (*domain.ExecutionResult, error) {
	worker, err := p.NextWorker()
	if err != nil {
		return nil, err
	}

	p.log.Info("Dispatching job to local worker", zap.String("job_id", job.ID), zap.String("worker_id", worker.ID))

	start := p.now()
	output, err := p.client.Generate(ctx, worker.Endpoint, domain.DispatchRequest{
		JobID:   job.ID,
		Kind:    job.Kind,
		Payload: job.Payload,
	}, report)
	if err != nil {
		p.stats.recordFailure()
		return nil, fmt.Errorf("worker %s: %w", worker.ID, err)
	}

	elapsed := p.now().Sub(start)
	p.stats.recordSuccess(elapsed, p.cfg.CostPerJob)
	return &domain.ExecutionResult{
		Backend:    domain.BackendLocal,
		Output:     output,
		Cost:       p.cfg.CostPerJob,
		Duration:   elapsed,
		ExecutorID: worker.ID,
	}, nil
}

// Snapshot implements port.Backend
func (p *LocalWorkerPool) Snapshot() domain.BackendSnapshot {
	p.mu.RLock()
	var healthy, depth int
	var util float64
	for _, w := range p.workers {
		if w.Healthy() {
			healthy++
			depth += w.ReportedQueueDepth
			util += w.GPUUtilization
		}
	}
	p.mu.RUnlock()

	jobs, failures, cost, avg := p.stats.read()
	if healthy > 0 {
		// Busy GPUs run slower; scale the rolling average by mean utilisation
		avg *= 1 + (util/float64(healthy))/100
	}
	return domain.BackendSnapshot{
		Backend:               domain.BackendLocal,
		Available:             healthy > 0,
		Healthy:               healthy > 0,
		EstimatedCostPerJob:   p.cfg.CostPerJob,
		EstimatedSpeedSeconds: avg,
		CurrentQueueDepth:     depth,
		LifetimeJobs:          jobs,
		LifetimeCost:          cost,
		LifetimeFailures:      failures,
	}
}

// Workers returns copies of every worker record
func (p *LocalWorkerPool) Workers() []domain.LocalWorker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.LocalWorker, len(p.workers))
	for i, w := range p.workers {
		out[i] = *w
	}
	return out
}

func (p *LocalWorkerPool) counts() (healthy, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w.Healthy() {
			healthy++
		}
	}
	return healthy, len(p.workers)
}

func (p *LocalWorkerPool) find(id string) *domain.LocalWorker {
	for _, w := range p.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// instanceOf maps an endpoint URL to the host:port label exporters use
func instanceOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
