package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type OrchestratorConfig struct {
	LocalEndpoints []string
	HealthInterval time.Duration
	AutoscaleSpec  string
	RetentionSpec  string
	Retention      time.Duration
}

func (c *OrchestratorConfig) withDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.AutoscaleSpec == "" {
		c.AutoscaleSpec = "@every 30s"
	}
	if c.RetentionSpec == "" {
		c.RetentionSpec = "@every 10m"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Orchestrator is the single context object wiring queue, pools, selector and failover.
// It is built once in main and handed to the transport layer.
type Orchestrator struct {
	cfg      OrchestratorConfig
	queue    *JobQueue
	local    *LocalWorkerPool
	cloud    *CloudPoolManager
	fallback *FallbackBackend
	selector *BackendSelector
	failover *FailoverExecutor
	health   *BackendHealthMonitor
	repo     port.JobRepository
	cache    port.StatusCache
	cron     *cron.Cron
	log      *zap.Logger

	prefMu   sync.RWMutex
	defaults domain.UserPreferences

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

type Dependencies struct {
	Local     *LocalWorkerPool
	Cloud     *CloudPoolManager
	Fallback  *FallbackBackend
	Selector  *BackendSelector
	Repo      port.JobRepository
	Cache     port.StatusCache
	Publisher port.EventPublisher
	Metrics   port.Metrics
}

func NewOrchestrator(cfg OrchestratorConfig, queueCfg QueueConfig, deps Dependencies, log *zap.Logger) *Orchestrator {
	cfg.withDefaults()
	if deps.Selector == nil {
		deps.Selector = NewBackendSelector(DefaultWeights, SpeedWeights)
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	var backends []port.Backend
	if deps.Local != nil {
		backends = append(backends, deps.Local)
	}
	if deps.Cloud != nil {
		backends = append(backends, deps.Cloud)
	}
	if deps.Fallback != nil {
		backends = append(backends, deps.Fallback)
	}

	o := &Orchestrator{
		cfg:      cfg,
		local:    deps.Local,
		cloud:    deps.Cloud,
		fallback: deps.Fallback,
		selector: deps.Selector,
		failover: NewFailoverExecutor(backends, deps.Publisher, deps.Metrics, log.Named("failover")),
		health:   NewBackendHealthMonitor(deps.Local, deps.Cloud, cfg.HealthInterval, log.Named("health")),
		repo:     deps.Repo,
		cache:    deps.Cache,
		log:      log,
		defaults: domain.DefaultPreferences(),
	}
	o.queue = NewJobQueue(queueCfg, o, deps.Repo, deps.Cache, deps.Publisher, deps.Metrics, log.Named("queue"))
	o.cron = cron.New(cron.WithLogger(cronLogger{log.Named("cron").Sugar()}))
	return o
}

// Start brings the pools up and launches every background loop
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.local != nil {
		if err := o.local.Initialize(ctx, o.cfg.LocalEndpoints); err != nil {
			return fmt.Errorf("initialize local workers: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.queue.Start(runCtx)

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.health.Start(runCtx)
	}()

	if o.cloud != nil {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.cloud.MonitorIdle(runCtx)
		}()

		if _, err := o.cron.AddFunc(o.cfg.AutoscaleSpec, func() {
			if n := o.cloud.Autoscale(runCtx, o.queue.Depth()); n > 0 {
				o.log.Info("Autoscale tick started pods", zap.Int("count", n))
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("schedule autoscale: %w", err)
		}
	}

	if _, err := o.cron.AddFunc(o.cfg.RetentionSpec, func() {
		o.queue.PurgeFinished(o.cfg.Retention)
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule retention: %w", err)
	}
	o.cron.Start()

	o.log.Info("Orchestrator started", zap.Int("backends", len(o.Snapshots())))
	return nil
}

// Stop drains the queue and terminates every rented pod
func (o *Orchestrator) Stop(ctx context.Context) error {
	cronDone := o.cron.Stop()
	if o.cancel != nil {
		o.cancel()
	}

	var errs []error
	if err := o.queue.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	o.bg.Wait()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err()))
	}

	if o.cloud != nil {
		o.cloud.TerminateAll(ctx)
	}
	o.log.Info("Orchestrator stopped")
	return errors.Join(errs...)
}

// Submit enqueues a job, applying the sticky default preferences when none are given
func (o *Orchestrator) Submit(ctx context.Context, sub domain.Submission) (domain.EnqueueResult, error) {
	if sub.Preferences == nil {
		prefs := o.DefaultPreferences()
		sub.Preferences = &prefs
	}
	return o.queue.Enqueue(ctx, sub)
}

func (o *Orchestrator) GetStatus(id string) (domain.JobStatus, error) {
	return o.queue.GetStatus(id)
}

// Lookup resolves a status from memory, then the status cache, then the job store.
// Jobs purged by retention stay readable this way.
func (o *Orchestrator) Lookup(ctx context.Context, id string) (domain.JobStatus, error) {
	st, err := o.queue.GetStatus(id)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return st, err
	}
	if o.cache != nil {
		if cached, cerr := o.cache.Get(ctx, id); cerr == nil && cached != nil {
			return *cached, nil
		}
	}
	if o.repo != nil {
		job, rerr := o.repo.GetByID(ctx, id)
		if rerr == nil {
			return job.Status(), nil
		}
		if !errors.Is(rerr, domain.ErrNotFound) {
			o.log.Warn("Job store lookup failed", zap.String("job_id", id), zap.Error(rerr))
		}
	}
	return domain.JobStatus{}, err
}

func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.queue.Cancel(ctx, id)
}

func (o *Orchestrator) QueueStats() domain.QueueStats {
	return o.queue.Stats()
}

// Execute implements Executor: it scores the backends and walks the resulting candidates
func (o *Orchestrator) Execute(ctx context.Context, job *domain.Job, progress chan<- int) (*domain.ExecutionResult, error) {
	candidates := o.selector.Select(job, job.Preferences, o.Snapshots())
	if len(candidates) == 0 {
		o.log.Warn("No backend can take job", zap.String("job_id", job.ID))
		return nil, &domain.ExhaustedError{Last: domain.ErrNoHealthyWorkers}
	}
	return o.failover.Execute(ctx, job, candidates, progress)
}

// Snapshots captures the current view of every configured backend
func (o *Orchestrator) Snapshots() []domain.BackendSnapshot {
	var out []domain.BackendSnapshot
	if o.local != nil {
		out = append(out, o.local.Snapshot())
	}
	if o.cloud != nil {
		out = append(out, o.cloud.Snapshot())
	}
	if o.fallback != nil {
		out = append(out, o.fallback.Snapshot())
	}
	return out
}

// Rank orders the backends for a hypothetical job under prefs
func (o *Orchestrator) Rank(kind domain.JobKind, prefs *domain.UserPreferences) []domain.Candidate {
	p := o.DefaultPreferences()
	if prefs != nil {
		p = *prefs
	}
	return o.selector.Select(&domain.Job{Kind: kind}, p, o.Snapshots())
}

// Estimate projects cost and time of jobCount jobs per backend, flagging the recommended one
func (o *Orchestrator) Estimate(jobCount int, prioritizeSpeed bool) []domain.Estimate {
	return o.selector.Recommend(jobCount, prioritizeSpeed, o.Snapshots())
}

func (o *Orchestrator) Workers() []domain.LocalWorker {
	if o.local == nil {
		return nil
	}
	return o.local.Workers()
}

func (o *Orchestrator) PoolStats() domain.PoolStats {
	if o.cloud == nil {
		return domain.PoolStats{CostByPod: map[string]float64{}}
	}
	return o.cloud.Stats()
}

// SpawnPod provisions a ready cloud pod ahead of demand
func (o *Orchestrator) SpawnPod(ctx context.Context) (domain.CloudPod, error) {
	if o.cloud == nil {
		return domain.CloudPod{}, fmt.Errorf("cloud pool: %w", domain.ErrBackendUnavailable)
	}
	return o.cloud.Spawn(ctx)
}

func (o *Orchestrator) TerminatePod(ctx context.Context, podID string) error {
	if o.cloud == nil {
		return fmt.Errorf("pod %s: %w", podID, domain.ErrNotFound)
	}
	return o.cloud.TerminatePod(ctx, podID)
}

// DrainPods terminates every ready pod and reports how many went and how many are still busy
func (o *Orchestrator) DrainPods(ctx context.Context) (terminated, busy int) {
	if o.cloud == nil {
		return 0, 0
	}
	terminated = o.cloud.TerminateReady(ctx)
	return terminated, o.cloud.Stats().BusyPods
}

func (o *Orchestrator) ConfigurePool(u domain.PoolSettingsUpdate) (domain.PoolSettings, error) {
	if o.cloud == nil {
		return domain.PoolSettings{}, fmt.Errorf("cloud pool: %w", domain.ErrBackendUnavailable)
	}
	return o.cloud.Configure(u)
}

// PurgeFinished drops finished jobs older than olderThan from memory on demand.
// They stay readable through Lookup when a store or cache is configured.
func (o *Orchestrator) PurgeFinished(olderThan time.Duration) int {
	return o.queue.PurgeFinished(olderThan)
}

func (o *Orchestrator) SetDefaultPreferences(p domain.UserPreferences) error {
	if err := p.Normalize(); err != nil {
		return err
	}

	o.prefMu.Lock()
	o.defaults = p
	o.prefMu.Unlock()
	o.log.Info("Default preferences updated",
		zap.String("preferred_backend", string(p.PreferredBackend)),
		zap.Bool("prioritize_speed", p.PrioritizeSpeed),
		zap.Bool("allow_cloud_fallback", p.AllowCloudFallback))
	return nil
}

func (o *Orchestrator) DefaultPreferences() domain.UserPreferences {
	o.prefMu.RLock()
	defer o.prefMu.RUnlock()
	p := o.defaults
	if p.MaxCostPerJob != nil {
		v := *p.MaxCostPerJob
		p.MaxCostPerJob = &v
	}
	return p
}

// cronLogger routes cron's scheduler logs through zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
