package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
)

// CloudPoolConfig bounds and tunes the elastic pod pool
type CloudPoolConfig struct {
	MaxPods               int
	ScaleThreshold        int // queue depth at which Autoscale starts provisioning
	IdleTimeout           time.Duration
	IdleCheckInterval     time.Duration
	AcquireTimeout        time.Duration
	AcquirePollInterval   time.Duration
	ReadyTimeout          time.Duration
	ReadyPollInterval     time.Duration
	ProvisionAttempts     int
	ProvisionBackoff      time.Duration
	ProbeFailureThreshold int
	Pod                   domain.PodSpec

	JobCostEstimate         float64
	AvgSpeedSeconds         float64
	PreferServerless        bool
	ServerlessCostPerSecond float64
}

func (c *CloudPoolConfig) withDefaults() {
	if c.MaxPods <= 0 {
		c.MaxPods = 5
	}
	if c.ScaleThreshold <= 0 {
		c.ScaleThreshold = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 60 * time.Second
	}
	if c.AcquirePollInterval <= 0 {
		c.AcquirePollInterval = time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Minute
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 5 * time.Second
	}
	if c.ProvisionAttempts <= 0 {
		c.ProvisionAttempts = 3
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = 2 * time.Second
	}
	if c.ProbeFailureThreshold <= 0 {
		c.ProbeFailureThreshold = domain.DefaultFailureThreshold
	}
	if c.Pod.Port == 0 {
		c.Pod.Port = 8188
	}
	if c.Pod.CostPerHour <= 0 {
		c.Pod.CostPerHour = 0.5
	}
	if c.JobCostEstimate <= 0 {
		c.JobCostEstimate = 0.007
	}
	if c.AvgSpeedSeconds <= 0 {
		c.AvgSpeedSeconds = 20
	}
	if c.ServerlessCostPerSecond <= 0 {
		c.ServerlessCostPerSecond = 0.00034
	}
}

// CloudPoolManager owns every rented pod. Pod records are only mutated under mu.
type CloudPoolManager struct {
	cfg        CloudPoolConfig
	provider   port.CloudProvider
	client     port.GenerationClient
	serverless port.ServerlessInvoker
	store      port.HealthStore
	publisher  port.EventPublisher
	metrics    port.Metrics
	log        *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	pods      map[string]*domain.CloudPod
	totalCost float64
	totalJobs int
	costByPod map[string]float64

	stats *backendStats
	bg    sync.WaitGroup
}

// NewCloudPoolManager wires the pool. provider may be nil, in which case only the serverless path is usable.
func NewCloudPoolManager(
	cfg CloudPoolConfig,
	provider port.CloudProvider,
	client port.GenerationClient,
	serverless port.ServerlessInvoker,
	store port.HealthStore,
	publisher port.EventPublisher,
	metrics port.Metrics,
	log *zap.Logger,
) *CloudPoolManager {
	cfg.withDefaults()
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CloudPoolManager{
		cfg:        cfg,
		provider:   provider,
		client:     client,
		serverless: serverless,
		store:      store,
		publisher:  publisher,
		metrics:    metrics,
		log:        log,
		now:        time.Now,
		pods:       make(map[string]*domain.CloudPod),
		costByPod:  make(map[string]float64),
		stats:      newBackendStats(cfg.AvgSpeedSeconds),
	}
}

// AcquirePod hands out a ready pod, provisioning one if the pool has room,
// otherwise waiting up to AcquireTimeout for one to free up
func (m *CloudPoolManager) AcquirePod(ctx context.Context) (domain.CloudPod, error) {
	if m.provider == nil {
		return domain.CloudPod{}, fmt.Errorf("cloud pods: %w", domain.ErrBackendUnavailable)
	}
	if pod, ok := m.claimReady(); ok {
		return pod, nil
	}
	if id, ok := m.reserve(); ok {
		return m.provision(ctx, id, true)
	}

	m.log.Info("Pod pool at capacity, waiting for a free pod", zap.Int("max_pods", m.Settings().MaxPods))

	var pod domain.CloudPod
	err := wait.PollUntilContextTimeout(ctx, m.cfg.AcquirePollInterval, m.cfg.AcquireTimeout, false,
		func(context.Context) (bool, error) {
			p, ok := m.claimReady()
			if ok {
				pod = p
			}
			return ok, nil
		})
	if err != nil {
		if ctx.Err() != nil {
			return domain.CloudPod{}, ctx.Err()
		}
		return domain.CloudPod{}, fmt.Errorf("no pod freed within %s: %w", m.cfg.AcquireTimeout, domain.ErrNoCapacity)
	}
	return pod, nil
}

// Release returns a busy pod to the ready set
func (m *CloudPoolManager) Release(podID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pod, ok := m.pods[podID]
	if !ok {
		return fmt.Errorf("pod %s: %w", podID, domain.ErrNotFound)
	}
	if pod.Status != domain.PodStatusBusy {
		return fmt.Errorf("pod %s is %s: %w", podID, pod.Status, domain.ErrInvalidState)
	}
	pod.Status = domain.PodStatusReady
	pod.LastActivityAt = m.now()
	return nil
}

// Autoscale provisions min(ceil(depth/3), spare) pods in the background once the
// queue depth reaches the threshold. It returns how many it started.
func (m *CloudPoolManager) Autoscale(ctx context.Context, queueDepth int) int {
	if m.provider == nil || queueDepth < m.Settings().ScaleThreshold {
		return 0
	}

	want := (queueDepth + 2) / 3
	var ids []string
	for range want {
		id, ok := m.reserve()
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0
	}

	m.log.Info("Autoscaling cloud pods", zap.Int("queue_depth", queueDepth), zap.Int("provisioning", len(ids)))
	for _, id := range ids {
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			if _, err := m.provision(ctx, id, false); err != nil {
				m.log.Warn("Autoscale provisioning failed", zap.String("pod_id", id), zap.Error(err))
			}
		}()
	}
	return len(ids)
}

// MonitorIdle terminates idle pods every IdleCheckInterval until ctx is done
func (m *CloudPoolManager) MonitorIdle(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.TerminateIdle(ctx)
		}
	}
}

// TerminateIdle terminates ready pods idle for longer than IdleTimeout. Busy pods are never touched.
func (m *CloudPoolManager) TerminateIdle(ctx context.Context) int {
	return m.terminateReady(ctx, false)
}

// TerminateReady terminates every ready pod regardless of idle time. Busy and provisioning
// pods are left to finish.
func (m *CloudPoolManager) TerminateReady(ctx context.Context) int {
	return m.terminateReady(ctx, true)
}

func (m *CloudPoolManager) terminateReady(ctx context.Context, all bool) int {
	now := m.now()

	m.mu.Lock()
	var victims []domain.CloudPod
	for _, pod := range m.pods {
		if pod.Status == domain.PodStatusReady && (all || pod.IdleFor(now) > m.cfg.IdleTimeout) {
			pod.Status = domain.PodStatusTerminating
			victims = append(victims, *pod)
		}
	}
	m.mu.Unlock()

	terminated := 0
	for _, pod := range victims {
		m.log.Info("Terminating ready pod",
			zap.String("pod_id", pod.ID),
			zap.Duration("idle", pod.IdleFor(now)),
			zap.Bool("drain", all))
		if err := m.terminate(ctx, pod); err != nil {
			m.log.Error("Failed to terminate ready pod", zap.String("pod_id", pod.ID), zap.Error(err))
			m.revert(pod.ID)
			continue
		}
		terminated++
	}
	if len(victims) > 0 {
		m.reportCounts()
	}
	return terminated
}

// Spawn provisions one pod outside of any job and leaves it ready
func (m *CloudPoolManager) Spawn(ctx context.Context) (domain.CloudPod, error) {
	if m.provider == nil {
		return domain.CloudPod{}, fmt.Errorf("cloud pods: %w", domain.ErrBackendUnavailable)
	}
	id, ok := m.reserve()
	if !ok {
		return domain.CloudPod{}, fmt.Errorf("pool holds %d pods: %w", m.Settings().MaxPods, domain.ErrNoCapacity)
	}
	m.reportCounts()
	return m.provision(ctx, id, false)
}

// TerminatePod terminates one ready pod. A pod running a job, or one still provisioning,
// is refused with ErrInvalidState.
func (m *CloudPoolManager) TerminatePod(ctx context.Context, podID string) error {
	m.mu.Lock()
	pod, ok := m.pods[podID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pod %s: %w", podID, domain.ErrNotFound)
	}
	if pod.Status != domain.PodStatusReady {
		status := pod.Status
		m.mu.Unlock()
		return fmt.Errorf("pod %s is %s: %w", podID, status, domain.ErrInvalidState)
	}
	pod.Status = domain.PodStatusTerminating
	victim := *pod
	m.mu.Unlock()

	if err := m.terminate(ctx, victim); err != nil {
		m.revert(podID)
		return err
	}
	m.reportCounts()
	return nil
}

// Settings returns the runtime-adjustable part of the pool configuration
func (m *CloudPoolManager) Settings() domain.PoolSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settingsLocked()
}

// Configure applies the set fields of u. Lowering MaxPods below the current pod count
// only stops new provisioning.
func (m *CloudPoolManager) Configure(u domain.PoolSettingsUpdate) (domain.PoolSettings, error) {
	for name, v := range map[string]*int{
		"max_pods":             u.MaxPods,
		"scale_threshold":      u.ScaleThreshold,
		"idle_timeout_seconds": u.IdleTimeoutSeconds,
	} {
		if v != nil && *v <= 0 {
			return m.Settings(), fmt.Errorf("%w: %s must be positive", domain.ErrInvalidSettings, name)
		}
	}

	m.mu.Lock()
	if u.MaxPods != nil {
		m.cfg.MaxPods = *u.MaxPods
	}
	if u.ScaleThreshold != nil {
		m.cfg.ScaleThreshold = *u.ScaleThreshold
	}
	if u.IdleTimeoutSeconds != nil {
		m.cfg.IdleTimeout = time.Duration(*u.IdleTimeoutSeconds) * time.Second
	}
	if u.PreferServerless != nil {
		m.cfg.PreferServerless = *u.PreferServerless
	}
	st := m.settingsLocked()
	m.mu.Unlock()

	m.log.Info("Cloud pool settings updated",
		zap.Int("max_pods", st.MaxPods),
		zap.Int("scale_threshold", st.ScaleThreshold),
		zap.Int("idle_timeout_seconds", st.IdleTimeoutSeconds),
		zap.Bool("prefer_serverless", st.PreferServerless))
	return st, nil
}

func (m *CloudPoolManager) settingsLocked() domain.PoolSettings {
	return domain.PoolSettings{
		MaxPods:            m.cfg.MaxPods,
		ScaleThreshold:     m.cfg.ScaleThreshold,
		IdleTimeoutSeconds: int(m.cfg.IdleTimeout / time.Second),
		PreferServerless:   m.cfg.PreferServerless,
	}
}

// TerminateAll is the shutdown path: every pod is terminated in parallel and failures are only logged
func (m *CloudPoolManager) TerminateAll(ctx context.Context) {
	m.bg.Wait()

	m.mu.Lock()
	victims := make([]domain.CloudPod, 0, len(m.pods))
	for _, pod := range m.pods {
		pod.Status = domain.PodStatusTerminating
		victims = append(victims, *pod)
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	m.log.Info("Terminating all cloud pods", zap.Int("count", len(victims)))

	var g errgroup.Group
	for _, pod := range victims {
		g.Go(func() error {
			if err := m.terminate(ctx, pod); err != nil {
				m.log.Error("Failed to terminate pod", zap.String("pod_id", pod.ID), zap.Error(err))
				m.forget(pod.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	m.reportCounts()
}

// ProbePods checks every ready pod; one failing ProbeFailureThreshold probes in a row is replaced
func (m *CloudPoolManager) ProbePods(ctx context.Context) {
	m.mu.Lock()
	var targets []domain.CloudPod
	for _, pod := range m.pods {
		if pod.Status == domain.PodStatusReady && pod.Endpoint != "" {
			targets = append(targets, *pod)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := m.client.Probe(probeCtx, target.Endpoint)
			cancel()

			m.mu.Lock()
			pod, ok := m.pods[target.ID]
			if !ok {
				m.mu.Unlock()
				return nil
			}
			if err == nil {
				pod.ConsecutiveFailures = 0
			} else {
				pod.ConsecutiveFailures++
			}
			evict := pod.Status == domain.PodStatusReady && pod.ConsecutiveFailures >= m.cfg.ProbeFailureThreshold
			if evict {
				pod.Status = domain.PodStatusTerminating
			}
			snapshot := *pod
			m.mu.Unlock()

			if m.store != nil {
				if serr := m.store.RecordPod(ctx, &snapshot); serr != nil {
					m.log.Debug("Failed to record pod heartbeat", zap.String("pod_id", snapshot.ID), zap.Error(serr))
				}
			}
			if evict {
				m.log.Warn("Pod failed repeated probes, terminating", zap.String("pod_id", snapshot.ID), zap.Error(err))
				if terr := m.terminate(ctx, snapshot); terr != nil {
					m.log.Error("Failed to terminate unhealthy pod", zap.String("pod_id", snapshot.ID), zap.Error(terr))
					m.forget(snapshot.ID)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	m.reportCounts()
}

// Kind implements port.Backend
func (m *CloudPoolManager) Kind() domain.BackendKind { return domain.BackendCloud }

// Execute runs the job on the serverless endpoint when preferred, falling through to a rented pod
func (m *CloudPoolManager) Execute(ctx context.Context, job *domain.Job, report port.ProgressFunc) (*domain.ExecutionResult, error) {
	req := domain.DispatchRequest{JobID: job.ID, Kind: job.Kind, Payload: job.Payload}

	if m.useServerless() {
		start := m.now()
		output, err := m.serverless.Invoke(ctx, req, report)
		if err == nil {
			elapsed := m.now().Sub(start)
			cost := elapsed.Seconds() * m.cfg.ServerlessCostPerSecond
			m.mu.Lock()
			m.totalJobs++
			m.mu.Unlock()
			m.accrue("", cost)
			m.stats.recordSuccess(elapsed, cost)
			return &domain.ExecutionResult{
				Backend:    domain.BackendCloud,
				Output:     output,
				Cost:       cost,
				Duration:   elapsed,
				ExecutorID: "serverless",
			}, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		m.log.Warn("Serverless invocation failed, falling back to pods", zap.String("job_id", job.ID), zap.Error(err))
	}

	pod, err := m.AcquirePod(ctx)
	if err != nil {
		return nil, err
	}

	m.log.Info("Dispatching job to cloud pod", zap.String("job_id", job.ID), zap.String("pod_id", pod.ID))

	start := m.now()
	output, err := m.client.Generate(ctx, pod.Endpoint, req, report)
	elapsed := m.now().Sub(start)
	cost := domain.CostFor(elapsed, pod.CostPerHour)

	m.mu.Lock()
	m.totalJobs++
	if rec, ok := m.pods[pod.ID]; ok {
		rec.JobsProcessed++
		if rec.Status == domain.PodStatusBusy {
			rec.Status = domain.PodStatusReady
		}
		rec.LastActivityAt = m.now()
	}
	m.mu.Unlock()
	m.accrue(pod.ID, cost)

	if err != nil {
		m.stats.recordFailure()
		return nil, fmt.Errorf("pod %s: %w", pod.ID, err)
	}
	m.stats.recordSuccess(elapsed, cost)
	return &domain.ExecutionResult{
		Backend:    domain.BackendCloud,
		Output:     output,
		Cost:       cost,
		Duration:   elapsed,
		ExecutorID: pod.ID,
	}, nil
}

// Snapshot implements port.Backend
func (m *CloudPoolManager) Snapshot() domain.BackendSnapshot {
	m.mu.Lock()
	var ready, busy, provisioning int
	for _, pod := range m.pods {
		switch pod.Status {
		case domain.PodStatusReady:
			ready++
		case domain.PodStatusBusy:
			busy++
		case domain.PodStatusProvisioning:
			provisioning++
		}
	}
	room := len(m.pods) < m.cfg.MaxPods
	total := m.totalCost
	m.mu.Unlock()

	jobs, failures, _, avg := m.stats.read()
	serverless := m.serverless != nil && m.serverless.Enabled()

	cost := m.cfg.JobCostEstimate
	if m.useServerless() {
		cost = avg * m.cfg.ServerlessCostPerSecond
	}
	return domain.BackendSnapshot{
		Backend:               domain.BackendCloud,
		Available:             serverless || (m.provider != nil && (ready > 0 || room)),
		Healthy:               serverless || ready > 0,
		EstimatedCostPerJob:   cost,
		EstimatedSpeedSeconds: avg,
		CurrentQueueDepth:     busy + provisioning,
		LifetimeJobs:          jobs,
		LifetimeCost:          total,
		LifetimeFailures:      failures,
	}
}

// Stats reports pool occupancy and spend
func (m *CloudPoolManager) Stats() domain.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := domain.PoolStats{
		TotalJobsProcessed: m.totalJobs,
		TotalCost:          m.totalCost,
		CostByPod:          make(map[string]float64, len(m.costByPod)),
		Pods:               make([]domain.CloudPod, 0, len(m.pods)),
	}
	for id, c := range m.costByPod {
		st.CostByPod[id] = c
	}
	for _, pod := range m.pods {
		switch pod.Status {
		case domain.PodStatusBusy:
			st.BusyPods++
			st.ActivePods++
		case domain.PodStatusReady:
			st.ActivePods++
		case domain.PodStatusProvisioning:
			st.ProvisioningPods++
		}
		st.Pods = append(st.Pods, *pod)
	}
	return st
}

func (m *CloudPoolManager) useServerless() bool {
	m.mu.Lock()
	prefer := m.cfg.PreferServerless
	m.mu.Unlock()
	return prefer && m.serverless != nil && m.serverless.Enabled()
}

// claimReady flips the first ready pod to busy
func (m *CloudPoolManager) claimReady() (domain.CloudPod, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pod := range m.pods {
		if pod.Status == domain.PodStatusReady {
			pod.Status = domain.PodStatusBusy
			pod.LastActivityAt = m.now()
			return *pod, true
		}
	}
	return domain.CloudPod{}, false
}

// reserve adds a provisioning record if the pool has room. Counting it immediately keeps
// concurrent acquirers within MaxPods.
func (m *CloudPoolManager) reserve() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pods) >= m.cfg.MaxPods {
		return "", false
	}
	id := "pod-" + uuid.NewString()[:8]
	now := m.now()
	m.pods[id] = &domain.CloudPod{
		ID:          id,
		Status:      domain.PodStatusProvisioning,
		CostPerHour: m.cfg.Pod.CostPerHour,
		CreatedAt:   now,
	}
	return id, true
}

// provision asks the provider for a pod, waits for it to serve, and marks it busy when claim is set
func (m *CloudPoolManager) provision(ctx context.Context, id string, claim bool) (domain.CloudPod, error) {
	spec := m.cfg.Pod
	spec.Name = id

	m.log.Info("Provisioning cloud pod", zap.String("pod_id", id), zap.String("gpu", spec.GPUType))

	var (
		handle  domain.PodHandle
		lastErr error
	)
	backoff := wait.Backoff{
		Duration: m.cfg.ProvisionBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    m.cfg.ProvisionAttempts,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		h, err := m.provider.Provision(ctx, spec)
		if err != nil {
			lastErr = err
			m.log.Warn("Pod provisioning attempt failed", zap.String("pod_id", id), zap.Error(err))
			return false, nil
		}
		handle = h
		return true, nil
	})
	if err != nil {
		m.forget(id)
		m.reportCounts()
		if ctx.Err() != nil {
			return domain.CloudPod{}, ctx.Err()
		}
		if lastErr == nil {
			lastErr = err
		}
		return domain.CloudPod{}, fmt.Errorf("%w: %w", domain.ErrNoCapacity, &domain.ProviderControlError{Op: "provision", Err: lastErr})
	}

	m.mu.Lock()
	if rec, ok := m.pods[id]; ok {
		rec.ProviderID = handle.ID
		if handle.CostPerHour > 0 {
			rec.CostPerHour = handle.CostPerHour
		}
	}
	m.mu.Unlock()

	endpoint, err := m.awaitReady(ctx, handle)
	if err != nil {
		// The provider already bills for this instance, so it must not be left behind
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		m.mu.Lock()
		rec := m.pods[id]
		m.mu.Unlock()
		if rec != nil {
			if terr := m.terminate(cleanup, *rec); terr != nil {
				m.log.Error("Failed to terminate pod that never became ready", zap.String("pod_id", id), zap.Error(terr))
				m.forget(id)
			}
		}
		cancel()
		m.reportCounts()
		if ctx.Err() != nil {
			return domain.CloudPod{}, ctx.Err()
		}
		var pce *domain.ProviderControlError
		if !errors.As(err, &pce) {
			err = &domain.ProviderControlError{Op: "await-ready", Err: err}
		}
		return domain.CloudPod{}, fmt.Errorf("%w: %w", domain.ErrNoCapacity, err)
	}

	m.mu.Lock()
	rec, ok := m.pods[id]
	if !ok {
		m.mu.Unlock()
		return domain.CloudPod{}, fmt.Errorf("pod %s removed while provisioning: %w", id, domain.ErrNoCapacity)
	}
	rec.Endpoint = endpoint
	rec.Status = domain.PodStatusReady
	if claim {
		rec.Status = domain.PodStatusBusy
	}
	rec.LastActivityAt = m.now()
	pod := *rec
	m.mu.Unlock()

	m.log.Info("Cloud pod ready", zap.String("pod_id", id), zap.String("endpoint", endpoint))
	publishAsync(m.publisher, m.log, domain.Event{Type: domain.EventPodReady, Backend: domain.BackendCloud, PodID: id})
	if m.store != nil {
		if serr := m.store.RecordPod(ctx, &pod); serr != nil {
			m.log.Debug("Failed to record pod", zap.String("pod_id", id), zap.Error(serr))
		}
	}
	m.reportCounts()
	return pod, nil
}

// awaitReady polls the provider until the pod is running, then checks the generation endpoint answers
func (m *CloudPoolManager) awaitReady(ctx context.Context, handle domain.PodHandle) (string, error) {
	var endpoint string
	err := wait.PollUntilContextTimeout(ctx, m.cfg.ReadyPollInterval, m.cfg.ReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			st, err := m.provider.Status(ctx, handle)
			if err != nil {
				m.log.Debug("Pod status query failed", zap.String("provider_id", handle.ID), zap.Error(err))
				return false, nil
			}
			switch st.Phase {
			case domain.ProviderPhaseError:
				return false, &domain.ProviderControlError{Op: "status", Err: errors.New(st.Message)}
			case domain.ProviderPhaseReady:
				if st.Endpoint == "" {
					return false, nil
				}
				if _, perr := m.client.Probe(ctx, st.Endpoint); perr != nil {
					return false, nil
				}
				endpoint = st.Endpoint
				return true, nil
			default:
				return false, nil
			}
		})
	return endpoint, err
}

// terminate calls the provider and, on success, accrues the pod's lifetime cost and drops it
func (m *CloudPoolManager) terminate(ctx context.Context, pod domain.CloudPod) error {
	if pod.ProviderID != "" {
		err := m.provider.Terminate(ctx, domain.PodHandle{ID: pod.ProviderID, CostPerHour: pod.CostPerHour})
		if err != nil {
			return &domain.ProviderControlError{Op: "terminate", Err: err}
		}
	}

	lifetime := domain.CostFor(m.now().Sub(pod.CreatedAt), pod.CostPerHour)
	m.accrue(pod.ID, lifetime)
	m.forget(pod.ID)

	m.log.Info("Cloud pod terminated",
		zap.String("pod_id", pod.ID),
		zap.Int("jobs_processed", pod.JobsProcessed),
		zap.Float64("lifetime_cost", lifetime))
	publishAsync(m.publisher, m.log, domain.Event{
		Type:    domain.EventPodTerminated,
		Backend: domain.BackendCloud,
		PodID:   pod.ID,
		Cost:    lifetime,
	})
	return nil
}

func (m *CloudPoolManager) revert(id string) {
	m.mu.Lock()
	if pod, ok := m.pods[id]; ok && pod.Status == domain.PodStatusTerminating {
		pod.Status = domain.PodStatusReady
	}
	m.mu.Unlock()
}

func (m *CloudPoolManager) forget(id string) {
	m.mu.Lock()
	delete(m.pods, id)
	m.mu.Unlock()
}

// accrue adds spend to the pool total and, when podID is set, to that pod's record
func (m *CloudPoolManager) accrue(podID string, cost float64) {
	if cost <= 0 {
		return
	}
	m.mu.Lock()
	m.totalCost += cost
	if podID != "" {
		m.costByPod[podID] += cost
		if pod, ok := m.pods[podID]; ok {
			pod.AccruedCost += cost
		}
	}
	total := m.totalCost
	m.mu.Unlock()

	m.metrics.CostAccrued(domain.BackendCloud, cost)
	publishAsync(m.publisher, m.log, domain.Event{
		Type:    domain.EventCostUpdated,
		Backend: domain.BackendCloud,
		PodID:   podID,
		Cost:    total,
	})
}

func (m *CloudPoolManager) reportCounts() {
	counts := map[domain.PodStatus]int{
		domain.PodStatusProvisioning: 0,
		domain.PodStatusReady:        0,
		domain.PodStatusBusy:         0,
		domain.PodStatusTerminating:  0,
	}
	m.mu.Lock()
	for _, pod := range m.pods {
		counts[pod.Status]++
	}
	m.mu.Unlock()
	for status, n := range counts {
		m.metrics.PodCount(status, n)
	}
}
