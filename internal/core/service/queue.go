package service

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor runs one attempt of a job. Progress values written to progress are already in job scale.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job, progress chan<- int) (*domain.ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, job *domain.Job, progress chan<- int) (*domain.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job, progress chan<- int) (*domain.ExecutionResult, error) {
	return f(ctx, job, progress)
}

type QueueConfig struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	JobTimeout      time.Duration
	VideoJobTimeout time.Duration
	PersistBuffer   int
}

func (c *QueueConfig) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.VideoJobTimeout <= 0 {
		c.VideoJobTimeout = c.JobTimeout
	}
}

// JobQueue holds jobs in memory, dispatches them by priority onto a fixed number of
// slots and owns every state transition
type JobQueue struct {
	cfg     QueueConfig
	exec    Executor
	persist *persister
	metrics port.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending jobHeap
	items   map[string]*queueItem
	seq     uint64
	jobs    map[string]*domain.Job
	running map[string]context.CancelFunc
	delayed map[string]*time.Timer

	wake  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup

	stop     context.CancelFunc
	loopDone chan struct{}
}

func NewJobQueue(
	cfg QueueConfig,
	exec Executor,
	repo port.JobRepository,
	cache port.StatusCache,
	publisher port.EventPublisher,
	metrics port.Metrics,
	log *zap.Logger,
) *JobQueue {
	cfg.withDefaults()
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &JobQueue{
		cfg:     cfg,
		exec:    exec,
		persist: newPersister(repo, cache, publisher, log, cfg.PersistBuffer),
		metrics: metrics,
		log:     log,
		now:     time.Now,
		items:   make(map[string]*queueItem),
		jobs:    make(map[string]*domain.Job),
		running: make(map[string]context.CancelFunc),
		delayed: make(map[string]*time.Timer),
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, cfg.Concurrency),
	}
}

// Enqueue validates a submission and places it in the priority order
func (q *JobQueue) Enqueue(_ context.Context, sub domain.Submission) (domain.EnqueueResult, error) {
	if !sub.Kind.Valid() {
		return domain.EnqueueResult{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidJob, sub.Kind)
	}
	if len(sub.Payload) == 0 {
		return domain.EnqueueResult{}, fmt.Errorf("%w: payload is required", domain.ErrInvalidJob)
	}
	priority := sub.Priority
	if priority == 0 {
		priority = domain.DefaultPriority
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return domain.EnqueueResult{}, fmt.Errorf("%w: priority %d outside %d-%d",
			domain.ErrInvalidJob, priority, domain.MinPriority, domain.MaxPriority)
	}
	prefs := domain.DefaultPreferences()
	if sub.Preferences != nil {
		prefs = *sub.Preferences
	}
	if err := prefs.Normalize(); err != nil {
		return domain.EnqueueResult{}, err
	}

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}

	q.mu.Lock()
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		return domain.EnqueueResult{}, fmt.Errorf("%w: duplicate job id %s", domain.ErrInvalidJob, id)
	}

	now := q.now()
	job := &domain.Job{
		ID:          id,
		Kind:        sub.Kind,
		Priority:    priority,
		Payload:     sub.Payload,
		UserID:      sub.UserID,
		Preferences: prefs,
		State:       domain.JobStateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[id] = job
	item := q.push(job)
	position := q.positionOf(item)
	q.persist.saved(job, domain.EventJobQueued)
	q.mu.Unlock()

	q.signal()
	q.reportDepth()

	q.log.Info("Job queued",
		zap.String("job_id", id),
		zap.String("kind", string(job.Kind)),
		zap.Int("priority", priority),
		zap.Int("position", position))

	return domain.EnqueueResult{JobID: id, QueuePosition: position, Status: domain.JobStateQueued}, nil
}

// GetStatus returns a copy of the job's current status
func (q *JobQueue) GetStatus(id string) (domain.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return domain.JobStatus{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job.Status(), nil
}

// Cancel stops a queued or active job. Terminal jobs are left untouched.
func (q *JobQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if job.State.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("job %s is %s: %w", id, job.State, domain.ErrInvalidState)
	}

	if item, queued := q.items[id]; queued {
		heap.Remove(&q.pending, item.index)
		delete(q.items, id)
	}
	if timer, ok := q.delayed[id]; ok {
		timer.Stop()
		delete(q.delayed, id)
	}
	if cancel, ok := q.running[id]; ok {
		cancel()
	}

	now := q.now()
	job.State = domain.JobStateCancelled
	job.FailureReason = "cancelled"
	job.CompletedAt = &now
	job.UpdatedAt = now
	q.persist.transitioned(job, domain.EventJobCancelled)
	q.mu.Unlock()

	q.reportDepth()
	q.log.Info("Job cancelled", zap.String("job_id", id))
	return nil
}

// Start launches the dispatch loop; it runs until ctx is done or Stop is called
func (q *JobQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.stop = cancel
	q.loopDone = make(chan struct{})
	q.mu.Unlock()

	go q.loop(ctx)
	q.log.Info("Job queue started", zap.Int("concurrency", q.cfg.Concurrency), zap.Int("max_attempts", q.cfg.MaxAttempts))
}

// Stop halts dispatching, waits for in-flight attempts and flushes pending persistence writes
func (q *JobQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	stop, loopDone := q.stop, q.loopDone
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	q.mu.Unlock()

	if stop != nil {
		stop()
		<-loopDone
	}

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for active jobs: %w", ctx.Err())
	}

	q.persist.close()
	return nil
}

// Stats counts jobs by state; delayed are queued jobs waiting out a retry backoff
func (q *JobQueue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st domain.QueueStats
	for id, job := range q.jobs {
		switch job.State {
		case domain.JobStateQueued:
			if _, ok := q.delayed[id]; ok {
				st.Delayed++
			} else {
				st.Waiting++
			}
		case domain.JobStateActive:
			st.Active++
		case domain.JobStateCompleted:
			st.Completed++
		case domain.JobStateFailed:
			st.Failed++
		case domain.JobStateCancelled:
			st.Cancelled++
		}
	}
	st.Total = len(q.jobs)
	return st
}

// Depth is the number of jobs not yet running, including those in backoff
func (q *JobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() + len(q.delayed)
}

// PurgeFinished drops terminal jobs that finished before now-olderThan and returns how many went
func (q *JobQueue) PurgeFinished(olderThan time.Duration) int {
	cutoff := q.now().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()
	purged := 0
	for id, job := range q.jobs {
		if job.State.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			purged++
		}
	}
	if purged > 0 {
		q.log.Info("Purged finished jobs", zap.Int("count", purged), zap.Duration("older_than", olderThan))
	}
	return purged
}

func (q *JobQueue) loop(ctx context.Context) {
	defer close(q.loopDone)
	for {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, jobCtx, cancel := q.next(ctx)
		if job == nil {
			<-q.slots
			return
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.slots }()
			q.run(ctx, jobCtx, cancel, job)
		}()
	}
}

// next blocks until a job is available and activates it under the lock so a concurrent
// Cancel always observes either queued or active
func (q *JobQueue) next(ctx context.Context) (*domain.Job, context.Context, context.CancelFunc) {
	for {
		q.mu.Lock()
		if q.pending.Len() > 0 {
			item := heap.Pop(&q.pending).(*queueItem)
			delete(q.items, item.job.ID)
			job := item.job

			now := q.now()
			job.State = domain.JobStateActive
			job.Attempts++
			job.Progress = 0
			job.FailureReason = ""
			job.StartedAt = &now
			job.UpdatedAt = now

			timeout := q.cfg.JobTimeout
			if job.Kind == domain.JobKindVideo {
				timeout = q.cfg.VideoJobTimeout
			}
			jobCtx, cancel := context.WithTimeout(ctx, timeout)
			q.running[job.ID] = cancel
			q.persist.transitioned(job, domain.EventJobActive)
			snapshot := job.Clone()
			q.mu.Unlock()

			q.reportDepth()
			q.log.Info("Job started",
				zap.String("job_id", job.ID),
				zap.Int("attempt", snapshot.Attempts),
				zap.Duration("timeout", timeout))
			return snapshot, jobCtx, cancel
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, nil, nil
		}
	}
}

func (q *JobQueue) run(ctx, jobCtx context.Context, cancel context.CancelFunc, job *domain.Job) {
	progress := make(chan int, 16)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case p := <-progress:
				q.setProgress(job.ID, p)
			case <-stop:
				return
			}
		}
	}()

	result, err := q.exec.Execute(jobCtx, job, progress)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()
	close(stop)
	<-done

	if err != nil && timedOut {
		err = fmt.Errorf("job timed out: %w", err)
	}
	q.finish(ctx, job.ID, result, err)
}

// setProgress applies a progress tick; values below the current one are ignored
func (q *JobQueue) setProgress(id string, p int) {
	p = min(max(p, 0), 100)

	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.State != domain.JobStateActive || p <= job.Progress {
		return
	}
	job.Progress = p
	job.UpdatedAt = q.now()
	q.persist.transitioned(job, domain.EventJobProgress)
}

func (q *JobQueue) finish(ctx context.Context, id string, result *domain.ExecutionResult, err error) {
	q.mu.Lock()
	defer q.reportDepth()
	defer q.mu.Unlock()

	delete(q.running, id)
	job, ok := q.jobs[id]
	if !ok || job.State != domain.JobStateActive {
		// cancelled while running; Cancel already recorded the transition
		return
	}

	now := q.now()
	job.UpdatedAt = now
	elapsed := time.Duration(0)
	if job.StartedAt != nil {
		elapsed = now.Sub(*job.StartedAt)
	}

	if err == nil {
		job.State = domain.JobStateCompleted
		job.Progress = 100
		job.Result = result.Output
		job.Backend = result.Backend
		job.Cost = result.Cost
		job.FailedAttempts = result.FailedAttempts
		job.CompletedAt = &now
		q.persist.transitioned(job, domain.EventJobCompleted)
		q.metrics.JobFinished(result.Backend, domain.JobStateCompleted, elapsed)
		q.log.Info("Job completed",
			zap.String("job_id", id),
			zap.String("backend", string(result.Backend)),
			zap.Float64("cost", result.Cost),
			zap.Duration("elapsed", elapsed))
		return
	}

	var exhausted *domain.ExhaustedError
	if errors.As(err, &exhausted) {
		job.FailedAttempts = exhausted.Failures
	}
	job.FailureReason = err.Error()
	job.Progress = 0

	if ctx.Err() != nil {
		// dispatcher shutting down: hand the attempt back without spending a retry
		job.State = domain.JobStateQueued
		job.Attempts--
		q.push(job)
		q.persist.transitioned(job, domain.EventJobRetry)
		return
	}

	if job.Attempts < q.cfg.MaxAttempts {
		delay := q.cfg.BackoffBase << (job.Attempts - 1)
		job.State = domain.JobStateQueued
		q.delayed[id] = time.AfterFunc(delay, func() { q.requeue(id) })
		q.persist.transitioned(job, domain.EventJobRetry)
		q.metrics.JobRetried()
		q.log.Warn("Job attempt failed, retrying",
			zap.String("job_id", id),
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		return
	}

	job.State = domain.JobStateFailed
	job.CompletedAt = &now
	q.persist.transitioned(job, domain.EventJobFailed)
	q.metrics.JobFinished(job.Backend, domain.JobStateFailed, elapsed)
	q.log.Error("Job failed",
		zap.String("job_id", id),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
}

func (q *JobQueue) requeue(id string) {
	q.mu.Lock()
	delete(q.delayed, id)
	job, ok := q.jobs[id]
	if !ok || job.State != domain.JobStateQueued {
		q.mu.Unlock()
		return
	}
	q.push(job)
	q.mu.Unlock()
	q.signal()
}

// push must be called with mu held
func (q *JobQueue) push(job *domain.Job) *queueItem {
	q.seq++
	item := &queueItem{job: job, seq: q.seq}
	heap.Push(&q.pending, item)
	q.items[job.ID] = item
	return item
}

// positionOf must be called with mu held; positions are 1-based
func (q *JobQueue) positionOf(target *queueItem) int {
	pos := 1
	for _, it := range q.pending {
		if it != target && it.before(target) {
			pos++
		}
	}
	return pos
}

func (q *JobQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *JobQueue) reportDepth() {
	q.mu.Lock()
	waiting := q.pending.Len() + len(q.delayed)
	active := len(q.running)
	q.mu.Unlock()
	q.metrics.QueueDepth(waiting, active)
}

type queueItem struct {
	job   *domain.Job
	seq   uint64
	index int
}

// before orders by priority (lower first) then by enqueue sequence
func (a *queueItem) before(b *queueItem) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	return a.seq < b.seq
}

type jobHeap []*queueItem

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
