package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type orchestratorFixture struct {
	orch     *Orchestrator
	local    *fakeGenClient
	cloud    *fakeGenClient
	provider *fakeProvider
	fallback *fakeFallbackAPI
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		local:    newFakeGenClient(),
		cloud:    newFakeGenClient(),
		provider: &fakeProvider{},
		fallback: &fakeFallbackAPI{available: true},
	}
	log := zap.NewNop()
	local := NewLocalWorkerPool(LocalPoolConfig{}, f.local, nil, nil, nil, nil, log)
	cloud := NewCloudPoolManager(fastCloudConfig(), f.provider, f.cloud, nil, nil, nil, nil, log)
	fallback := NewFallbackBackend(FallbackConfig{}, f.fallback, nil, log)

	f.orch = NewOrchestrator(
		OrchestratorConfig{LocalEndpoints: []string{"http://gpu-a:8188"}, HealthInterval: time.Hour},
		QueueConfig{MaxAttempts: 1, BackoffBase: time.Millisecond},
		Dependencies{Local: local, Cloud: cloud, Fallback: fallback},
		log,
	)
	return f
}

func (f *orchestratorFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, f.orch.Stop(ctx))
	})
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) domain.JobStatus {
	t.Helper()
	var st domain.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = o.GetStatus(id)
		return err == nil && st.State.Terminal()
	}, eventually, tick)
	return st
}

func TestOrchestrator_RunsOnLocalWorker(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.start(t)

	res, err := f.orch.Submit(context.Background(), imageJob("", 5))
	require.NoError(t, err)

	st := waitTerminal(t, f.orch, res.JobID)
	assert.Equal(t, domain.JobStateCompleted, st.State)
	assert.Equal(t, domain.BackendLocal, st.Backend)
	assert.Equal(t, 100, st.Progress)
	assert.Zero(t, f.fallback.calls.Load())
}

func TestOrchestrator_FailsOverLocalCloudFallback(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.local.generate = func(context.Context, string, domain.DispatchRequest, port.ProgressFunc) (map[string]any, error) {
		return nil, &domain.BackendExecutionError{Backend: domain.BackendLocal, Message: "CUDA error"}
	}
	f.cloud.generate = func(context.Context, string, domain.DispatchRequest, port.ProgressFunc) (map[string]any, error) {
		return nil, errors.New("pod connection reset")
	}
	f.start(t)

	res, err := f.orch.Submit(context.Background(), imageJob("", 5))
	require.NoError(t, err)

	st := waitTerminal(t, f.orch, res.JobID)
	require.Equal(t, domain.JobStateCompleted, st.State)
	assert.Equal(t, domain.BackendFallback, st.Backend)
	require.Len(t, st.FailedAttempts, 2)
	assert.Equal(t, domain.BackendLocal, st.FailedAttempts[0].Backend)
	assert.Equal(t, domain.BackendCloud, st.FailedAttempts[1].Backend)
	assert.InDelta(t, 0.08, st.Cost, 1e-9)
}

func TestOrchestrator_NoHealthyWorkersWhenCloudDisallowed(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.local.setDown("http://gpu-a:8188", true)
	f.fallback.available = false
	f.start(t)

	prefs := domain.DefaultPreferences()
	prefs.AllowCloudFallback = false
	sub := imageJob("", 5)
	sub.Preferences = &prefs

	res, err := f.orch.Submit(context.Background(), sub)
	require.NoError(t, err)

	st := waitTerminal(t, f.orch, res.JobID)
	assert.Equal(t, domain.JobStateFailed, st.State)
	assert.Equal(t, domain.ErrNoHealthyWorkers.Error(), st.FailureReason)
	assert.Zero(t, f.provider.provisionCount())
}

func TestOrchestrator_StickyDefaultPreferences(t *testing.T) {
	f := newOrchestratorFixture(t)

	limit := 0.05
	require.NoError(t, f.orch.SetDefaultPreferences(domain.UserPreferences{
		PreferredBackend:   domain.BackendCloud,
		MaxCostPerJob:      &limit,
		AllowCloudFallback: true,
	}))

	got := f.orch.DefaultPreferences()
	assert.Equal(t, domain.BackendCloud, got.PreferredBackend)
	require.NotNil(t, got.MaxCostPerJob)
	*got.MaxCostPerJob = 99
	assert.InDelta(t, 0.05, *f.orch.DefaultPreferences().MaxCostPerJob, 1e-9)

	assert.ErrorIs(t, f.orch.SetDefaultPreferences(domain.UserPreferences{PreferredBackend: "mainframe"}), domain.ErrInvalidJob)

	res, err := f.orch.Submit(context.Background(), imageJob("", 5))
	require.NoError(t, err)
	f.orch.queue.mu.Lock()
	prefs := f.orch.queue.jobs[res.JobID].Preferences
	f.orch.queue.mu.Unlock()
	assert.Equal(t, domain.BackendCloud, prefs.PreferredBackend)
}

func TestOrchestrator_RankAndEstimate(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.start(t)

	cands := f.orch.Rank(domain.JobKindImage, nil)
	require.NotEmpty(t, cands)
	assert.Equal(t, domain.BackendLocal, cands[0].Backend)

	est := f.orch.Estimate(4, false)
	require.Len(t, est, 3)
	assert.True(t, est[0].Recommended)
	assert.Equal(t, domain.BackendLocal, est[0].Backend)
}

func TestOrchestrator_LookupFallsBackToStore(t *testing.T) {
	repo := newMemRepo()
	repo.saved["archived"] = &domain.Job{ID: "archived", Kind: domain.JobKindImage, State: domain.JobStateCompleted, Backend: domain.BackendCloud}

	o := NewOrchestrator(OrchestratorConfig{}, QueueConfig{}, Dependencies{Repo: repo}, zap.NewNop())

	st, err := o.Lookup(context.Background(), "archived")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, st.State)
	assert.Equal(t, domain.BackendCloud, st.Backend)

	_, err = o.Lookup(context.Background(), "never-seen")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_PoolControls(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	pod, err := f.orch.SpawnPod(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PodStatusReady, pod.Status)
	assert.Equal(t, 1, f.orch.PoolStats().ActivePods)

	require.NoError(t, f.orch.TerminatePod(ctx, pod.ID))
	assert.ErrorIs(t, f.orch.TerminatePod(ctx, pod.ID), domain.ErrNotFound)

	busy, err := f.orch.cloud.AcquirePod(ctx)
	require.NoError(t, err)
	_, err = f.orch.SpawnPod(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, f.orch.TerminatePod(ctx, busy.ID), domain.ErrInvalidState)

	terminated, stillBusy := f.orch.DrainPods(ctx)
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 1, stillBusy)

	maxPods := 4
	st, err := f.orch.ConfigurePool(domain.PoolSettingsUpdate{MaxPods: &maxPods})
	require.NoError(t, err)
	assert.Equal(t, 4, st.MaxPods)
}

func TestOrchestrator_PoolControlsWithoutCloud(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{}, QueueConfig{}, Dependencies{}, zap.NewNop())
	ctx := context.Background()

	_, err := o.SpawnPod(ctx)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.ErrorIs(t, o.TerminatePod(ctx, "pod-1"), domain.ErrNotFound)
	terminated, busy := o.DrainPods(ctx)
	assert.Zero(t, terminated)
	assert.Zero(t, busy)
	_, err = o.ConfigurePool(domain.PoolSettingsUpdate{})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestOrchestrator_PurgeFinishedOnDemand(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.start(t)

	res, err := f.orch.Submit(context.Background(), imageJob("", 5))
	require.NoError(t, err)
	st := waitTerminal(t, f.orch, res.JobID)
	require.Equal(t, domain.JobStateCompleted, st.State)

	assert.Zero(t, f.orch.PurgeFinished(time.Hour))
	assert.Equal(t, 1, f.orch.PurgeFinished(0))
	_, err = f.orch.GetStatus(res.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
