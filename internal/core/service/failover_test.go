package service

import (
	"context"
	"errors"
	"testing"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func candidatesFor(kinds ...domain.BackendKind) []domain.Candidate {
	out := make([]domain.Candidate, len(kinds))
	for i, k := range kinds {
		out[i] = domain.Candidate{Backend: k}
	}
	return out
}

func TestFailover_WalksInOrderAndRecordsFailures(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, err: domain.ErrNoHealthyWorkers}
	cloud := &stubBackend{kind: domain.BackendCloud, err: errors.New("pod exploded")}
	fallback := &stubBackend{kind: domain.BackendFallback}
	pub := &recordingPublisher{}

	f := NewFailoverExecutor([]port.Backend{local, cloud, fallback}, pub, nil, zap.NewNop())
	res, err := f.Execute(context.Background(), &domain.Job{ID: "j1"},
		candidatesFor(domain.BackendLocal, domain.BackendCloud, domain.BackendFallback), nil)

	require.NoError(t, err)
	assert.Equal(t, domain.BackendFallback, res.Backend)
	require.Len(t, res.FailedAttempts, 2)
	assert.Equal(t, domain.BackendLocal, res.FailedAttempts[0].Backend)
	assert.Equal(t, domain.BackendCloud, res.FailedAttempts[1].Backend)
	assert.Equal(t, "pod exploded", res.FailedAttempts[1].Error)
	assert.EqualValues(t, 1, local.calls.Load())
	assert.EqualValues(t, 1, cloud.calls.Load())
	assert.Eventually(t, func() bool { return pub.count(domain.EventFailover) == 1 }, eventually, tick)
}

func TestFailover_StopsAtFirstSuccess(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal}
	cloud := &stubBackend{kind: domain.BackendCloud}

	f := NewFailoverExecutor([]port.Backend{local, cloud}, nil, nil, zap.NewNop())
	res, err := f.Execute(context.Background(), &domain.Job{ID: "j1"}, candidatesFor(domain.BackendLocal, domain.BackendCloud), nil)

	require.NoError(t, err)
	assert.Equal(t, domain.BackendLocal, res.Backend)
	assert.Empty(t, res.FailedAttempts)
	assert.Zero(t, cloud.calls.Load())
}

func TestFailover_ExhaustedCarriesLastError(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, err: errors.New("first")}
	fallback := &stubBackend{kind: domain.BackendFallback, err: errors.New("quota exceeded")}

	f := NewFailoverExecutor([]port.Backend{local, fallback}, nil, nil, zap.NewNop())
	_, err := f.Execute(context.Background(), &domain.Job{ID: "j1"}, candidatesFor(domain.BackendLocal, domain.BackendFallback), nil)

	var exhausted *domain.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "quota exceeded", err.Error())
	assert.Len(t, exhausted.Failures, 2)
}

func TestFailover_NoCandidates(t *testing.T) {
	f := NewFailoverExecutor(nil, nil, nil, zap.NewNop())
	_, err := f.Execute(context.Background(), &domain.Job{ID: "j1"}, nil, nil)

	assert.ErrorIs(t, err, domain.ErrNoHealthyWorkers)
	assert.Equal(t, domain.ErrNoHealthyWorkers.Error(), err.Error())
}

func TestFailover_UnconfiguredBackendIsSkipped(t *testing.T) {
	fallback := &stubBackend{kind: domain.BackendFallback}

	f := NewFailoverExecutor([]port.Backend{fallback}, nil, nil, zap.NewNop())
	res, err := f.Execute(context.Background(), &domain.Job{ID: "j1"}, candidatesFor(domain.BackendCloud, domain.BackendFallback), nil)

	require.NoError(t, err)
	require.Len(t, res.FailedAttempts, 1)
	assert.Contains(t, res.FailedAttempts[0].Error, domain.ErrBackendUnavailable.Error())
}

func TestFailover_ScalesProgress(t *testing.T) {
	local := &stubBackend{kind: domain.BackendLocal, progress: []int{0, 50, 100, 150}}
	progress := make(chan int, 8)

	f := NewFailoverExecutor([]port.Backend{local}, nil, nil, zap.NewNop())
	_, err := f.Execute(context.Background(), &domain.Job{ID: "j1"}, candidatesFor(domain.BackendLocal), progress)
	require.NoError(t, err)
	close(progress)

	var got []int
	for p := range progress {
		got = append(got, p)
	}
	assert.Equal(t, []int{5, 50, 95, 95}, got)
}

func TestFailover_CancelledContextStopsWalk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	local := &stubBackend{kind: domain.BackendLocal, err: context.Canceled}
	cloud := &stubBackend{kind: domain.BackendCloud}
	cancel()

	f := NewFailoverExecutor([]port.Backend{local, cloud}, nil, nil, zap.NewNop())
	_, err := f.Execute(ctx, &domain.Job{ID: "j1"}, candidatesFor(domain.BackendLocal, domain.BackendCloud), nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cloud.calls.Load())
}
