package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRepo(t *testing.T) *JobRepository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "jobs.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleJob(id string, priority int) *domain.Job {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Job{
		ID:          id,
		Kind:        domain.JobKindImage,
		Priority:    priority,
		Payload:     map[string]any{"prompt": "a lighthouse at dusk"},
		Preferences: domain.DefaultPreferences(),
		State:       domain.JobStateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJobRepository_SaveAndGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleJob("j1", 3)))

	got, err := repo.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobKindImage, got.Kind)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, "a lighthouse at dusk", got.Payload["prompt"])

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepository_UpdateStatus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, sampleJob("j1", 5)))

	done := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateStatus(ctx, "j1", domain.StatusUpdate{
		State:          domain.JobStateCompleted,
		Attempts:       1,
		Progress:       100,
		Result:         map[string]any{"image": "out.png"},
		Backend:        domain.BackendFallback,
		Cost:           0.08,
		FailedAttempts: []domain.AttemptFailure{{Backend: domain.BackendLocal, Error: "CUDA error"}},
		CompletedAt:    &done,
		UpdatedAt:      done,
	}))

	got, err := repo.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, got.State)
	assert.Equal(t, domain.BackendFallback, got.Backend)
	assert.Len(t, got.FailedAttempts, 1)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", domain.StatusUpdate{}), domain.ErrNotFound)
}

func TestJobRepository_ListByState(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, sampleJob("low", 9)))
	require.NoError(t, repo.Save(ctx, sampleJob("urgent", 1)))

	done := sampleJob("done", 1)
	done.State = domain.JobStateCompleted
	require.NoError(t, repo.Save(ctx, done))

	jobs, err := repo.ListByState(ctx, domain.JobStateQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "urgent", jobs[0].ID)
	assert.Equal(t, "low", jobs[1].ID)
}
