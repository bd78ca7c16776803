package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/cloud/runpod"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenJobStore_SQLite(t *testing.T) {
	cfg := &config.AppConfig{
		Persistence: &config.Persistence{Driver: "sqlite"},
		SQLite:      &config.SQLite{Path: filepath.Join(t.TempDir(), "jobs.db")},
	}
	repo, closeStore, err := OpenJobStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeStore(context.Background())

	now := time.Now().UTC()
	require.NoError(t, repo.Save(context.Background(), &domain.Job{
		ID: "j1", Kind: domain.JobKindImage, State: domain.JobStateQueued, CreatedAt: now, UpdatedAt: now,
	}))
	got, err := repo.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, got.State)
}

func TestOpenJobStore_NoneAndUnknown(t *testing.T) {
	repo, closeStore, err := OpenJobStore(context.Background(), &config.AppConfig{Persistence: &config.Persistence{Driver: "none"}}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, repo)
	closeStore(context.Background())

	_, _, err = OpenJobStore(context.Background(), &config.AppConfig{Persistence: &config.Persistence{Driver: "cassandra"}}, zap.NewNop())
	assert.ErrorContains(t, err, "cassandra")
}

func TestOpenRedis_Unconfigured(t *testing.T) {
	store, cache, closeRedis, err := OpenRedis(context.Background(), &config.Redis{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.Nil(t, cache)
	closeRedis(context.Background())
}

func TestOpenProvider(t *testing.T) {
	cloud := &config.Cloud{
		Port:       8188,
		RunPod:     &config.RunPod{APIKey: "k"},
		Kubernetes: &config.Kubernetes{},
		Serverless: &config.Serverless{},
	}

	cloud.Provider = "none"
	p, err := OpenProvider(context.Background(), cloud, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, p)

	cloud.Provider = "runpod"
	p, err = OpenProvider(context.Background(), cloud, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &runpod.Provider{}, p)

	cloud.Provider = "ec2"
	_, err = OpenProvider(context.Background(), cloud, zap.NewNop())
	assert.Error(t, err)
}

func TestServerless_DisabledWithoutEndpoint(t *testing.T) {
	cloud := &config.Cloud{RunPod: &config.RunPod{APIKey: "k"}, Serverless: &config.Serverless{}}
	assert.False(t, Serverless(cloud, zap.NewNop()).Enabled())

	cloud.Serverless.EndpointID = "ep-1"
	assert.True(t, Serverless(cloud, zap.NewNop()).Enabled())
}
