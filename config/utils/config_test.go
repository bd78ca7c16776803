package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: test-dispatcher\n")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "test-dispatcher", cfg.App.Name)
	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Local.HealthInterval)
	assert.Equal(t, 3, cfg.Local.FailureThreshold)
	assert.Equal(t, 5, cfg.Cloud.MaxPods)
	assert.Equal(t, 5*time.Minute, cfg.Cloud.IdleTimeout)
	assert.Equal(t, "none", cfg.Cloud.Provider)
	assert.Equal(t, "none", cfg.Persistence.Driver)
	assert.InDelta(t, 0.08, cfg.Fallback.CostPerJob, 1e-9)
	assert.InDelta(t, 0.5, cfg.Selector.Balanced.Cost, 1e-9)
	assert.InDelta(t, 0.6, cfg.Selector.Speed.Speed, 1e-9)
	assert.Equal(t, "nvidia.com/gpu", cfg.Cloud.Kubernetes.GPUResource)
	assert.NotNil(t, cfg.Cloud.RunPod)
	assert.NotNil(t, cfg.Cloud.Serverless)
	assert.NotNil(t, cfg.Logger.EncoderConfig.EncodeLevel)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
queue:
  concurrency: 8
local:
  workers:
    - http://gpu-a:8188
    - http://gpu-b:8188
cloud:
  provider: kubernetes
  maxPods: 2
  kubernetes:
    namespace: render
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, []string{"http://gpu-a:8188", "http://gpu-b:8188"}, cfg.Local.Workers)
	assert.Equal(t, "kubernetes", cfg.Cloud.Provider)
	assert.Equal(t, 2, cfg.Cloud.MaxPods)
	assert.Equal(t, "render", cfg.Cloud.Kubernetes.Namespace)
}

func TestLoad_EnvBindings(t *testing.T) {
	t.Setenv("RUNPOD_API_KEY", "rp-secret")
	t.Setenv("PERSISTENCE_DRIVER", "sqlite")
	path := writeConfig(t, "app:\n  name: env-test\n")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "rp-secret", cfg.Cloud.RunPod.APIKey)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
