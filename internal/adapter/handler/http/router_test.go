package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDispatcher struct {
	submitted []domain.Submission
	statuses  map[string]domain.JobStatus
	cancelErr error
	snapshots []domain.BackendSnapshot
	workers   []domain.LocalWorker
	prefs     domain.UserPreferences
	estimates []domain.Estimate

	pods      map[string]domain.CloudPod
	spawnErr  error
	settings  domain.PoolSettings
	purgedAge time.Duration
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		statuses: map[string]domain.JobStatus{},
		prefs:    domain.DefaultPreferences(),
		pods:     map[string]domain.CloudPod{},
		settings: domain.PoolSettings{MaxPods: 5, ScaleThreshold: 5, IdleTimeoutSeconds: 300},
	}
}

func (f *fakeDispatcher) Submit(_ context.Context, sub domain.Submission) (domain.EnqueueResult, error) {
	if !sub.Kind.Valid() {
		return domain.EnqueueResult{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidJob, sub.Kind)
	}
	f.submitted = append(f.submitted, sub)
	return domain.EnqueueResult{JobID: "job-1", QueuePosition: len(f.submitted), Status: domain.JobStateQueued}, nil
}

func (f *fakeDispatcher) Lookup(_ context.Context, id string) (domain.JobStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return domain.JobStatus{}, domain.ErrNotFound
	}
	return st, nil
}

func (f *fakeDispatcher) Cancel(context.Context, string) error { return f.cancelErr }

func (f *fakeDispatcher) QueueStats() domain.QueueStats {
	return domain.QueueStats{Waiting: 2, Active: 1, Total: 3}
}

func (f *fakeDispatcher) Snapshots() []domain.BackendSnapshot { return f.snapshots }

func (f *fakeDispatcher) Rank(domain.JobKind, *domain.UserPreferences) []domain.Candidate {
	return []domain.Candidate{{Backend: domain.BackendLocal, Score: 1}}
}

func (f *fakeDispatcher) Estimate(jobCount int, _ bool) []domain.Estimate {
	f.estimates = []domain.Estimate{{Backend: domain.BackendLocal, JobCount: jobCount, Recommended: true}}
	return f.estimates
}

func (f *fakeDispatcher) Workers() []domain.LocalWorker { return f.workers }

func (f *fakeDispatcher) PoolStats() domain.PoolStats {
	return domain.PoolStats{ActivePods: 1, TotalCost: 0.5}
}

func (f *fakeDispatcher) SetDefaultPreferences(p domain.UserPreferences) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	f.prefs = p
	return nil
}

func (f *fakeDispatcher) DefaultPreferences() domain.UserPreferences { return f.prefs }

func (f *fakeDispatcher) SpawnPod(context.Context) (domain.CloudPod, error) {
	if f.spawnErr != nil {
		return domain.CloudPod{}, f.spawnErr
	}
	pod := domain.CloudPod{ID: fmt.Sprintf("pod-%d", len(f.pods)+1), Status: domain.PodStatusReady}
	f.pods[pod.ID] = pod
	return pod, nil
}

func (f *fakeDispatcher) TerminatePod(_ context.Context, id string) error {
	pod, ok := f.pods[id]
	if !ok {
		return fmt.Errorf("pod %s: %w", id, domain.ErrNotFound)
	}
	if pod.Status != domain.PodStatusReady {
		return fmt.Errorf("pod %s is %s: %w", id, pod.Status, domain.ErrInvalidState)
	}
	delete(f.pods, id)
	return nil
}

func (f *fakeDispatcher) DrainPods(context.Context) (int, int) {
	terminated, busy := 0, 0
	for id, pod := range f.pods {
		if pod.Status == domain.PodStatusReady {
			delete(f.pods, id)
			terminated++
		} else {
			busy++
		}
	}
	return terminated, busy
}

func (f *fakeDispatcher) ConfigurePool(u domain.PoolSettingsUpdate) (domain.PoolSettings, error) {
	if u.MaxPods != nil {
		if *u.MaxPods <= 0 {
			return f.settings, fmt.Errorf("%w: max_pods must be positive", domain.ErrInvalidSettings)
		}
		f.settings.MaxPods = *u.MaxPods
	}
	if u.PreferServerless != nil {
		f.settings.PreferServerless = *u.PreferServerless
	}
	return f.settings, nil
}

func (f *fakeDispatcher) PurgeFinished(olderThan time.Duration) int {
	f.purgedAge = olderThan
	return 3
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_SubmitJob(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPost, "/jobs", `{"kind":"image","payload":{"prompt":"a cat"},"priority":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res domain.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 1, res.QueuePosition)
	require.Len(t, d.submitted, 1)
	assert.Equal(t, 2, d.submitted[0].Priority)
	assert.Equal(t, "a cat", d.submitted[0].Payload["prompt"])
}

func TestRouter_SubmitRejectsBadInput(t *testing.T) {
	r := NewRouter(newFakeDispatcher(), nil, zap.NewNop())

	rec := serve(t, r, http.MethodPost, "/jobs", `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodPost, "/jobs", `{"kind":"audio"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown kind")
}

func TestRouter_SubmitPartialPreferencesKeepCloudEligible(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPost, "/jobs",
		`{"kind":"image","payload":{"prompt":"a cat"},"preferences":{"prioritize_speed":true}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, d.submitted, 1)
	prefs := d.submitted[0].Preferences
	require.NotNil(t, prefs)
	assert.True(t, prefs.PrioritizeSpeed)
	assert.True(t, prefs.AllowCloudFallback)
	assert.Equal(t, domain.BackendAuto, prefs.PreferredBackend)

	cloudOnly := []domain.BackendSnapshot{
		{Backend: domain.BackendCloud, Available: true, Healthy: true, EstimatedCostPerJob: 0.007, EstimatedSpeedSeconds: 20},
	}
	cands := service.NewBackendSelector(service.DefaultWeights, service.SpeedWeights).
		Select(&domain.Job{Kind: domain.JobKindImage}, *prefs, cloudOnly)
	require.Len(t, cands, 1)
	assert.Equal(t, domain.BackendCloud, cands[0].Backend)

	rec = serve(t, r, http.MethodPost, "/jobs",
		`{"kind":"image","payload":{"prompt":"a cat"},"preferences":{"allow_cloud_fallback":false}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, d.submitted[1].Preferences.AllowCloudFallback)
}

func TestRouter_JobStatus(t *testing.T) {
	d := newFakeDispatcher()
	d.statuses["abc"] = domain.JobStatus{JobID: "abc", State: domain.JobStateActive, Progress: 40}
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodGet, "/jobs/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.JobStateActive, st.State)
	assert.Equal(t, 40, st.Progress)

	rec = serve(t, r, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CancelMapsErrors(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodDelete, "/jobs/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	d.cancelErr = fmt.Errorf("job abc: %w", domain.ErrInvalidState)
	rec = serve(t, r, http.MethodDelete, "/jobs/abc", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	d.cancelErr = domain.ErrNotFound
	rec = serve(t, r, http.MethodDelete, "/jobs/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Preferences(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPut, "/preferences", `{"preferred_backend":"cloud","prioritize_speed":true,"allow_cloud_fallback":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.BackendCloud, d.prefs.PreferredBackend)
	assert.True(t, d.prefs.PrioritizeSpeed)

	rec = serve(t, r, http.MethodGet, "/preferences", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"preferred_backend":"cloud"`)

	rec = serve(t, r, http.MethodPut, "/preferences", `{"preferred_backend":"mainframe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodPut, "/preferences", `{"prioritize_speed":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.BackendAuto, d.prefs.PreferredBackend)
	assert.True(t, d.prefs.AllowCloudFallback)
}

func TestRouter_Estimate(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPost, "/estimate", `{"job_count":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, d.estimates[0].JobCount)

	rec = serve(t, r, http.MethodPost, "/estimate", `{"job_count":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_BackendsAndStats(t *testing.T) {
	d := newFakeDispatcher()
	d.snapshots = []domain.BackendSnapshot{{Backend: domain.BackendLocal, Available: true, Healthy: true}}
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodGet, "/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ranking"`)

	rec = serve(t, r, http.MethodGet, "/backends?kind=audio", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queue domain.QueueStats `json:"queue"`
		Cloud struct {
			ActivePods int     `json:"active_pods"`
			TotalCost  float64 `json:"total_cost"`
		} `json:"cloud"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Queue.Total)
	assert.Equal(t, 1, body.Cloud.ActivePods)
	assert.InDelta(t, 0.5, body.Cloud.TotalCost, 1e-9)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	d := newFakeDispatcher()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dispatch_queue_jobs 0\n"))
	})
	r := NewRouter(d, metrics, zap.NewNop())

	rec := serve(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	d.snapshots = []domain.BackendSnapshot{{Backend: domain.BackendFallback, Available: true}}
	d.workers = []domain.LocalWorker{{ID: "w1", Status: domain.WorkerStatusHealthy}}
	rec = serve(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy_workers":1`)

	rec = serve(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dispatch_queue_jobs")
}

func TestRouter_CloudPodControls(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPost, "/cloud/spawn", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var pod domain.CloudPod
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pod))
	assert.Equal(t, "pod-1", pod.ID)
	assert.Equal(t, domain.PodStatusReady, pod.Status)

	d.pods["pod-busy"] = domain.CloudPod{ID: "pod-busy", Status: domain.PodStatusBusy}
	rec = serve(t, r, http.MethodPost, "/cloud/terminate/pod-busy", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = serve(t, r, http.MethodPost, "/cloud/terminate/pod-gone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, r, http.MethodPost, "/cloud/terminate/pod-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, d.pods, "pod-1")

	_, _ = d.SpawnPod(context.Background())
	rec = serve(t, r, http.MethodPost, "/cloud/shutdown-all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"terminated":1,"busy":1}`, rec.Body.String())
	assert.Contains(t, d.pods, "pod-busy")

	d.spawnErr = fmt.Errorf("pool holds 5 pods: %w", domain.ErrNoCapacity)
	rec = serve(t, r, http.MethodPost, "/cloud/spawn", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_CloudConfig(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPut, "/cloud/config", `{"max_pods":8,"prefer_serverless":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.PoolSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 8, st.MaxPods)
	assert.True(t, st.PreferServerless)
	assert.Equal(t, 300, st.IdleTimeoutSeconds)

	rec = serve(t, r, http.MethodPut, "/cloud/config", `{"max_pods":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 8, d.settings.MaxPods)

	rec = serve(t, r, http.MethodPut, "/cloud/config", `{"max_pods":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_CleanQueue(t *testing.T) {
	d := newFakeDispatcher()
	r := NewRouter(d, nil, zap.NewNop())

	rec := serve(t, r, http.MethodPost, "/queue/clean", `{"older_than_seconds":3600}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":3}`, rec.Body.String())
	assert.Equal(t, time.Hour, d.purgedAge)

	rec = serve(t, r, http.MethodPost, "/queue/clean", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, d.purgedAge)

	rec = serve(t, r, http.MethodPost, "/queue/clean", `{"older_than_seconds":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
