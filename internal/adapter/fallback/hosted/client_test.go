package hosted

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fallbackServer(t *testing.T, final string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.JobKindVideo, req.Kind)
		_, _ = w.Write([]byte(`{"id":"op-1","status":"pending"}`))
	})
	mux.HandleFunc("GET /v1/generations/op-1", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"id":"op-1","status":"running","progress":40}`))
			return
		}
		_, _ = w.Write([]byte(final))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func videoRequest() domain.DispatchRequest {
	return domain.DispatchRequest{JobID: "j1", Kind: domain.JobKindVideo, Payload: map[string]any{"prompt": "waves"}}
}

func TestClient_GenerateSucceeds(t *testing.T) {
	srv := fallbackServer(t, `{"id":"op-1","status":"succeeded","output":{"video_url":"https://cdn/x.mp4"}}`)
	c := New(Config{URL: srv.URL, APIKey: "secret", PollInterval: 5 * time.Millisecond}, zap.NewNop())
	require.True(t, c.Available())

	var seen []int
	out, err := c.Generate(context.Background(), videoRequest(), func(p int) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.mp4", out["video_url"])
	assert.Equal(t, []int{40, 100}, seen)
}

func TestClient_GenerateFails(t *testing.T) {
	srv := fallbackServer(t, `{"id":"op-1","status":"failed","error":"safety filter"}`)
	c := New(Config{URL: srv.URL, APIKey: "secret", PollInterval: 5 * time.Millisecond}, zap.NewNop())

	_, err := c.Generate(context.Background(), videoRequest(), nil)
	var execErr *domain.BackendExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, domain.BackendFallback, execErr.Backend)
	assert.Equal(t, "safety filter", execErr.Message)
}

func TestClient_Unavailable(t *testing.T) {
	c := New(Config{URL: "http://example.invalid"}, zap.NewNop())
	assert.False(t, c.Available())
	_, err := c.Generate(context.Background(), videoRequest(), nil)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}
