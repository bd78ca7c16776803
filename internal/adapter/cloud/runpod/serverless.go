package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

const DefaultServerlessURL = "https://api.runpod.ai/v2"

type ServerlessConfig struct {
	APIKey       string
	EndpointID   string
	BaseURL      string
	PollInterval time.Duration // default 2s
	Timeout      time.Duration // default 10m
}

// Serverless invokes a RunPod serverless endpoint, billed per second of execution
type Serverless struct {
	cfg    ServerlessConfig
	client *http.Client
	log    *zap.Logger
}

func NewServerless(cfg ServerlessConfig, log *zap.Logger) *Serverless {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultServerlessURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Serverless{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

func (s *Serverless) Enabled() bool {
	return s.cfg.APIKey != "" && s.cfg.EndpointID != ""
}

type jobState struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error"`
}

// Invoke submits req to /run and polls /status until the request settles
func (s *Serverless) Invoke(ctx context.Context, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("serverless: %w", domain.ErrBackendUnavailable)
	}

	var run jobState
	status, err := s.call(ctx, http.MethodPost, "/run", map[string]any{"input": req.Payload}, &run)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("serverless run: status %d", status)
	}
	log := s.log.With(zap.String("job_id", req.JobID), zap.String("request_id", run.ID))
	log.Debug("Serverless request queued", zap.String("status", run.Status))

	var (
		output map[string]any
		failed string
	)
	settle := func(st jobState) bool {
		switch st.Status {
		case "COMPLETED":
			output = st.Output
			return true
		case "FAILED", "CANCELLED", "TIMED_OUT":
			failed = st.Status
			if st.Error != "" {
				failed = st.Error
			}
			return true
		case "IN_PROGRESS":
			if report != nil {
				report(50)
			}
		}
		return false
	}

	if !settle(run) {
		err = wait.PollUntilContextTimeout(ctx, s.cfg.PollInterval, s.cfg.Timeout, false, func(ctx context.Context) (bool, error) {
			var st jobState
			code, err := s.call(ctx, http.MethodGet, "/status/"+run.ID, nil, &st)
			if err != nil {
				log.Debug("Serverless status poll failed", zap.Error(err))
				return false, nil
			}
			if code == http.StatusNotFound {
				return false, nil
			}
			return settle(st), nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("serverless request %s timed out after %s", run.ID, s.cfg.Timeout)
		}
	}

	if failed != "" {
		return nil, &domain.BackendExecutionError{Backend: domain.BackendCloud, Message: failed}
	}
	if report != nil {
		report(100)
	}
	return output, nil
}

// call returns the HTTP status alongside decode errors so 404s can be retried
func (s *Serverless) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+"/"+s.cfg.EndpointID+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("runpod serverless error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}
