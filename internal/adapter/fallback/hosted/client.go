// Package hosted provides the metered external generation API used as the last-resort backend.
package hosted

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

type Config struct {
	URL          string
	APIKey       string
	Model        string
	PollInterval time.Duration // default 2s
	Timeout      time.Duration // default 5m
}

// Client submits a generation and polls the operation until it settles
type Client struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Available reports whether an endpoint and key are configured
func (c *Client) Available() bool {
	return c.cfg.URL != "" && c.cfg.APIKey != ""
}

type generateRequest struct {
	Model   string         `json:"model,omitempty"`
	JobID   string         `json:"job_id"`
	Kind    domain.JobKind `json:"kind"`
	Payload map[string]any `json:"payload"`
}

type operation struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"` // pending, running, succeeded, failed
	Progress int            `json:"progress"`
	Output   map[string]any `json:"output"`
	Error    string         `json:"error"`
}

func (c *Client) Generate(ctx context.Context, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error) {
	if !c.Available() {
		return nil, fmt.Errorf("fallback api: %w", domain.ErrBackendUnavailable)
	}

	var op operation
	if err := c.do(ctx, http.MethodPost, "/v1/generations", generateRequest{
		Model:   c.cfg.Model,
		JobID:   req.JobID,
		Kind:    req.Kind,
		Payload: req.Payload,
	}, &op); err != nil {
		return nil, err
	}

	if !op.settled() {
		id := op.ID
		err := wait.PollUntilContextTimeout(ctx, c.cfg.PollInterval, c.cfg.Timeout, false, func(ctx context.Context) (bool, error) {
			var next operation
			if err := c.do(ctx, http.MethodGet, "/v1/generations/"+id, nil, &next); err != nil {
				c.log.Debug("Fallback poll failed", zap.String("job_id", req.JobID), zap.Error(err))
				return false, nil
			}
			op = next
			if report != nil && op.Progress > 0 {
				report(op.Progress)
			}
			return op.settled(), nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("fallback generation %s did not finish within %s", id, c.cfg.Timeout)
		}
	}

	if op.Status == "failed" {
		msg := op.Error
		if msg == "" {
			msg = "generation failed"
		}
		return nil, &domain.BackendExecutionError{Backend: domain.BackendFallback, Message: msg}
	}
	if report != nil {
		report(100)
	}
	return op.Output, nil
}

func (o operation) settled() bool {
	return o.Status == "succeeded" || o.Status == "failed"
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fallback api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fallback api error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
