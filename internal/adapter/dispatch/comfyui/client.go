// Package comfyui provides the generation client for ComfyUI-compatible GPU workers and pods.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/crabzie/gpu-dispatcher/internal/core/port"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	Backend        domain.BackendKind // labels execution errors, default local
	ProbeTimeout   time.Duration      // default 5s
	RequestTimeout time.Duration      // per HTTP call, default 30s
	PushGrace      time.Duration      // how long push may stay silent before polling starts, default 10s
	PollInterval   time.Duration      // default 2s
}

func (c *Config) withDefaults() {
	if c.Backend == "" {
		c.Backend = domain.BackendLocal
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PushGrace <= 0 {
		c.PushGrace = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Client talks to a ComfyUI endpoint: progress arrives over the websocket push channel,
// and /history is polled once push has been silent for the grace window or has dropped
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ProbeTimeout},
		log:    log,
	}
}

type systemStats struct {
	Devices []struct {
		Name string `json:"name"`
	} `json:"devices"`
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// Probe hits /system_stats and reports latency, queue depth and devices
func (c *Client) Probe(ctx context.Context, endpoint string) (domain.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	var stats systemStats
	if err := c.getJSON(ctx, strings.TrimRight(endpoint, "/")+"/system_stats", &stats); err != nil {
		return domain.ProbeResult{}, err
	}

	res := domain.ProbeResult{
		LatencyMs:  time.Since(start).Milliseconds(),
		QueueDepth: stats.ExecInfo.QueueRemaining,
	}
	for _, d := range stats.Devices {
		res.Devices = append(res.Devices, d.Name)
	}
	return res, nil
}

type promptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	Error      any            `json:"error,omitempty"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

// Generate submits the workflow and waits for its outputs
func (c *Client) Generate(ctx context.Context, endpoint string, req domain.DispatchRequest, report port.ProgressFunc) (map[string]any, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	clientID := uuid.NewString()

	// tears the push channel down on return
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before submitting so no event is missed
	events := c.subscribe(ctx, endpoint, clientID)

	promptID, err := c.submit(ctx, endpoint, clientID, req)
	if err != nil {
		return nil, err
	}
	log := c.log.With(zap.String("job_id", req.JobID), zap.String("prompt_id", promptID), zap.String("endpoint", endpoint))
	log.Debug("Prompt submitted")

	grace := time.NewTimer(c.cfg.PushGrace)
	defer grace.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	ticker.Stop()
	defer ticker.Stop()
	var poll <-chan time.Time
	startPolling := func() {
		if poll == nil {
			ticker.Reset(c.cfg.PollInterval)
			poll = ticker.C
		}
	}
	if events == nil {
		startPolling()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				log.Debug("Push channel closed, polling history")
				events = nil
				startPolling()
				continue
			}
			grace.Reset(c.cfg.PushGrace)
			if ev.PromptID != "" && ev.PromptID != promptID {
				continue
			}
			switch ev.Type {
			case "progress":
				if ev.Max > 0 && report != nil {
					report(ev.Value * 100 / ev.Max)
				}
			case "execution_error":
				return nil, &domain.BackendExecutionError{Backend: c.cfg.Backend, Message: ev.Message()}
			case "execution_success", "executing":
				if ev.Type == "executing" && ev.Node != nil {
					continue
				}
				out, done, err := c.history(ctx, endpoint, promptID)
				if done {
					return out, err
				}
				startPolling()
			}

		case <-grace.C:
			log.Debug("No push events within grace window, polling history")
			startPolling()

		case <-poll:
			out, done, err := c.history(ctx, endpoint, promptID)
			if done {
				return out, err
			}
			if err != nil {
				log.Debug("History poll failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) submit(ctx context.Context, endpoint, clientID string, req domain.DispatchRequest) (string, error) {
	workflow := any(req.Payload)
	if wf, ok := req.Payload["workflow"]; ok {
		workflow = wf
	}
	body, err := json.Marshal(promptRequest{Prompt: workflow, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submitting prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest {
		// the worker rejected the workflow itself
		return "", &domain.BackendExecutionError{Backend: c.cfg.Backend, Message: "workflow rejected: " + strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submitting prompt: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pr promptResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return "", fmt.Errorf("decoding prompt response: %w", err)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("worker returned no prompt id")
	}
	return pr.PromptID, nil
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []Image `json:"images"`
		Gifs   []Image `json:"gifs"`
	} `json:"outputs"`
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Image is one output file reference in a history entry
type Image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// history reports done=false while the prompt has no history entry yet
func (c *Client) history(ctx context.Context, endpoint, promptID string) (map[string]any, bool, error) {
	var entries map[string]historyEntry
	if err := c.getJSON(ctx, endpoint+"/history/"+url.PathEscape(promptID), &entries); err != nil {
		return nil, false, err
	}
	entry, ok := entries[promptID]
	if !ok {
		return nil, false, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, true, &domain.BackendExecutionError{Backend: c.cfg.Backend, Message: errorMessage(entry.Status.Messages)}
	}
	if !entry.Status.Completed && len(entry.Outputs) == 0 {
		return nil, false, nil
	}

	var files []map[string]any
	for _, out := range entry.Outputs {
		for _, img := range append(out.Images, out.Gifs...) {
			q := url.Values{"filename": {img.Filename}, "subfolder": {img.Subfolder}, "type": {img.Type}}
			files = append(files, map[string]any{
				"filename": img.Filename,
				"url":      endpoint + "/view?" + q.Encode(),
			})
		}
	}
	return map[string]any{
		"prompt_id": promptID,
		"files":     files,
	}, true, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errorMessage digs the exception text out of history status messages: [["execution_error", {...}], ...]
func errorMessage(messages []json.RawMessage) string {
	for _, raw := range messages {
		var pair []json.RawMessage
		if json.Unmarshal(raw, &pair) != nil || len(pair) != 2 {
			continue
		}
		var kind string
		if json.Unmarshal(pair[0], &kind) != nil || kind != "execution_error" {
			continue
		}
		var data eventData
		if json.Unmarshal(pair[1], &data) == nil {
			return data.message()
		}
	}
	return "execution failed"
}
