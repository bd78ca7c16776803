// Package runpod provides the RunPod pod provider (GraphQL control API) & serverless invoker.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"go.uber.org/zap"
)

const DefaultGraphQLURL = "https://api.runpod.io/graphql"

// errNotConfigured is returned by every call when no API key is set
var errNotConfigured = errors.New("runpod api key not configured")

type Config struct {
	APIKey          string
	GraphQLURL      string
	CloudType       string // SECURE or COMMUNITY
	VolumeGB        int
	ContainerDiskGB int
	ProxyDomain     string // pods are reached at https://{id}-{port}.{ProxyDomain}
	Port            int
}

func (c *Config) withDefaults() {
	if c.GraphQLURL == "" {
		c.GraphQLURL = DefaultGraphQLURL
	}
	if c.CloudType == "" {
		c.CloudType = "SECURE"
	}
	if c.ContainerDiskGB <= 0 {
		c.ContainerDiskGB = 20
	}
	if c.ProxyDomain == "" {
		c.ProxyDomain = "proxy.runpod.net"
	}
	if c.Port <= 0 {
		c.Port = 8188
	}
}

// Provider rents on-demand GPU pods through the RunPod GraphQL API
type Provider struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

func NewProvider(cfg Config, log *zap.Logger) *Provider {
	cfg.withDefaults()
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *Provider) execute(ctx context.Context, query string, vars map[string]any, out any) error {
	if p.cfg.APIKey == "" {
		return errNotConfigured
	}
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("runpod request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runpod api error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("decoding runpod response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("runpod api error: %s", strings.Join(msgs, ", "))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(gr.Data, out)
}

const deployMutation = `
mutation DeployPod($input: PodFindAndDeployOnDemandInput!) {
  podFindAndDeployOnDemand(input: $input) {
    id
    desiredStatus
    costPerHr
  }
}`

type envVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Provision deploys one on-demand pod running spec.Image
func (p *Provider) Provision(ctx context.Context, spec domain.PodSpec) (domain.PodHandle, error) {
	port := spec.Port
	if port <= 0 {
		port = p.cfg.Port
	}
	env := []envVar{{Key: "COMFYUI_PORT", Value: strconv.Itoa(port)}}
	for k, v := range spec.Env {
		env = append(env, envVar{Key: k, Value: v})
	}

	input := map[string]any{
		"name":              spec.Name,
		"cloudType":         p.cfg.CloudType,
		"gpuTypeId":         spec.GPUType,
		"gpuCount":          1,
		"imageName":         spec.Image,
		"containerDiskInGb": p.cfg.ContainerDiskGB,
		"volumeInGb":        p.cfg.VolumeGB,
		"ports":             fmt.Sprintf("%d/http", port),
		"env":               env,
	}

	var out struct {
		Pod struct {
			ID            string  `json:"id"`
			DesiredStatus string  `json:"desiredStatus"`
			CostPerHr     float64 `json:"costPerHr"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := p.execute(ctx, deployMutation, map[string]any{"input": input}, &out); err != nil {
		return domain.PodHandle{}, err
	}
	if out.Pod.ID == "" {
		return domain.PodHandle{}, errors.New("runpod returned no pod (no capacity for requested gpu type)")
	}

	cost := out.Pod.CostPerHr
	if cost <= 0 {
		cost = spec.CostPerHour
	}
	p.log.Info("Pod deployed", zap.String("provider_id", out.Pod.ID), zap.String("gpu", spec.GPUType), zap.Float64("cost_per_hour", cost))
	return domain.PodHandle{ID: out.Pod.ID, CostPerHour: cost}, nil
}

const podQuery = `
query GetPod($podId: String!) {
  pod(input: { podId: $podId }) {
    id
    desiredStatus
    lastStatusChange
    runtime {
      uptimeInSeconds
      ports {
        ip
        isIpPublic
        privatePort
        publicPort
        type
      }
    }
  }
}`

type podStatus struct {
	ID               string `json:"id"`
	DesiredStatus    string `json:"desiredStatus"`
	LastStatusChange string `json:"lastStatusChange"`
	Runtime          *struct {
		UptimeInSeconds int `json:"uptimeInSeconds"`
		Ports           []struct {
			IP          string `json:"ip"`
			IsIPPublic  bool   `json:"isIpPublic"`
			PrivatePort int    `json:"privatePort"`
			PublicPort  int    `json:"publicPort"`
			Type        string `json:"type"`
		} `json:"ports"`
	} `json:"runtime"`
}

// Status maps the pod onto pending/ready/error; ready requires the http port to be exposed
func (p *Provider) Status(ctx context.Context, handle domain.PodHandle) (domain.ProviderStatus, error) {
	var out struct {
		Pod *podStatus `json:"pod"`
	}
	if err := p.execute(ctx, podQuery, map[string]any{"podId": handle.ID}, &out); err != nil {
		return domain.ProviderStatus{}, err
	}
	if out.Pod == nil {
		return domain.ProviderStatus{Phase: domain.ProviderPhaseError, Message: "pod not found"}, nil
	}

	switch out.Pod.DesiredStatus {
	case "EXITED", "TERMINATED", "DEAD":
		return domain.ProviderStatus{Phase: domain.ProviderPhaseError, Message: out.Pod.DesiredStatus + ": " + out.Pod.LastStatusChange}, nil
	case "RUNNING":
		if out.Pod.Runtime == nil {
			break
		}
		for _, port := range out.Pod.Runtime.Ports {
			if port.PrivatePort == p.cfg.Port && port.IsIPPublic {
				return domain.ProviderStatus{
					Phase:    domain.ProviderPhaseReady,
					Endpoint: fmt.Sprintf("https://%s-%d.%s", out.Pod.ID, p.cfg.Port, p.cfg.ProxyDomain),
				}, nil
			}
		}
	}
	return domain.ProviderStatus{Phase: domain.ProviderPhasePending, Message: out.Pod.DesiredStatus}, nil
}

const terminateMutation = `
mutation TerminatePod($input: PodTerminateInput!) {
  podTerminate(input: $input)
}`

func (p *Provider) Terminate(ctx context.Context, handle domain.PodHandle) error {
	if err := p.execute(ctx, terminateMutation, map[string]any{"input": map[string]any{"podId": handle.ID}}, nil); err != nil {
		return err
	}
	p.log.Info("Pod terminated", zap.String("provider_id", handle.ID))
	return nil
}
