// Package prometheus provides the GPU utilisation query client & the dispatcher metrics registry.
package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultGPUQuery averages DCGM utilisation over every GPU of one exporter instance
const DefaultGPUQuery = `avg(DCGM_FI_DEV_GPU_UTIL{instance="%s"})`

// GPUMetrics reads live GPU load for a worker host from the Prometheus HTTP API
type GPUMetrics struct {
	prometheusURL string
	query         string
	client        *http.Client
	log           *zap.Logger
}

func NewGPUMetrics(promURL, query string, log *zap.Logger) *GPUMetrics {
	if query == "" || !strings.Contains(query, "%s") {
		query = DefaultGPUQuery
	}
	return &GPUMetrics{
		prometheusURL: strings.TrimRight(promURL, "/"),
		query:         query,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// Prometheus API response structure
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  interface{}       `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// GetGPUUtilization returns the utilisation percentage (0-100) reported for instance
func (s *GPUMetrics) GetGPUUtilization(ctx context.Context, instance string) (float64, error) {
	util, err := s.queryPrometheus(ctx, fmt.Sprintf(s.query, instance))
	if err != nil {
		s.log.Debug("GPU utilisation query failed", zap.String("instance", instance), zap.Error(err))
		return 0, err
	}
	switch {
	case util < 0:
		util = 0
	case util > 100:
		util = 100
	}
	return util, nil
}

func (s *GPUMetrics) queryPrometheus(ctx context.Context, query string) (float64, error) {
	// URL-encode query
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.prometheusURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("JSON decode failed: %w", err)
	}

	if result.Status != "success" {
		return 0, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}

	if len(result.Data.Result) == 0 {
		return 0, fmt.Errorf("no data returned for query: %s", query)
	}

	value := result.Data.Result[0].Value

	switch v := value.(type) {
	case []interface{}:
		// Standard format: [timestamp, "value"]
		if len(v) < 2 {
			return 0, fmt.Errorf("unexpected value array length: %d", len(v))
		}

		switch valRaw := v[1].(type) {
		case string:
			return strconv.ParseFloat(valRaw, 64)
		case float64:
			return valRaw, nil
		default:
			return 0, fmt.Errorf("unexpected value type in array: %T", valRaw)
		}

	case float64:
		return v, nil

	case string:
		return strconv.ParseFloat(v, 64)

	default:
		return 0, fmt.Errorf("unexpected value format: %T (%v)", value, value)
	}
}
