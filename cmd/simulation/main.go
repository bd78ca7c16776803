package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	simulationDuration = 5 * time.Minute
	injectionInterval  = 5 * time.Second
)

// simulation injects random image & video jobs over HTTP (or AMQP with -amqp) and reports where they ran
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "dispatcher base url")
	useAMQP := flag.Bool("amqp", false, "submit through the RabbitMQ submissions queue")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, simulationDuration)
	defer stop()

	var broker *rabbitmq.Broker
	if *useAMQP {
		appConfig := config.New()
		b, err := rabbitmq.New(ctx, appConfig.RabbitMQ, zap.NewNop())
		if err != nil {
			log.Fatal("RabbitMQ unreachable (ensure 'make up' is running):", err)
		}
		defer b.Close()
		broker = b
	}

	fmt.Println("🚀 Starting 5-minute Traffic Simulation...")
	fmt.Println("   Monitoring backend decisions...")

	client := &http.Client{Timeout: 10 * time.Second}
	var (
		mu  sync.Mutex
		ids []string
	)
	go monitorJobs(ctx, client, *baseURL, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	})

	ticker := time.NewTicker(injectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n✅ Simulation Complete.")
			return
		case <-ticker.C:
			batchSize := rand.Intn(5) + 1 // 1-5 jobs
			fmt.Printf("\n[Generator] Injecting %d new jobs...\n", batchSize)

			for i := 0; i < batchSize; i++ {
				sub := randomSubmission()
				var err error
				if broker != nil {
					err = broker.Submit(ctx, sub)
				} else {
					err = submit(ctx, client, *baseURL, sub)
				}
				if err != nil {
					log.Printf("Failed to submit job %s: %v", sub.ID, err)
					continue
				}
				mu.Lock()
				ids = append(ids, sub.ID)
				mu.Unlock()
			}
		}
	}
}

func randomSubmission() domain.Submission {
	sub := domain.Submission{
		ID:       "sim-" + uuid.NewString()[:8],
		Kind:     domain.JobKindImage,
		Priority: rand.Intn(10) + 1,
		UserID:   fmt.Sprintf("user-%d", rand.Intn(4)),
		Payload:  map[string]any{"prompt": "a lighthouse at dusk", "seed": rand.Int63()},
	}

	r := rand.Float64()
	switch {
	case r < 0.2:
		sub.Kind = domain.JobKindVideo
		sub.Payload["frames"] = 48
	case r < 0.4:
		// Speed-sensitive users pay for it
		prefs := domain.DefaultPreferences()
		prefs.PrioritizeSpeed = true
		sub.Preferences = &prefs
	case r < 0.5:
		// Budget users never leave the local pool
		limit := 0.0
		prefs := domain.DefaultPreferences()
		prefs.MaxCostPerJob = &limit
		prefs.AllowCloudFallback = false
		sub.Preferences = &prefs
	}
	return sub
}

func submit(ctx context.Context, client *http.Client, baseURL string, sub domain.Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func monitorJobs(ctx context.Context, client *http.Client, baseURL string, ids func() []string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	reported := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, id := range ids() {
			if reported[id] {
				continue
			}
			st, err := fetchStatus(ctx, client, baseURL, id)
			if err != nil || !st.State.Terminal() {
				continue
			}
			reported[id] = true

			if st.State == domain.JobStateCompleted {
				fmt.Printf("   👀 %s ran on %s (cost $%.4f, %d failovers)\n", id, st.Backend, st.Cost, len(st.FailedAttempts))
			} else {
				fmt.Printf("   ❌ %s %s: %s\n", id, st.State, st.FailureReason)
			}
		}
	}
}

func fetchStatus(ctx context.Context, client *http.Client, baseURL, id string) (domain.JobStatus, error) {
	var st domain.JobStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/jobs/"+id, nil)
	if err != nil {
		return st, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}
