package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LogEntry matches the Zap JSON structure the dispatcher emits
type LogEntry struct {
	Level     string  `json:"level"`
	Logger    string  `json:"logger"`
	Component string  `json:"component"`
	Msg       string  `json:"msg"`
	JobID     string  `json:"job_id"`
	Backend   string  `json:"backend"`
	PodID     string  `json:"pod_id"`
	Worker    string  `json:"worker_id"`
	Cost      float64 `json:"cost"`
	Error     string  `json:"error"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

// monitor prettifies dispatcher logs piped on stdin, e.g. `docker compose logs -f dispatcher | monitor`
func main() {
	fmt.Println(colorCyan + "🚀 GPU Dispatch Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Reading dispatcher logs from stdin..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// Compose log format: "service-1  | {JSON}"; bare JSON is accepted too
		jsonPayload := line
		if parts := strings.SplitN(line, "|", 2); len(parts) == 2 {
			jsonPayload = parts[1]
		}
		jsonPayload = strings.TrimSpace(jsonPayload)

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(entry)
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Reading logs failed: %v\n", err)
	}
}

func prettify(entry LogEntry) {
	backend := backendLabel(entry.Backend)
	msg := entry.Msg

	switch {
	case strings.Contains(msg, "Job queued"):
		fmt.Printf("📥 "+colorYellow+"Queued:"+colorReset+"     %s\n", entry.JobID)
	case strings.Contains(msg, "Backend failed, trying next candidate"):
		fmt.Printf("[%s] ↪️  "+colorYellow+"Failover:"+colorReset+"   %s (%s)\n", backend, entry.JobID, entry.Error)
	case strings.Contains(msg, "Job completed"):
		fmt.Printf("[%s] ✅ "+colorGreen+"Completed:"+colorReset+"  %s $%.4f\n", backend, entry.JobID, entry.Cost)
	case strings.Contains(msg, "Provisioning cloud pod"):
		fmt.Printf("[%s] ☁️  "+colorPurple+"Provisioning:"+colorReset+" %s\n", backendLabel("cloud"), entry.PodID)
	case strings.Contains(msg, "Cloud pod terminated"):
		fmt.Printf("[%s] 🧹 "+colorGray+"Terminated:"+colorReset+" %s\n", backendLabel("cloud"), entry.PodID)
	case strings.Contains(msg, "Worker marked unhealthy"):
		fmt.Printf("[%s] 💔 "+colorRed+"Unhealthy:"+colorReset+"  %s\n", backendLabel("local"), entry.Worker)
	case strings.Contains(msg, "Worker recovered"):
		fmt.Printf("[%s] ❤️  "+colorGreen+"Recovered:"+colorReset+"  %s\n", backendLabel("local"), entry.Worker)
	case entry.Level == "ERROR" || entry.Level == "error":
		source := entry.Component
		if source == "" {
			source = entry.Logger
		}
		fmt.Printf("[%s] ❌ "+colorRed+"ERROR:"+colorReset+" %s %s\n", source, msg, entry.Error)
	}
}

func backendLabel(backend string) string {
	switch backend {
	case "local":
		return colorBlue + "LOCAL" + colorReset
	case "cloud":
		return colorPurple + "CLOUD" + colorReset
	case "fallback":
		return colorCyan + "FALLBACK" + colorReset
	}
	return "-"
}
