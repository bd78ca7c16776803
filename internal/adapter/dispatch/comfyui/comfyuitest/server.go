// Package comfyuitest provides an in-process ComfyUI-compatible worker for tests and local development.
package comfyuitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Options struct {
	Steps          int           // progress events per prompt, default 4
	StepDelay      time.Duration // default 5ms
	QueueRemaining int
	Devices        []string
	FailWith       string // when set, every prompt ends in execution_error with this message
	DisablePush    bool   // /ws answers 404 so clients must poll
	RejectPrompts  bool   // POST /prompt answers 400 with node_errors
}

// Worker emulates the subset of the ComfyUI HTTP and websocket API the dispatcher uses
type Worker struct {
	opts     Options
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.Mutex
	clients map[string]*wsClient
	history map[string]any

	prompts atomic.Int64
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(v)
}

func New(opts Options) *Worker {
	if opts.Steps <= 0 {
		opts.Steps = 4
	}
	if opts.StepDelay <= 0 {
		opts.StepDelay = 5 * time.Millisecond
	}
	if len(opts.Devices) == 0 {
		opts.Devices = []string{"cuda:0 NVIDIA GeForce RTX 3090"}
	}
	w := &Worker{
		opts:    opts,
		mux:     http.NewServeMux(),
		clients: make(map[string]*wsClient),
		history: make(map[string]any),
	}
	w.mux.HandleFunc("GET /system_stats", w.systemStats)
	w.mux.HandleFunc("POST /prompt", w.prompt)
	w.mux.HandleFunc("GET /history/{id}", w.historyOf)
	w.mux.HandleFunc("GET /ws", w.ws)
	return w
}

// NewServer starts w on a loopback listener
func NewServer(opts Options) (*httptest.Server, *Worker) {
	w := New(opts)
	return httptest.NewServer(w), w
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mux.ServeHTTP(rw, r)
}

// Prompts returns how many prompts were accepted
func (w *Worker) Prompts() int { return int(w.prompts.Load()) }

func (w *Worker) systemStats(rw http.ResponseWriter, _ *http.Request) {
	devices := make([]map[string]any, 0, len(w.opts.Devices))
	for _, d := range w.opts.Devices {
		devices = append(devices, map[string]any{"name": d, "type": "cuda"})
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"system":    map[string]any{"os": "posix", "comfyui_version": "0.3.0"},
		"devices":   devices,
		"exec_info": map[string]any{"queue_remaining": w.opts.QueueRemaining},
	})
}

func (w *Worker) prompt(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt   map[string]any `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Prompt) == 0 {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": map[string]any{"type": "prompt_no_outputs"}})
		return
	}
	if w.opts.RejectPrompts {
		writeJSON(rw, http.StatusBadRequest, map[string]any{
			"error":       map[string]any{"type": "prompt_outputs_failed_validation"},
			"node_errors": map[string]any{"4": "ckpt_name not in list"},
		})
		return
	}

	id := uuid.NewString()
	n := w.prompts.Add(1)
	writeJSON(rw, http.StatusOK, map[string]any{"prompt_id": id, "number": n, "node_errors": map[string]any{}})

	go w.execute(id, body.ClientID)
}

func (w *Worker) execute(promptID, clientID string) {
	for i := 1; i <= w.opts.Steps; i++ {
		time.Sleep(w.opts.StepDelay)
		w.push(clientID, "progress", map[string]any{"value": i, "max": w.opts.Steps, "prompt_id": promptID, "node": "3"})
	}

	if w.opts.FailWith != "" {
		failure := map[string]any{"prompt_id": promptID, "node_type": "KSampler", "exception_message": w.opts.FailWith}
		w.record(promptID, map[string]any{
			"outputs": map[string]any{},
			"status": map[string]any{
				"status_str": "error",
				"completed":  false,
				"messages":   []any{[]any{"execution_error", failure}},
			},
		})
		w.push(clientID, "execution_error", failure)
		return
	}

	w.record(promptID, map[string]any{
		"outputs": map[string]any{
			"9": map[string]any{"images": []any{map[string]any{"filename": promptID + ".png", "subfolder": "", "type": "output"}}},
		},
		"status": map[string]any{"status_str": "success", "completed": true, "messages": []any{}},
	})
	w.push(clientID, "executing", map[string]any{"node": nil, "prompt_id": promptID})
}

func (w *Worker) record(promptID string, entry map[string]any) {
	w.mu.Lock()
	w.history[promptID] = entry
	w.mu.Unlock()
}

func (w *Worker) push(clientID, kind string, data map[string]any) {
	w.mu.Lock()
	c := w.clients[clientID]
	w.mu.Unlock()
	if c != nil {
		c.send(map[string]any{"type": kind, "data": data})
	}
}

func (w *Worker) historyOf(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.mu.Lock()
	entry, ok := w.history[id]
	w.mu.Unlock()

	out := map[string]any{}
	if ok {
		out[id] = entry
	}
	writeJSON(rw, http.StatusOK, out)
}

func (w *Worker) ws(rw http.ResponseWriter, r *http.Request) {
	if w.opts.DisablePush {
		http.NotFound(rw, r)
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}

	w.mu.Lock()
	w.clients[clientID] = c
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.clients, clientID)
		w.mu.Unlock()
		_ = conn.Close()
	}()

	c.send(map[string]any{"type": "status", "data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": w.opts.QueueRemaining}}}})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
