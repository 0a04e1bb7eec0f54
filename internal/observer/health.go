package observer

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Pinger is the connectivity probe the health endpoint runs, typically the
// session store's Redis ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatsResponse is the /statsz body.
type StatsResponse struct {
	Snapshot
	SilentAgents []string `json:"silentAgents,omitempty"`
}

// HealthServer exposes /healthz and /statsz over HTTP.
type HealthServer struct {
	agent  *Agent
	pinger Pinger
	addr   string
	server *http.Server
}

// NewHealthServer creates a health server bound to addr (e.g. ":8080").
// pinger may be nil, in which case /healthz reports healthy unconditionally.
func NewHealthServer(agent *Agent, pinger Pinger, addr string) *HealthServer {
	return &HealthServer{agent: agent, pinger: pinger, addr: addr}
}

// Start begins serving in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthHandler)
	mux.HandleFunc("/statsz", h.statsHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Observer] health server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthHandler handles GET /healthz. Returns 200 when the backing store is
// reachable, 503 otherwise.
func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{Status: "healthy"}
	status := http.StatusOK

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Redis = "disconnected"
			response.Error = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			response.Redis = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// statsHandler handles GET /statsz with the current counter snapshot.
func (h *HealthServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatsResponse{
		Snapshot:     h.agent.Stats(),
		SilentAgents: h.agent.SilentAgents(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
