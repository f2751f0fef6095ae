package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xilenv/bbwatch/pkg/observer"
)

// Pinger is anything whose backing store can be pinged, such as a
// blackboard.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer provides HTTP health and metrics endpoints for a dispatch table.
type HealthServer struct {
	addr     string
	table    *observer.Table
	pinger   Pinger
	registry *prometheus.Registry
	server   *http.Server
}

// NewHealthServer creates a health server for table. pinger may be nil when
// the table sits on an in-process store.
func NewHealthServer(addr string, table *observer.Table, pinger Pinger) *HealthServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(table))
	return &HealthServer{
		addr:     addr,
		table:    table,
		pinger:   pinger,
		registry: registry,
	}
}

// Handler returns the mux serving /healthz and /metrics.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Health] Server error: %v", err)
		}
	}()

	log.Printf("[Health] Listening on %s", h.addr)
	return nil
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string          `json:"status"`
	Redis  string          `json:"redis,omitempty"`
	Error  string          `json:"error,omitempty"`
	Table  *observer.Stats `json:"table,omitempty"`
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if the store is reachable, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.table.Stats()
	response := HealthResponse{
		Status: "healthy",
		Table:  &stats,
	}
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
