package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/parastate/archivist/pkg/metrics"
)

// healthResponse mirrors a liveness probe: the process is up and serving.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// readyResponse mirrors a readiness probe: the database is pinged on each
// request, plus a cheap count of blocks still missing their storage rows.
// The chain KV handle is not probed; it is reported as open, since it is
// opened once in New and held until Shutdown.
type readyResponse struct {
	Status               string            `json:"status"`
	Timestamp            time.Time         `json:"timestamp"`
	Checks               map[string]string `json:"checks"`
	UnindexedStorageRows uint64            `json:"unindexed_storage_rows,omitempty"`
	Message              string            `json:"message,omitempty"`
}

// newHTTPServer builds the health/ready/metrics HTTP server: a plain
// ServeMux, JSON responses, a readiness check composed of
// per-dependency probes.
func (s *Supervisor) newHTTPServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (s *Supervisor) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true
	var message string

	if err := s.pool.Ping(ctx); err != nil {
		checks["database"] = "unreachable: " + err.Error()
		ready = false
		message = "database not reachable"
	} else {
		checks["database"] = "ok"
	}
	checks["chain_kv"] = "open"

	resp := readyResponse{Timestamp: time.Now(), Checks: checks, Message: message}
	statusCode := http.StatusOK
	if ready {
		resp.Status = "ready"
		if count, err := s.dbActor.BlocksStorageIntersectionCount(ctx); err == nil {
			resp.UnindexedStorageRows = count
		}
	} else {
		resp.Status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
