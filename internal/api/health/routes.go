// Package health serves the liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Ready reports whether the process can serve gate commands. A nil Ready
	// is always ready.
	Ready func() bool
}

// Routes binds the health check endpoints onto r.
func Routes(r chi.Router, cfg Config) {
	r.Get("/health", liveness(cfg))
	r.Get("/readiness", readiness(cfg))
}

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		write(w, r, cfg.Log, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil && !cfg.Ready() {
			write(w, r, cfg.Log, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}
		write(w, r, cfg.Log, http.StatusOK, healthResponse{Status: "ready"})
	}
}

func write(w http.ResponseWriter, r *http.Request, log *logger.Logger, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error(r.Context(), "failed to encode health response", "error", err)
	}
}
