// Package api provides the HTTP surface in front of the pool: an
// OpenAI-compatible chat/completion/embedding API plus
// /status, /healthz, and /metrics for operators. It is a collaborator
// All the interesting engineering happens in
// internal/pool and internal/turn; this package only translates wire
// requests into pool calls and wire responses back out.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/runlocal/infergate/internal/pool"
	"github.com/runlocal/infergate/internal/store"
)

// Server is the gateway's HTTP API server.
type Server struct {
	pool           *pool.Pool
	store          *store.Store
	logger         zerolog.Logger
	metricsEnabled bool
}

// NewServer creates a Server fronting pool, backed by the model-file
// store for /v1/models entries and last-used bookkeeping.
func NewServer(p *pool.Pool, st *store.Store, logger zerolog.Logger) *Server {
	return &Server{pool: p, store: st, logger: logger}
}

// EnableMetrics mounts the Prometheus /metrics endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports the pool snapshot: per-slot state, queue
// depth, in-flight count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.pool.GetStatus()

	slots := make([]map[string]any, 0, len(status.Slots))
	for _, sl := range status.Slots {
		slots = append(slots, map[string]any{
			"model":    sl.ModelName,
			"state":    string(sl.State),
			"last_use": sl.LastUse,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"slots":       slots,
		"queue_depth": status.QueueDepth,
		"in_flight":   status.InFlight,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := s.pool.ModelNames()
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := map[string]any{
			"id":       name,
			"object":   "model",
			"owned_by": "infergate",
		}
		if rec, err := s.store.Get(name); err == nil && rec != nil {
			entry["created"] = rec.PulledAt.Unix()
		}
		data = append(data, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// touchModel records the model's last use in the model-file index. A
// miss (the model was never pulled through the index) is not worth
// surfacing to the caller.
func (s *Server) touchModel(name string) {
	if err := s.store.Touch(name); err != nil {
		s.logger.Debug().Err(err).Str("model", name).Msg("touch model index")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeGatewayError maps a domain.GatewayError's Kind to an HTTP status
// code (Configuration 400, Resource 503, Runtime 500, Protocol 502,
// Cancellation 499, Shutdown 503) and writes an OpenAI-shaped error
// body.
func writeGatewayError(w http.ResponseWriter, err error) {
	status, kind := statusForError(err)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    kind,
		},
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
