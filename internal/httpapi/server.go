// Package httpapi serves the buildforge REST and SSE surface. The daemon
// constructs an API with its already-wired dependencies and hands it to
// NewServer; this package never opens stores or starts workers itself.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/olympusai/buildforge/internal/events"
	"github.com/olympusai/buildforge/internal/journal"
	"github.com/olympusai/buildforge/internal/orchestrator"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// API bundles the dependencies behind the HTTP surface.
type API struct {
	Store       store.Store
	Queue       *queue.Queue
	Coordinator *orchestrator.Coordinator
	// Hub feeds the /events SSE stream; optional.
	Hub *events.Hub
	// Journal serves /api/runs/{id}/events; optional.
	Journal *journal.Journal
	// Driver is the storage driver name reported by /health.
	Driver string
}

// ServerOptions configures the HTTP server (listen addr, API key, metrics).
type ServerOptions struct {
	Addr           string
	Dev            bool         // enable CORS for a dev UI on another origin
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	MaxBodyBytes   int64        // request body cap; 0 means models.DefaultMaxRequestBodyBytes
}

// NewServer registers all routes and builds an HTTP server from options.
func NewServer(api *API, opts ServerOptions) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", api.handleHealth)
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", api.handleMetricsFallback)
	}
	mux.HandleFunc("/events", api.handleEvents)

	mux.HandleFunc("/api/runs", api.handleRuns)
	mux.HandleFunc("/api/runs/", api.handleRunByID)
	mux.HandleFunc("/api/jobs", api.handleJobs)
	mux.HandleFunc("/api/jobs/", api.handleJobByID)
	mux.HandleFunc("/api/dlq", api.handleDLQ)
	mux.HandleFunc("/api/dlq/", api.handleDLQByID)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxRequestBodyBytes
	}
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBody, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "buildforge")
	}
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, models.Health{OK: true, Driver: a.Driver})
}

// handleMetricsFallback serves plain-text job gauges when no OTel Prometheus
// handler is wired.
func (a *API) handleMetricsFallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	counts, _ := a.Store.CountJobsByStatus(r.Context())
	_, _ = fmt.Fprintf(w, "# TYPE buildforge_jobs_total gauge\n")
	for _, status := range []string{
		models.JobPending, models.JobQueued, models.JobRunning,
		models.JobCompleted, models.JobFailed, models.JobDead, models.JobCanceled,
	} {
		_, _ = fmt.Fprintf(w, "buildforge_jobs_total{status=%q} %d\n", status, counts[status])
	}
}

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read
// more than maxBytes. Applied to requests that carry a body before decoding.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (UI dev server on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

// writeLookupError maps a read failure: missing records are 404, the rest 500.
func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

// writeActionError maps a state-change failure: missing records are 404,
// invalid transitions and bad input are 400.
func writeActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusBadRequest, err.Error())
}
