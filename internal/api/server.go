// Package api exposes the verification engine over REST/JSON: subject
// commands and queries, the verifier confirmation endpoint, operator reads,
// and the expiry callback used by the Cloud Tasks scheduler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nabr/verification/internal/gateway"
	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/orchestrator"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/protocol"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verification_commands_total",
		Help: "Commands received, by command and result.",
	}, []string{"command", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verification_http_request_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// APIServer routes HTTP traffic into the gateway.
type APIServer struct {
	gw     *gateway.Gateway
	logger *log.Logger
}

func NewAPIServer(gw *gateway.Gateway) *APIServer {
	return &APIServer{
		gw:     gw,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.timingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Fired expiry timers land here; Cloud Tasks POSTs the task body.
	r.HandleFunc("/internal/expiry", s.handleExpiryCallback).Methods("POST")

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/subjects", s.handleRegister).Methods("POST")
	api.HandleFunc("/subjects/{id}/verification", s.handleVerification).Methods("GET")
	api.HandleFunc("/subjects/{id}/methods/{method}", s.handleMethodStatus).Methods("GET")
	api.HandleFunc("/subjects/{id}/methods/{method}", s.handleCancel).Methods("DELETE")
	api.HandleFunc("/subjects/{id}/methods/{method}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/subjects/{id}/methods/{method}/code", s.handleCode).Methods("POST")
	api.HandleFunc("/subjects/{id}/methods/{method}/review", s.handleReview).Methods("POST")
	api.HandleFunc("/subjects/{id}/methods/{method}/revoke", s.handleRevoke).Methods("POST")
	api.HandleFunc("/subjects/{id}/attestations", s.handleAttest).Methods("POST")

	// Verifier-facing: the token names the subject, not the URL.
	api.HandleFunc("/confirmations", s.handleConfirm).Methods("POST")
	api.HandleFunc("/verifiers/{id}/check", s.handleVerifierCheck).Methods("GET")

	api.HandleFunc("/admin/stuck-runs", s.handleStuckRuns).Methods("GET")

	return r
}

// Start serves until the context is cancelled, then drains in-flight
// requests.
func (s *APIServer) Start(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *APIServer) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps engine errors onto HTTP statuses. Callers that misuse the
// API get 4xx; storage trouble surfaces as 503 so clients retry.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var denial *policy.Denial
	switch {
	case errors.Is(err, journal.ErrUnknownSubject):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNoActiveRun):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrTokenUnknown):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrTokenExpired):
		status = http.StatusGone
	case errors.Is(err, protocol.ErrCodeMismatch),
		errors.Is(err, protocol.ErrWrongSignal):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrMethodNotApplicable),
		errors.Is(err, orchestrator.ErrAlreadyActive),
		errors.Is(err, orchestrator.ErrAlreadyMaxed),
		errors.Is(err, orchestrator.ErrNothingToRevoke),
		errors.Is(err, orchestrator.ErrAlreadyAttested):
		status = http.StatusConflict
	case errors.As(err, &denial), errors.Is(err, protocol.ErrAttestorDenied):
		status = http.StatusForbidden
	case errors.Is(err, orchestrator.ErrUnavailable),
		errors.Is(err, orchestrator.ErrHalted):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func count(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "verification-engine",
	})
}
