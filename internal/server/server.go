// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tiara/engine/internal/callback"
	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/metrics"
	"github.com/tiara/engine/internal/runstore"
	"github.com/tiara/engine/internal/task"
)

const maxBodyBytes = 1 << 20

// Opener decrypts an envelope into v. envelope.Cipher implements it.
type Opener interface {
	DecryptInto(envelope string, v any) error
}

// Dispatcher accepts decrypted requests. task.Gate implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req task.Request) (task.Ack, error)
}

type Config struct {
	Opener     Opener
	Dispatcher Dispatcher
	Store      runstore.Store
	Metrics    *metrics.Metrics // optional
	// Secret guards the run lookup endpoint. Empty disables it.
	Secret string
	Logger zerolog.Logger
}

type Server struct {
	opener     Opener
	dispatcher Dispatcher
	store      runstore.Store
	metrics    *metrics.Metrics
	secret     string
	logger     zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		opener:     cfg.Opener,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		secret:     cfg.Secret,
		logger:     cfg.Logger,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	if s.metrics != nil {
		r.Use(s.instrument)
	}

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Post("/api/v1/execute", s.handleExecute)
	r.Get("/api/v1/runs/{id}", s.handleRun)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

type executeRequest struct {
	Payload string `json:"payload"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	var body executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil || strings.TrimSpace(body.Payload) == "" {
		writeDetail(w, http.StatusBadRequest, "Request body must be a JSON object with a payload field")
		return
	}

	var req task.Request
	if err := s.opener.DecryptInto(body.Payload, &req); err != nil {
		// The cause stays in the server log; the client only learns the payload was invalid.
		logger.Warn().Err(err).Msg("rejected envelope")
		writeError(w, err)
		return
	}

	ack, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		event := logger.Warn()
		if engerrors.HTTPStatus(err) >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.Err(err).Str("task", req.Task).Int64("log_id", req.LogID).Msg("dispatch failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"mode":   "Modular Monolith",
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeDetail(w, http.StatusForbidden, "Forbidden")
		return
	}
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("run lookup failed")
		writeDetail(w, http.StatusInternalServerError, engerrors.ErrInternal.Message)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" || s.store == nil {
		return false
	}
	got := r.Header.Get(callback.SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(r.Method, route, status, time.Since(start))
	})
}

func writeError(w http.ResponseWriter, err error) {
	writeDetail(w, engerrors.HTTPStatus(err), engerrors.PublicMessage(err))
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// corsMiddleware allows browser calls from the management UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Accept,"+callback.SecretHeader)
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
