// Package api exposes the run lifecycle over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/executor"
	"github.com/sells-group/leadfoundry/internal/registry"
)

// Server holds the HTTP handlers.
type Server struct {
	exec     *executor.Executor
	validate *validator.Validate
	router   chi.Router
}

// Options configures the router.
type Options struct {
	// CORSOrigins defaults to every origin.
	CORSOrigins []string
}

// New creates a Server and registers its routes.
func New(exec *executor.Executor, opts Options) *Server {
	s := &Server{exec: exec, validate: validator.New()}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/full", s.handleCreateRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/intake", s.handleStartIntake)
			r.Post("/research", s.handleStartResearch)
			r.Post("/finalize", s.handleFinalize)
			r.Get("/finalize/download", s.handleDownload)
			r.Delete("/", s.handleCancel)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger writes one zap line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"detail": message})
}

// executorError maps executor and registry errors to responses.
func executorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		errorResponse(w, http.StatusNotFound, "run_id not found")
	case errors.Is(err, executor.ErrInvalidEmail):
		errorResponse(w, http.StatusBadRequest, "Invalid email format")
	case errors.Is(err, executor.ErrInvalidTransition):
		errorResponse(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
