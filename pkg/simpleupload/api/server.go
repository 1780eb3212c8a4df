// Package api exposes the upload service over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/tendant/simple-upload/internal/metrics"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/token"
)

// DefaultRequestTimeout bounds every request, uploads included.
const DefaultRequestTimeout = 5 * time.Minute

//go:embed web/upload.html
var uploadPage []byte

// Server wires the upload service, the authenticator and the router
type Server struct {
	service simpleupload.Service
	auth    Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithMetrics records request and upload metrics and serves them on /metrics
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = timeout
	}
}

// NewServer creates the HTTP front of service. Uploads and submission
// lookups require a token accepted by auth.
func NewServer(service simpleupload.Service, auth Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		auth:    auth,
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.auth.Logger == nil {
		s.auth.Logger = s.logger
	}
	return s
}

// Routes sets up the HTTP routes
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/uploads/{name}", s.handleGetFile)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	auth := s.auth
	uploadAuth := s.auth
	if s.metrics != nil {
		auth.OnFailure = s.observeAuthFailure(auth.OnFailure)
		// A rejected token on /upload is also a failed upload request
		uploadAuth.OnFailure = s.observeAuthFailure(func(err *token.AuthError) {
			s.observeUpload(metrics.ResultUnauthorized, 0, 0)
			if s.auth.OnFailure != nil {
				s.auth.OnFailure(err)
			}
		})
	}

	r.With(uploadAuth.Middleware).Post("/upload", s.handleUpload)
	r.With(auth.Middleware).Get("/submissions/{id}", s.handleGetSubmission)

	return r
}

func (s *Server) observeAuthFailure(next func(*token.AuthError)) func(*token.AuthError) {
	return func(err *token.AuthError) {
		s.metrics.ObserveAuthFailure(string(err.Kind))
		if next != nil {
			next(err)
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(uploadPage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "healthy"})
}
