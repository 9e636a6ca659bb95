package observability

import (
	"context"
	"net/http"
	"time"
)

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	addr       string
	checker    *HealthChecker
}

// NewServer creates a new observability server listening on addr.
func NewServer(addr string, checker *HealthChecker) *Server {
	if checker == nil {
		checker = NewHealthChecker()
	}
	return &Server{
		addr:    addr,
		checker: checker,
	}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler(s.checker))
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler(s.checker))

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	return mux
}

// Start starts the observability server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
