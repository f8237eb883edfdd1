package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "metrics"))
	}
}

// Server serves the metrics registry over HTTP
type Server struct {
	address string
	path    string
	metrics *Metrics
	logger  *slog.Logger
}

// NewServer creates a metrics server listening on address
func NewServer(address string, m *Metrics, options ...func(*Server)) *Server {
	s := Server{
		address: address,
		path:    "/metrics",
		metrics: m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Handler returns the HTTP handler serving the metrics and a health endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.path, promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

// Run serves until ctx is cancelled, then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	if s.metrics == nil {
		return errors.New("metrics server requires metrics")
	}

	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()

	s.logger.Info("serving metrics", slog.String("address", ln.Addr().String()), slog.String("path", s.path))

	select {
	case err = <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving metrics: %w", err)
		}
		return nil

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return nil
}
