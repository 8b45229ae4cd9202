package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/polisai/polis-trust/internal/trust"
)

// Server serves /metrics, /healthz and /issuers for one trust provider.
type Server struct {
	provider *trust.Provider
	metrics  *Metrics
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a status server listening on addr.
func NewServer(addr string, provider *trust.Provider, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		provider: provider,
		metrics:  metrics,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.MetricsMiddleware("metrics", s.scrapeHandler()))
	mux.Handle("/healthz", metrics.MetricsMiddleware("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/issuers", metrics.MetricsMiddleware("issuers", http.HandlerFunc(s.handleIssuers)))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Trust status server listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

func (s *Server) scrapeHandler() http.Handler {
	next := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.ObserveProvider(s.provider)
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	State        string `json:"state"`
	Bundle       string `json:"bundle,omitempty"`
	Certificates int    `json:"certificates,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{State: s.provider.State().String()}
	status := http.StatusOK

	if _, err := s.provider.Context(); err != nil {
		status = http.StatusServiceUnavailable
		resp.Error = err.Error()
	} else if bundle := s.provider.Bundle(); bundle != nil {
		resp.Bundle = bundle.Name()
		resp.Certificates = bundle.Len()
		resp.SHA256 = bundle.SHA256()
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleIssuers(w http.ResponseWriter, r *http.Request) {
	v, err := s.provider.Verifier()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, trust.DescribeIssuers(v.AcceptedIssuers(), time.Now()))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
