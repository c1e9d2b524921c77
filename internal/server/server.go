// Package server exposes jetbotd over HTTP: the broker hub, module status
// and control, the lifecycle journal, operator event injection and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/broker"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxRequestBody    = 1 << 20
)

// Modules is the subset of the supervisor the API drives.
type Modules interface {
	Status() []supervisor.RuntimeState
	Start(ctx context.Context, name string) (supervisor.RuntimeState, error)
	Stop(ctx context.Context, name string) error
	Module(name string) (supervisor.RuntimeState, error)
}

// History reads lifecycle transitions.
type History interface {
	Recent(ctx context.Context, module string, limit int) ([]journal.Entry, error)
}

// Options configures a Server. Bus is required; the rest are optional and
// their endpoints answer 503 when absent.
type Options struct {
	Bus      *eventbus.Bus
	Modules  Modules
	History  History
	Hub      *broker.Hub
	Metrics  http.Handler
	Instance string
	Version  string
	Logger   *zap.Logger
}

// Server is the jetbotd HTTP API.
type Server struct {
	bus      *eventbus.Bus
	modules  Modules
	history  History
	hub      *broker.Hub
	metrics  http.Handler
	instance string
	version  string
	logger   *zap.Logger
	started  time.Time
}

// New builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Bus == nil {
		return nil, errors.New("server: bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		bus:      opts.Bus,
		modules:  opts.Modules,
		history:  opts.History,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		instance: opts.Instance,
		version:  opts.Version,
		logger:   logger.Named("api"),
		started:  time.Now(),
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle(broker.DefaultPath, s.hub)
	}
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/history", s.handleHistory)
	mux.HandleFunc("/modules/start", s.handleModuleAction)
	mux.HandleFunc("/modules/stop", s.handleModuleAction)
	mux.HandleFunc("/modules/restart", s.handleModuleAction)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
