// Package api provides the REST API and the live websocket tag stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"eipscan/config"
	"eipscan/logging"
	"eipscan/plcman"
)

// Server is the REST API server.
type Server struct {
	reg *plcman.Registry
	cfg *config.Config
	log *zap.Logger
	hub *Hub

	mu      sync.Mutex
	server  *http.Server
	addr    net.Addr
	running bool
}

// NewServer creates a REST API server over reg. cfg supplies the API
// users and which tags accept writes.
func NewServer(reg *plcman.Registry, cfg *config.Config, log *zap.Logger) *Server {
	log = logging.OrNop(log).Named("api")
	return &Server{
		reg: reg,
		cfg: cfg,
		log: log,
		hub: NewHub(log),
	}
}

// Hub is the websocket hub that streams tag changes.
func (s *Server) Hub() *Hub { return s.hub }

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start listens on address and serves in the background. Tag changes are
// streamed to websocket clients until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.hub.Start(ctx, s.reg)

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", zap.Error(err))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()
	s.running = true
	s.log.Info("api listening", zap.String("address", s.addr.String()))
	return nil
}

// Stop halts the HTTP server and disconnects websocket clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Stop()
	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the base URL of the running server.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return "http://" + s.addr.String()
}
