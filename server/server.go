// Package server exposes the execution core over HTTP and WebSocket: REST
// endpoints for submitting, cancelling and browsing executions, and
// WebSocket endpoints for live event streaming.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pabawi/pabawi/config"
	"github.com/pabawi/pabawi/execution"
	"github.com/pabawi/pabawi/stream"
)

// PabawiServer serves the execution API and WebSocket streams.
type PabawiServer struct {
	queue   *execution.Queue
	store   *execution.Store
	streams *stream.Manager
	cfg     config.ServerConfig

	mux        *http.ServeMux
	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	logger *zap.SugaredLogger
}

// NewServer creates the Pabawi server wired to a queue and a streaming
// manager. The record store is read through the queue.
func NewServer(ctx context.Context, queue *execution.Queue, streams *stream.Manager, cfg config.ServerConfig, logger *zap.SugaredLogger) *PabawiServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	serverCtx, cancel := context.WithCancel(ctx)

	s := &PabawiServer{
		queue:   queue,
		store:   queue.Store(),
		streams: streams,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		ctx:     serverCtx,
		cancel:  cancel,
		logger:  logger.Named("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the server's HTTP handler (useful for tests).
func (s *PabawiServer) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the configured host and port. Blocks until the
// server stops.
func (s *PabawiServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, detaches WebSocket pumps and waits for them.
func (s *PabawiServer) Shutdown(ctx context.Context) error {
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for WebSocket pumps")
	}

	s.logger.Infow("Server stopped")
	return err
}

// checkOrigin validates the Origin header against the configured allowed
// origins. An empty allow-list permits same-host requests only.
func (s *PabawiServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warnw("Rejected WebSocket origin", "origin", origin)
	return false
}
