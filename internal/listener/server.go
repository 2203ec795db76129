// Package listener implements the listener side of the one-file sync
// protocol: parsing agent commands, deciding responses, and serving them
// over TCP one connection at a time.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/openmined/onefilesync/internal/config"
	"github.com/openmined/onefilesync/internal/envelope"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Listen and Start after Stop has been called.
var ErrServerClosed = errors.New("listener closed")

// Server accepts agent connections and drains each one completely before
// accepting the next, so at most one request touches the sync target at a time.
type Server struct {
	cfg      *config.Config
	engine   *Engine
	envelope *envelope.Envelope
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer wires the engine and envelope to a TCP listener on cfg.Addr().
func NewServer(cfg *config.Config, engine *Engine, env *envelope.Envelope, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		engine:   engine,
		envelope: env,
		logger:   logger,
	}
}

// Listen binds the configured port. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves until ctx is cancelled or Stop is called. It returns
// ErrServerClosed right away on a server that was already stopped.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ErrServerClosed
	}

	s.logger.Info("listener started", "addr", ln.Addr().String(), "syncfile", s.cfg.SyncFile, "grace", s.cfg.GracePeriod)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.serve(egCtx, ln)
	})

	eg.Go(func() error {
		<-egCtx.Done()
		return s.Stop()
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Error("listener failure", "error", err)
		return err
	}

	s.logger.Info("listener stopped")
	return nil
}

// Stop closes the listening socket for good. A connection being served is
// finished first.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("accept timeout", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}
