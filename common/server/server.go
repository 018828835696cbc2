// Package server runs an HTTP listener with signal-driven graceful teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ronkeiser/wonder/common/logger"
)

const defaultShutdownTimeout = 30 * time.Second

// Server owns the listener lifecycle. Shutdown hooks run after the listener
// stops accepting connections, so in-flight commands land on their run queues
// before any per-run machinery is torn down.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
	timeout    time.Duration
	hooks      []func(context.Context)
}

type Opts struct {
	Name    string
	Port    int
	Handler http.Handler
	// ShutdownTimeout bounds draining of both requests and hooks.
	// Zero means defaultShutdownTimeout.
	ShutdownTimeout time.Duration
	Logger          *logger.Logger
}

func New(opts Opts) *Server {
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", opts.Port),
			Handler:      opts.Handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:     opts.Logger,
		name:    opts.Name,
		timeout: timeout,
	}
}

// OnShutdown registers fn to run during graceful teardown, after the listener
// has stopped. Hooks run in registration order.
func (s *Server) OnShutdown(fn func(context.Context)) {
	s.hooks = append(s.hooks, fn)
}

// Run serves until the listener fails or an interrupt arrives, then drains.
func (s *Server) Run() error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s listening", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("could not stop server: %w", err)
		}
	}

	for _, hook := range s.hooks {
		hook(ctx)
	}

	s.log.Info("shutdown complete")
	return nil
}
