package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/groutine"
)

// ServerOptions configures the HTTP listener and its middleware.
type ServerOptions struct {
	Addr              string
	RequestsPerMinute int
	Burst             int
	ShutdownTimeout   time.Duration
}

// Server exposes a Handler over HTTP.
type Server struct {
	opts    ServerOptions
	handler http.Handler
	logger  *logrus.Logger

	mu        sync.Mutex
	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
	served    chan struct{}
}

func NewServer(handler http.Handler, opts ServerOptions, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{opts: opts, handler: handler, logger: logger}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("http server already started")
	}

	mwCtx, cancel := context.WithCancel(ctx)
	handler := WithRequestID(s.logger)(
		RateLimit(mwCtx, s.opts.RequestsPerMinute, s.opts.Burst)(s.handler),
	)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}

	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.cancel = cancel
	s.served = make(chan struct{})

	served := s.served
	addr := s.boundAddr
	groutine.Go(ctx, "http-serve", func(context.Context) {
		defer close(served)
		s.logger.WithField("addr", addr).Info("HTTP server started")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("error", err).Error("HTTP server error")
		}
	})
	return nil
}

// Addr returns the bound listener address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, served := s.server, s.cancel, s.served
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	cancel()
	err := srv.Shutdown(ctx)
	<-served
	s.logger.Info("HTTP server stopped")
	return err
}

// Run starts the server and stops it once ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}
