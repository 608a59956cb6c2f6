// Package server exposes a VM over Connect. The same port speaks the
// Connect protocol over HTTP/1.1 and gRPC over cleartext HTTP/2.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chazu/springboard/vm"
)

// Server is the invocation server wrapping a VM.
type Server struct {
	pool *Pool
	mux  *http.ServeMux

	mu   sync.Mutex
	http *http.Server
}

// New creates a Server calling into v from the given number of workers.
func New(v *vm.VM, workers int) *Server {
	pool := NewPool(v, workers)
	s := &Server{
		pool: pool,
		mux:  http.NewServeMux(),
	}

	svc := NewInvocationService(v, pool)
	s.mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, svc.Invoke))
	s.mux.Handle(ListMethodsProcedure, connect.NewUnaryHandler(ListMethodsProcedure, svc.ListMethods))
	return s
}

// Handler returns the HTTP handler, accepting HTTP/2 without TLS.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// ListenAndServe serves on addr, "host:port" or ":port", until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	log().Infof("invocation server listening on %s", ln.Addr())
	log().Infof("  Connect: http://%s%s", ln.Addr(), InvokeProcedure)
	log().Infof("  gRPC:    h2c://%s", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for those in flight, then stops
// the workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.pool.Stop()
	return err
}

// Stop stops the workers without waiting for HTTP requests.
func (s *Server) Stop() {
	s.pool.Stop()
}
