// Package api exposes a running portfolio over gRPC: the latest status,
// a status stream, the order and signal journals, and fund start/stop.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
)

// Server hosts the gRPC listener.
type Server struct {
	grpcAddr string
	gs       *grpc.Server
	hub      *Hub
	log      *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a Server listening on grpcAddr with svc registered.
func NewServer(grpcAddr string, svc *StatusService, log *slog.Logger) *Server {
	gs := grpc.NewServer()
	svc.RegisterGRPC(gs)
	return &Server{
		grpcAddr: grpcAddr,
		gs:       gs,
		hub:      svc.hub,
		log:      log.With("component", "api"),
	}
}

// ListenAndServe starts the gRPC listener and blocks until the context is
// cancelled or a fatal error occurs. Cancellation ends every status stream
// and stops the server gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()
	s.log.Info("grpc server listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.hub.Close()
		s.gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	}
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown ends every status stream and stops the server, waiting for
// in-flight calls until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	done := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.gs.Stop()
		return ctx.Err()
	}
}
