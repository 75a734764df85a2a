package rpc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// maxMsgSize fits a full-resolution dual-return frame as PCD.
const maxMsgSize = 16 * 1024 * 1024

// Server hosts the Driver service and the standard health service.
type Server struct {
	server *grpc.Server
	health *health.Server

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a server with the Driver service registered.
func NewServer(driver DriverServer, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	s := &Server{
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	RegisterDriverServer(s.server, driver)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(DriverServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPCServer returns the underlying server for additional registrations.
func (s *Server) GRPCServer() *grpc.Server { return s.server }

// ListenAndServe binds addr and serves in the background.
func (s *Server) ListenAndServe(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.Serve(lis)
	return lis.Addr(), nil
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) {
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[rpc] gRPC server listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[rpc] gRPC server error: %v", err)
		}
	}()
}

// Stop drains in-flight calls for up to timeout, then closes the server.
// Streams never finish on their own, so the hard stop is the usual path
// while clients are attached.
func (s *Server) Stop(timeout time.Duration) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.server.Stop()
		<-done
	}
	s.wg.Wait()
	monitoring.Logf("[rpc] gRPC server stopped")
}
