package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
)

// PpsCounterClient asks the vehicle interface to reset its PPS second
// counter. It implements timesync.TimeAuthority and timesync.Availability.
type PpsCounterClient struct {
	conn *grpc.ClientConn
}

var (
	_ timesync.TimeAuthority = (*PpsCounterClient)(nil)
	_ timesync.Availability  = (*PpsCounterClient)(nil)
)

// DialPpsCounter creates a lazily connecting client for target.
func DialPpsCounter(target string, opts ...grpc.DialOption) (*PpsCounterClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial pps counter %s: %w", target, err)
	}
	return &PpsCounterClient{conn: conn}, nil
}

// NewPpsCounterClient wraps an existing connection.
func NewPpsCounterClient(conn *grpc.ClientConn) *PpsCounterClient {
	return &PpsCounterClient{conn: conn}
}

// Available reports whether the connection is usable or may become so
// without a backoff wait. An idle connection is kicked into connecting.
func (c *PpsCounterClient) Available(ctx context.Context) bool {
	switch c.conn.GetState() {
	case connectivity.Idle:
		c.conn.Connect()
		return true
	case connectivity.Ready, connectivity.Connecting:
		return true
	default:
		return false
	}
}

// RequestTimeReference implements timesync.TimeAuthority.
func (c *PpsCounterClient) RequestTimeReference(ctx context.Context) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, ResetPpsCounterMethod, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Close closes the connection.
func (c *PpsCounterClient) Close() error { return c.conn.Close() }

// AuthorityServer serves the PpsCounter service from any TimeAuthority.
// It backs the bench PPS tool and tests.
type AuthorityServer struct {
	Authority timesync.TimeAuthority
	resets    atomic.Uint64
}

var _ PpsCounterServer = (*AuthorityServer)(nil)

// ResetPpsCounter implements PpsCounterServer.
func (s *AuthorityServer) ResetPpsCounter(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	ref, err := s.Authority.RequestTimeReference(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "reset pps counter: %v", err)
	}
	s.resets.Add(1)
	return wrapperspb.Int64(ref), nil
}

// Resets returns the number of successful resets served.
func (s *AuthorityServer) Resets() uint64 { return s.resets.Load() }

// HostClockAuthority answers with the host's wall clock at the moment of
// the request.
type HostClockAuthority struct {
	Now func() time.Time
}

// RequestTimeReference implements timesync.TimeAuthority.
func (h HostClockAuthority) RequestTimeReference(ctx context.Context) (int64, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return now().UnixNano(), nil
}
