// Command pps-authority serves the PpsCounter handshake service on the
// bench, answering every reset with the host wall clock.
//
// Usage:
//
//	go run ./cmd/tools/pps-authority [flags]
//
// Flags:
//
//	-addr    Listen address (default: localhost:50062)
//	-serial  Answer from a serial timing board instead of the host clock
//	-delay   Artificial latency per reset, for exercising the driver's deadline
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanbridge/internal/lidar/rpc"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
)

func main() {
	addr := flag.String("addr", "localhost:50062", "Listen address")
	serialPort := flag.String("serial", "", "Serial timing board to relay")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	delay := flag.Duration("delay", 0, "Artificial latency per reset")
	flag.Parse()

	var authority timesync.TimeAuthority = rpc.HostClockAuthority{}
	if *serialPort != "" {
		port, err := timesync.OpenSerialPort(*serialPort, *baud)
		if err != nil {
			log.Fatalf("Failed to open timing board: %v", err)
		}
		sa := timesync.NewSerialAuthority(port)
		defer sa.Close()
		authority = sa
	}
	if *delay > 0 {
		inner := authority
		authority = timesync.AuthorityFunc(func(ctx context.Context) (int64, error) {
			select {
			case <-time.After(*delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			return inner.RequestTimeReference(ctx)
		})
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	srv := grpc.NewServer()
	authSrv := &rpc.AuthorityServer{Authority: authority}
	rpc.RegisterPpsCounterServer(srv, authSrv)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("serve: %v", err)
		}
	}()
	log.Printf("PpsCounter service listening on %s", lis.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("Shutting down after %d resets", authSrv.Resets())
	hs.Shutdown()
	srv.GracefulStop()
}
