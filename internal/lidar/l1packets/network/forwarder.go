package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/scanbridge/internal/monitoring"
)

const forwardQueue = 1000

// DropCounter receives forwarder drops.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder relays raw datagrams to another host so other viewers can
// consume the unmodified stream. Forwarding never blocks the read loop.
type PacketForwarder struct {
	conn        net.Conn
	ch          chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
	closeOnce   sync.Once
}

// NewPacketForwarder dials host:port over UDP.
func NewPacketForwarder(host string, port int, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial forward address %s: %w", addr, err)
	}
	return newForwarder(conn, addr, stats, logInterval), nil
}

func newForwarder(conn net.Conn, addr string, stats DropCounter, logInterval time.Duration) *PacketForwarder {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		ch:          make(chan []byte, forwardQueue),
		stats:       stats,
		logInterval: logInterval,
		address:     addr,
	}
}

// Address is the forwarding destination.
func (f *PacketForwarder) Address() string { return f.address }

// Start runs the send loop until ctx is cancelled or Close is called. Write
// failures are summarised once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		var failed int
		var lastErr error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-f.ch:
				if !ok {
					return
				}
				if _, err := f.conn.Write(pkt); err != nil {
					failed++
					lastErr = err
				}
			case <-ticker.C:
				if failed > 0 {
					monitoring.Warnf("failed to forward %d packets to %s (latest: %v)", failed, f.address, lastErr)
					failed, lastErr = 0, nil
				}
			}
		}
	}()
	monitoring.Logf("forwarding packets to %s", f.address)
}

// ForwardAsync queues a copy of pkt. A full queue drops the packet.
func (f *PacketForwarder) ForwardAsync(pkt []byte) {
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case f.ch <- buf:
	default:
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Close stops the send loop and closes the connection.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.ch)
		err = f.conn.Close()
	})
	return err
}
