package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// maxDatagram covers the largest lidar packet layout with margin.
const maxDatagram = 65535

// readTimeout bounds each read so cancellation is noticed promptly.
const readTimeout = 100 * time.Millisecond

// Handler receives one datagram. The slice is reused after the call returns.
// It reports whether the packet was accepted.
type Handler func(pkt []byte) bool

// UDPListenerConfig configures one UDP stream.
type UDPListenerConfig struct {
	Address     string // bind host, empty for all interfaces
	Port        int
	RcvBuf      int
	LogInterval time.Duration

	Handler   Handler
	Stats     *PacketStats
	Forwarder *PacketForwarder

	// SocketFactory defaults to real sockets.
	SocketFactory UDPSocketFactory
}

// UDPListener reads datagrams from one port and hands them to a Handler.
type UDPListener struct {
	cfg UDPListenerConfig

	mu   sync.Mutex
	sock UDPSocket
}

// NewUDPListener validates cfg and fills defaults.
func NewUDPListener(cfg UDPListenerConfig) (*UDPListener, error) {
	if cfg.Handler == nil {
		return nil, errors.New("udp listener: handler is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("udp listener: invalid port %d", cfg.Port)
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Stats == nil {
		cfg.Stats = NewPacketStats(strconv.Itoa(cfg.Port), nil)
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	return &UDPListener{cfg: cfg}, nil
}

// Stats returns the listener's counters.
func (l *UDPListener) Stats() *PacketStats { return l.cfg.Stats }

// Start binds the socket and reads until ctx is cancelled. It returns
// ctx.Err() on cancellation.
func (l *UDPListener) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: l.cfg.Port}
	if l.cfg.Address != "" {
		ip := net.ParseIP(l.cfg.Address)
		if ip == nil {
			return fmt.Errorf("udp listener: bad bind address %q", l.cfg.Address)
		}
		addr.IP = ip
	}
	sock, err := l.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	l.mu.Lock()
	l.sock = sock
	l.mu.Unlock()
	defer sock.Close()

	if l.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Warnf("set receive buffer to %d on %s: %v", l.cfg.RcvBuf, addr, err)
		}
	}
	monitoring.Logf("udp listener on %s (rcvbuf %d)", sock.LocalAddr(), l.cfg.RcvBuf)

	if l.cfg.Forwarder != nil {
		l.cfg.Forwarder.Start(ctx)
	}
	go l.logStats(ctx)

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = sock.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Warnf("udp read on %s: %v", addr, err)
			continue
		}
		l.handle(buf[:n], from)
	}
}

func (l *UDPListener) handle(pkt []byte, from *net.UDPAddr) {
	l.cfg.Stats.AddPacket(len(pkt))
	if l.cfg.Forwarder != nil {
		l.cfg.Forwarder.ForwardAsync(pkt)
	}
	if !l.cfg.Handler(pkt) {
		l.cfg.Stats.AddRejected()
		monitoring.Debugf("packet of %d bytes from %v rejected", len(pkt), from)
	}
}

// logStats reports once shortly after start, then every LogInterval.
func (l *UDPListener) logStats(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.cfg.Stats.LogStats()
	}
	ticker := time.NewTicker(l.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cfg.Stats.LogStats()
		}
	}
}

// Close closes the socket, ending Start.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	return l.sock.Close()
}
