package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// PCAPPacket is one captured link-layer frame.
type PCAPPacket struct {
	Data      []byte
	Timestamp time.Time
}

// PCAPReader yields captured frames in file order. NextPacket returns io.EOF
// after the last frame.
type PCAPReader interface {
	NextPacket() (*PCAPPacket, error)
	LinkType() layers.LinkType
	Close() error
}

// ReplayConfig routes replayed UDP payloads by destination port.
type ReplayConfig struct {
	LidarPort int
	IMUPort   int
	Lidar     Handler
	IMU       Handler

	LidarStats *PacketStats
	IMUStats   *PacketStats
	Forwarder  *PacketForwarder

	// Speed paces delivery against capture timestamps. 1 is real time,
	// 2 twice as fast. Zero or less replays as fast as possible.
	Speed float64
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Frames       int
	LidarPayload int
	IMUPayload   int
	Skipped      int
	Elapsed      time.Duration
}

// BPFFilter is the capture filter matching both sensor streams.
func (c ReplayConfig) BPFFilter() string {
	return fmt.Sprintf("udp port %d or udp port %d", c.LidarPort, c.IMUPort)
}

// ReadPCAPFile opens path and replays it. Which capture backend opens the
// file depends on the build; see openPCAP.
func ReadPCAPFile(ctx context.Context, path string, cfg ReplayConfig) (ReplayResult, error) {
	r, err := openPCAP(path, cfg.BPFFilter())
	if err != nil {
		return ReplayResult{}, fmt.Errorf("open pcap %s: %w", path, err)
	}
	defer r.Close()
	monitoring.Logf("replaying %s (filter %q, speed %.1fx)", path, cfg.BPFFilter(), cfg.Speed)
	return Replay(ctx, r, cfg)
}

// Replay decodes each frame down to its UDP payload, reassembling IPv4
// fragments, and hands lidar and IMU payloads to their handlers. Other
// traffic is skipped.
func Replay(ctx context.Context, r PCAPReader, cfg ReplayConfig) (ReplayResult, error) {
	var res ReplayResult
	start := time.Now()
	defrag := ip4defrag.NewIPv4Defragmenter()
	decodeOpts := gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	var first time.Time

	for {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		pkt, err := r.NextPacket()
		if errors.Is(err, io.EOF) {
			res.Elapsed = time.Since(start)
			monitoring.Logf("pcap replay complete: %d frames (%d lidar, %d imu, %d skipped) in %v",
				res.Frames, res.LidarPayload, res.IMUPayload, res.Skipped, res.Elapsed)
			return res, nil
		}
		if err != nil {
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("read pcap frame %d: %w", res.Frames+1, err)
		}
		res.Frames++

		decoded := gopacket.NewPacket(pkt.Data, r.LinkType(), decodeOpts)
		dstPort, payload, ok, err := udpPayload(decoded, defrag, pkt.Timestamp)
		if err != nil {
			monitoring.Debugf("pcap frame %d: %v", res.Frames, err)
		}
		if !ok {
			res.Skipped++
			continue
		}

		if cfg.Speed > 0 {
			if first.IsZero() {
				first = pkt.Timestamp
			}
			due := time.Duration(float64(pkt.Timestamp.Sub(first)) / cfg.Speed)
			if wait := due - time.Since(start); wait > 0 {
				if err := sleepCtx(ctx, wait); err != nil {
					res.Elapsed = time.Since(start)
					return res, err
				}
			}
		}

		switch dstPort {
		case cfg.LidarPort:
			res.LidarPayload++
			deliver(payload, cfg.Lidar, cfg.LidarStats, cfg.Forwarder)
		case cfg.IMUPort:
			res.IMUPayload++
			deliver(payload, cfg.IMU, cfg.IMUStats, nil)
		default:
			res.Skipped++
		}
	}
}

// udpPayload returns the destination port and payload of a UDP datagram.
// ok is false for non-UDP frames and for fragments still awaiting the rest
// of their datagram.
func udpPayload(p gopacket.Packet, defrag *ip4defrag.IPv4Defragmenter, ts time.Time) (port int, payload []byte, ok bool, err error) {
	if l := p.Layer(layers.LayerTypeIPv4); l != nil {
		ip4 := l.(*layers.IPv4)
		if ip4.Protocol != layers.IPProtocolUDP {
			return 0, nil, false, nil
		}
		whole, err := defrag.DefragIPv4WithTimestamp(ip4, ts)
		if err != nil || whole == nil {
			return 0, nil, false, err
		}
		var udp layers.UDP
		if err := udp.DecodeFromBytes(whole.Payload, gopacket.NilDecodeFeedback); err != nil {
			return 0, nil, false, fmt.Errorf("decode udp: %w", err)
		}
		return int(udp.DstPort), udp.Payload, len(udp.Payload) > 0, nil
	}
	if l := p.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		return int(udp.DstPort), udp.Payload, len(udp.Payload) > 0, nil
	}
	return 0, nil, false, nil
}

func deliver(payload []byte, h Handler, stats *PacketStats, fwd *PacketForwarder) {
	if stats != nil {
		stats.AddPacket(len(payload))
	}
	if fwd != nil {
		fwd.ForwardAsync(payload)
	}
	if h != nil && !h(payload) && stats != nil {
		stats.AddRejected()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// captureSource is what both capture backends provide.
type captureSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type sourceReader struct {
	src   captureSource
	close func() error
}

func (s *sourceReader) NextPacket() (*PCAPPacket, error) {
	data, ci, err := s.src.ReadPacketData()
	if err != nil {
		return nil, err
	}
	return &PCAPPacket{Data: data, Timestamp: ci.Timestamp}, nil
}

func (s *sourceReader) LinkType() layers.LinkType { return s.src.LinkType() }

func (s *sourceReader) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// MockPCAPReader replays in-memory frames.
type MockPCAPReader struct {
	Packets   []PCAPPacket
	Link      layers.LinkType
	ReadIndex int
	Err       error // returned after the packets instead of io.EOF
	Closed    bool
}

// NewMockPCAPReader returns an Ethernet reader over packets.
func NewMockPCAPReader(packets ...PCAPPacket) *MockPCAPReader {
	return &MockPCAPReader{Packets: packets, Link: layers.LinkTypeEthernet}
}

func (m *MockPCAPReader) NextPacket() (*PCAPPacket, error) {
	if m.Closed {
		return nil, errors.New("reader closed")
	}
	if m.ReadIndex >= len(m.Packets) {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, io.EOF
	}
	p := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return &p, nil
}

func (m *MockPCAPReader) LinkType() layers.LinkType { return m.Link }

func (m *MockPCAPReader) Close() error {
	m.Closed = true
	return nil
}
