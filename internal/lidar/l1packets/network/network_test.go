package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanbridge/internal/monitoring"
	"github.com/banshee-data/scanbridge/internal/timeutil"
)

type collector struct {
	mu     sync.Mutex
	pkts   [][]byte
	accept bool
}

func (c *collector) handle(pkt []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, append([]byte(nil), pkt...))
	return c.accept
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

func (c *collector) get(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pkts[i]
}

func muteLogs(t *testing.T) *[]string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, v...))
		mu.Unlock()
	})
	monitoring.Warnf = func(string, ...interface{}) {}
	t.Cleanup(monitoring.Reset)
	return &lines
}

func TestUDPListener_DeliversPackets(t *testing.T) {
	muteLogs(t)
	sock := NewMockUDPSocket(7502, []byte{1, 2, 3}, []byte{4, 5}, []byte{6})
	factory := NewMockUDPSocketFactory(sock)
	c := &collector{accept: true}

	l, err := NewUDPListener(UDPListenerConfig{
		Port:          7502,
		RcvBuf:        1 << 20,
		Handler:       c.handle,
		SocketFactory: factory,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, func() bool { return c.count() == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []byte{4, 5}, c.get(1))
	assert.Equal(t, int64(3), l.Stats().Total())
	assert.Equal(t, 1<<20, sock.ReadBufferSize)
	assert.True(t, sock.IsClosed())
	assert.Equal(t, []string{":7502"}, factory.Listens)
}

func TestUDPListener_CountsRejected(t *testing.T) {
	muteLogs(t)
	sock := NewMockUDPSocket(7503, []byte{1}, []byte{2})
	c := &collector{accept: false}
	stats := NewPacketStats("imu", nil)

	l, err := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1",
		Port:          7503,
		Handler:       c.handle,
		Stats:         stats,
		SocketFactory: NewMockUDPSocketFactory(sock),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, sock.Drained, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, l.Close())
	err = <-done
	assert.ErrorIs(t, err, net.ErrClosed)

	_, _, _, rejected, _ := stats.getAndReset()
	assert.Equal(t, int64(2), rejected)
}

func TestUDPListener_TransientReadError(t *testing.T) {
	muteLogs(t)
	sock := NewMockUDPSocket(7502, []byte{9})
	sock.ReadError = errors.New("boom")
	c := &collector{accept: true}
	l, err := NewUDPListener(UDPListenerConfig{Port: 7502, Handler: c.handle, SocketFactory: NewMockUDPSocketFactory(sock)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestUDPListener_ListenFailure(t *testing.T) {
	muteLogs(t)
	factory := NewMockUDPSocketFactory()
	factory.Error = errors.New("address in use")
	l, err := NewUDPListener(UDPListenerConfig{Port: 7502, Handler: func([]byte) bool { return true }, SocketFactory: factory})
	require.NoError(t, err)
	err = l.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

func TestNewUDPListener_Validation(t *testing.T) {
	h := func([]byte) bool { return true }
	tests := []struct {
		name string
		cfg  UDPListenerConfig
	}{
		{"no handler", UDPListenerConfig{Port: 7502}},
		{"zero port", UDPListenerConfig{Handler: h}},
		{"port too large", UDPListenerConfig{Port: 70000, Handler: h}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUDPListener(tt.cfg)
			assert.Error(t, err)
		})
	}

	l, err := NewUDPListener(UDPListenerConfig{Port: 7502, Handler: h, Address: "not-an-ip", SocketFactory: NewMockUDPSocketFactory()})
	require.NoError(t, err)
	assert.ErrorContains(t, l.Start(context.Background()), "bad bind address")
}

func TestPacketStats_LogStats(t *testing.T) {
	lines := muteLogs(t)
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	s := NewPacketStats("lidar", clock)

	s.LogStats()
	assert.Empty(t, *lines, "idle interval is not logged")
	assert.Nil(t, s.Latest())

	for i := 0; i < 2000; i++ {
		s.AddPacket(12608)
	}
	s.AddDropped()
	s.AddRejected()
	clock.Advance(2 * time.Second)
	s.LogStats()

	snap := s.Latest()
	require.NotNil(t, snap)
	assert.Equal(t, "lidar", snap.Stream)
	assert.InDelta(t, 1000, snap.PacketsPerSec, 1e-9)
	assert.InDelta(t, 12608*1000, snap.BytesPerSec, 1e-6)
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Equal(t, int64(2000), snap.TotalPackets)

	require.Len(t, *lines, 1)
	assert.Equal(t, "lidar stats (/sec): 13 MB, 1000.0 packets, 2,000 total, 1 dropped on forward, 1 rejected by queue", (*lines)[0])
}

func TestPacketForwarder_Relays(t *testing.T) {
	muteLogs(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	stats := NewPacketStats("lidar", nil)
	f, err := NewPacketForwarder("127.0.0.1", port, stats, time.Second)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), f.Address())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	pkt := []byte("raw lidar bytes")
	f.ForwardAsync(pkt)
	pkt[0] = 'X'

	buf := make([]byte, 64)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "raw lidar bytes", string(buf[:n]))
}

type nopConn struct{ net.Conn }

func (nopConn) Close() error { return nil }

func TestPacketForwarder_DropsWhenFull(t *testing.T) {
	stats := NewPacketStats("lidar", nil)
	f := newForwarder(nopConn{}, "test", stats, 0)
	for i := 0; i < forwardQueue+3; i++ {
		f.ForwardAsync([]byte{byte(i)})
	}
	_, _, dropped, _, _ := stats.getAndReset()
	assert.Equal(t, int64(3), dropped)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

var (
	srcMAC = net.HardwareAddr{0xbc, 0x0f, 0xa7, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	srcIP  = net.IPv4(192, 0, 2, 10)
	dstIP  = net.IPv4(192, 0, 2, 1)
)

func serialize(t *testing.T, opts gopacket.SerializeOptions, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return append([]byte(nil), buf.Bytes()...)
}

func udpFrame(t *testing.T, dst int, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: 7502, DstPort: layers.UDPPort(dst)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(payload))
}

// fragmentedUDP splits one datagram into IPv4 fragments of fragSize bytes.
func fragmentedUDP(t *testing.T, dst int, payload []byte, fragSize int) [][]byte {
	t.Helper()
	udp := &layers.UDP{SrcPort: 7502, DstPort: layers.UDPPort(dst)}
	raw := serialize(t, gopacket.SerializeOptions{FixLengths: true}, udp, gopacket.Payload(payload))

	var frames [][]byte
	for off := 0; off < len(raw); off += fragSize {
		end := off + fragSize
		var flags layers.IPv4Flag
		if end < len(raw) {
			flags = layers.IPv4MoreFragments
		} else {
			end = len(raw)
		}
		eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Id: 0x4242, Protocol: layers.IPProtocolUDP,
			Flags: flags, FragOffset: uint16(off / 8),
			SrcIP: srcIP, DstIP: dstIP,
		}
		frames = append(frames, serialize(t, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			eth, ip, gopacket.Payload(raw[off:end])))
	}
	return frames
}

func arpFrame(t *testing.T) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: srcMAC, SourceProtAddress: srcIP.To4(),
		DstHwAddress: make([]byte, 6), DstProtAddress: dstIP.To4(),
	}
	return serialize(t, gopacket.SerializeOptions{FixLengths: true}, eth, arp)
}

func replayConfig(lidar, imu *collector) ReplayConfig {
	return ReplayConfig{
		LidarPort:  7502,
		IMUPort:    7503,
		Lidar:      lidar.handle,
		IMU:        imu.handle,
		LidarStats: NewPacketStats("lidar", nil),
		IMUStats:   NewPacketStats("imu", nil),
	}
}

func TestReplay_RoutesByPort(t *testing.T) {
	muteLogs(t)
	base := time.Unix(1700000000, 0)
	r := NewMockPCAPReader(
		PCAPPacket{Data: udpFrame(t, 7502, []byte("lidar-1")), Timestamp: base},
		PCAPPacket{Data: udpFrame(t, 7503, []byte("imu-1")), Timestamp: base},
		PCAPPacket{Data: arpFrame(t), Timestamp: base},
		PCAPPacket{Data: udpFrame(t, 9999, []byte("other")), Timestamp: base},
		PCAPPacket{Data: udpFrame(t, 7502, []byte("lidar-2")), Timestamp: base},
	)
	lidar, imu := &collector{accept: true}, &collector{accept: true}
	cfg := replayConfig(lidar, imu)

	res, err := Replay(context.Background(), r, cfg)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Frames)
	assert.Equal(t, 2, res.LidarPayload)
	assert.Equal(t, 1, res.IMUPayload)
	assert.Equal(t, 2, res.Skipped)
	require.Equal(t, 2, lidar.count())
	assert.Equal(t, "lidar-2", string(lidar.get(1)))
	assert.Equal(t, "imu-1", string(imu.get(0)))
	assert.Equal(t, int64(2), cfg.LidarStats.Total())
	assert.Equal(t, int64(1), cfg.IMUStats.Total())
}

func TestReplay_ReassemblesFragments(t *testing.T) {
	muteLogs(t)
	payload := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 4000)
	frames := fragmentedUDP(t, 7502, payload, 1480)
	require.Greater(t, len(frames), 1)

	var pkts []PCAPPacket
	for _, f := range frames {
		pkts = append(pkts, PCAPPacket{Data: f, Timestamp: time.Unix(1700000000, 0)})
	}
	lidar, imu := &collector{accept: true}, &collector{accept: true}
	res, err := Replay(context.Background(), NewMockPCAPReader(pkts...), replayConfig(lidar, imu))
	require.NoError(t, err)

	assert.Equal(t, len(frames), res.Frames)
	assert.Equal(t, 1, res.LidarPayload)
	assert.Equal(t, len(frames)-1, res.Skipped)
	require.Equal(t, 1, lidar.count())
	assert.Equal(t, payload, lidar.get(0))
}

func TestReplay_PacesAgainstCaptureTime(t *testing.T) {
	muteLogs(t)
	base := time.Unix(1700000000, 0)
	r := NewMockPCAPReader(
		PCAPPacket{Data: udpFrame(t, 7502, []byte("a")), Timestamp: base},
		PCAPPacket{Data: udpFrame(t, 7502, []byte("b")), Timestamp: base.Add(60 * time.Millisecond)},
	)
	lidar, imu := &collector{accept: true}, &collector{accept: true}
	cfg := replayConfig(lidar, imu)
	cfg.Speed = 2

	res, err := Replay(context.Background(), r, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Elapsed, 25*time.Millisecond)
	assert.Equal(t, 2, lidar.count())
}

func TestReplay_Cancelled(t *testing.T) {
	muteLogs(t)
	base := time.Unix(1700000000, 0)
	r := NewMockPCAPReader(
		PCAPPacket{Data: udpFrame(t, 7502, []byte("a")), Timestamp: base},
		PCAPPacket{Data: udpFrame(t, 7502, []byte("b")), Timestamp: base.Add(time.Hour)},
	)
	lidar, imu := &collector{accept: true}, &collector{accept: true}
	cfg := replayConfig(lidar, imu)
	cfg.Speed = 1

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Replay(ctx, r, cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, lidar.count())
}

func TestReplay_ReaderError(t *testing.T) {
	muteLogs(t)
	r := NewMockPCAPReader()
	r.Err = errors.New("truncated capture")
	_, err := Replay(context.Background(), r, replayConfig(&collector{}, &collector{}))
	assert.ErrorContains(t, err, "truncated capture")
}

func TestReadPCAPFile(t *testing.T) {
	muteLogs(t)
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	base := time.Unix(1700000000, 0)
	for i, frame := range [][]byte{
		udpFrame(t, 7502, []byte("lidar")),
		udpFrame(t, 7503, []byte("imu")),
	} {
		ci := gopacket.CaptureInfo{Timestamp: base.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(frame), Length: len(frame)}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	require.NoError(t, f.Close())

	lidar, imu := &collector{accept: true}, &collector{accept: true}
	res, err := ReadPCAPFile(context.Background(), path, replayConfig(lidar, imu))
	require.NoError(t, err)
	assert.Equal(t, 1, res.LidarPayload)
	assert.Equal(t, 1, res.IMUPayload)
	assert.Equal(t, "lidar", string(lidar.get(0)))

	_, err = ReadPCAPFile(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), replayConfig(lidar, imu))
	assert.Error(t, err)
}

func TestReplayConfig_BPFFilter(t *testing.T) {
	cfg := ReplayConfig{LidarPort: 7502, IMUPort: 7503}
	assert.Equal(t, "udp port 7502 or udp port 7503", cfg.BPFFilter())
}
