package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/scanbridge/internal/monitoring"
	"github.com/banshee-data/scanbridge/internal/timeutil"
)

// StatsSnapshot is the rate view produced by the last LogStats call.
type StatsSnapshot struct {
	Stream        string    `json:"stream"`
	PacketsPerSec float64   `json:"packets_per_sec"`
	BytesPerSec   float64   `json:"bytes_per_sec"`
	Dropped       int64     `json:"dropped"`
	TotalPackets  int64     `json:"total_packets"`
	Timestamp     time.Time `json:"timestamp"`
}

// PacketStats counts received, forwarded-dropped, and rejected packets for
// one UDP stream.
type PacketStats struct {
	mu    sync.Mutex
	name  string
	clock timeutil.Clock

	packets  int64
	bytes    int64
	dropped  int64
	rejected int64
	total    int64

	lastReset time.Time
	latest    *StatsSnapshot
}

// NewPacketStats returns stats labelled with the stream name, e.g. "lidar".
func NewPacketStats(name string, clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{name: name, clock: clock, lastReset: clock.Now()}
}

// AddPacket counts one received datagram.
func (s *PacketStats) AddPacket(bytes int) {
	s.mu.Lock()
	s.packets++
	s.total++
	s.bytes += int64(bytes)
	s.mu.Unlock()
}

// AddDropped counts a packet the forwarder could not queue.
func (s *PacketStats) AddDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// AddRejected counts a packet the downstream queue refused.
func (s *PacketStats) AddRejected() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// Total returns the number of packets seen since creation.
func (s *PacketStats) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *PacketStats) getAndReset() (packets, bytes, dropped, rejected int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	d = now.Sub(s.lastReset)
	packets, bytes, dropped, rejected = s.packets, s.bytes, s.dropped, s.rejected
	s.packets, s.bytes, s.dropped, s.rejected = 0, 0, 0, 0
	s.lastReset = now
	return
}

// LogStats logs rates since the previous call and stores a snapshot. Idle
// intervals are not logged.
func (s *PacketStats) LogStats() {
	packets, bytes, dropped, rejected, d := s.getAndReset()
	if packets == 0 && dropped == 0 && rejected == 0 {
		return
	}
	secs := d.Seconds()
	if secs <= 0 {
		secs = 1
	}
	snap := &StatsSnapshot{
		Stream:        s.name,
		PacketsPerSec: float64(packets) / secs,
		BytesPerSec:   float64(bytes) / secs,
		Dropped:       dropped,
		Timestamp:     s.clock.Now(),
	}

	s.mu.Lock()
	snap.TotalPackets = s.total
	s.latest = snap
	s.mu.Unlock()

	msg := fmt.Sprintf("%s stats (/sec): %s, %.1f packets, %s total",
		s.name, humanize.Bytes(uint64(snap.BytesPerSec)), snap.PacketsPerSec,
		humanize.Comma(snap.TotalPackets))
	if dropped > 0 {
		msg += fmt.Sprintf(", %s dropped on forward", humanize.Comma(dropped))
	}
	if rejected > 0 {
		msg += fmt.Sprintf(", %s rejected by queue", humanize.Comma(rejected))
	}
	monitoring.Logf("%s", msg)
}

// Latest returns a copy of the most recent snapshot, or nil.
func (s *PacketStats) Latest() *StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	snap := *s.latest
	return &snap
}
