package pipeline

import (
	"context"
	"sync/atomic"
)

// Default queue depths, matching the subscriber depths of the driver node.
const (
	DefaultLidarQueue = 2048
	DefaultIMUQueue   = 100
)

// RuntimeStats counts queue activity.
type RuntimeStats struct {
	LidarQueued  uint64 `json:"lidar_queued"`
	LidarDropped uint64 `json:"lidar_dropped"`
	IMUQueued    uint64 `json:"imu_queued"`
	IMUDropped   uint64 `json:"imu_dropped"`
	LidarDepth   int    `json:"lidar_depth"`
	IMUDepth     int    `json:"imu_depth"`
}

// Runtime feeds a Pipeline from two bounded queues on one goroutine.
// Packets within a queue are handled in order; there is no ordering between
// the two queues. A full queue drops the packet and counts it.
type Runtime struct {
	p     *Pipeline
	lidar chan []byte
	imu   chan []byte

	lidarQueued  atomic.Uint64
	lidarDropped atomic.Uint64
	imuQueued    atomic.Uint64
	imuDropped   atomic.Uint64
}

// NewRuntime creates a runtime. Non-positive depths take the defaults.
func NewRuntime(p *Pipeline, lidarDepth, imuDepth int) *Runtime {
	if lidarDepth <= 0 {
		lidarDepth = DefaultLidarQueue
	}
	if imuDepth <= 0 {
		imuDepth = DefaultIMUQueue
	}
	return &Runtime{
		p:     p,
		lidar: make(chan []byte, lidarDepth),
		imu:   make(chan []byte, imuDepth),
	}
}

// Submit copies pkt onto the queue for ch. It never blocks and reports
// whether the packet was queued.
func (r *Runtime) Submit(ch Channel, pkt []byte) bool {
	q, queued, dropped := r.lidar, &r.lidarQueued, &r.lidarDropped
	if ch == ChannelIMU {
		q, queued, dropped = r.imu, &r.imuQueued, &r.imuDropped
	}
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case q <- buf:
		queued.Add(1)
		return true
	default:
		if n := dropped.Add(1); n == 1 || n%1000 == 0 {
			opsf("%s queue full (depth %d), %d packet(s) dropped so far", ch, cap(q), n)
		}
		return false
	}
}

// SubmitLidar queues a lidar packet.
func (r *Runtime) SubmitLidar(pkt []byte) { r.Submit(ChannelLidar, pkt) }

// SubmitIMU queues an IMU packet.
func (r *Runtime) SubmitIMU(pkt []byte) { r.Submit(ChannelIMU, pkt) }

// Run dispatches queued packets until ctx is cancelled. Packets still queued
// at cancellation are discarded.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-r.lidar:
			r.p.HandleLidarPacket(ctx, pkt)
		case pkt := <-r.imu:
			r.p.HandleIMUPacket(pkt)
		}
	}
}

// Stats returns queue counters.
func (r *Runtime) Stats() RuntimeStats {
	return RuntimeStats{
		LidarQueued:  r.lidarQueued.Load(),
		LidarDropped: r.lidarDropped.Load(),
		IMUQueued:    r.imuQueued.Load(),
		IMUDropped:   r.imuDropped.Load(),
		LidarDepth:   len(r.lidar),
		IMUDepth:     len(r.imu),
	}
}
