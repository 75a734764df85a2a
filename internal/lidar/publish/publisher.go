// Package publish fans point cloud frames and IMU samples out to in-process
// subscribers such as the gRPC streams and the monitor.
package publish

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// AllReturns subscribes to every return channel.
const AllReturns = -1

// Config sizes the publisher's buffers.
type Config struct {
	// QueueSize is the depth of the shared inbound queue (default 100).
	QueueSize int
	// ClientBuffer is the depth of each subscriber's channel (default 10).
	ClientBuffer int
	// StatsInterval is how often throughput is logged. Zero disables it.
	StatsInterval time.Duration
}

// DefaultConfig returns the standard buffer sizes.
func DefaultConfig() Config {
	return Config{
		QueueSize:     100,
		ClientBuffer:  10,
		StatsInterval: 30 * time.Second,
	}
}

// Subscription receives published items until it is cancelled.
type Subscription struct {
	ID          string
	ReturnIndex int

	frames chan *l2frames.PointCloudFrame
	imu    chan pipeline.ImuSample
	done   chan struct{}
}

// Frames delivers frames. It is nil for IMU subscriptions.
func (s *Subscription) Frames() <-chan *l2frames.PointCloudFrame { return s.frames }

// IMU delivers inertial samples. It is nil for frame subscriptions.
func (s *Subscription) IMU() <-chan pipeline.ImuSample { return s.imu }

// Done is closed when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Stats contains publisher counters.
type Stats struct {
	Frames      uint64 `json:"frames"`
	IMUSamples  uint64 `json:"imu_samples"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int32  `json:"subscribers"`
	Running     bool   `json:"running"`
}

// Publisher broadcasts frames and samples. Publishing never blocks: when
// the inbound queue or a subscriber's channel is full the item is dropped
// and counted.
type Publisher struct {
	cfg Config

	frameChan chan *l2frames.PointCloudFrame
	imuChan   chan pipeline.ImuSample

	mu      sync.RWMutex
	clients map[string]*Subscription

	frameCount  atomic.Uint64
	imuCount    atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var (
	_ pipeline.FrameSink = (*Publisher)(nil)
	_ pipeline.IMUSink   = (*Publisher)(nil)
)

// New creates a stopped publisher.
func New(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		cfg:       cfg,
		frameChan: make(chan *l2frames.PointCloudFrame, cfg.QueueSize),
		imuChan:   make(chan pipeline.ImuSample, cfg.QueueSize),
		clients:   make(map[string]*Subscription),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (p *Publisher) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.wg.Add(1)
	go p.broadcastLoop()
	return nil
}

// Stop ends the broadcast loop and closes every subscription.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	for id, sub := range p.clients {
		close(sub.done)
		delete(p.clients, id)
	}
	p.mu.Unlock()
	p.clientCount.Store(0)
}

// PublishFrame queues a frame for broadcast.
func (p *Publisher) PublishFrame(f *l2frames.PointCloudFrame) {
	if f == nil || !p.running.Load() {
		return
	}
	select {
	case p.frameChan <- f:
		p.frameCount.Add(1)
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			monitoring.Warnf("[publish] frame queue full, %d item(s) dropped so far", n)
		}
	}
}

// PublishIMU queues an IMU sample for broadcast.
func (p *Publisher) PublishIMU(s pipeline.ImuSample) {
	if !p.running.Load() {
		return
	}
	select {
	case p.imuChan <- s:
		p.imuCount.Add(1)
	default:
		p.dropped.Add(1)
	}
}

// SubscribeFrames registers a frame subscriber for one return channel, or
// for all of them with AllReturns.
func (p *Publisher) SubscribeFrames(ret int) *Subscription {
	sub := &Subscription{
		ID:          uuid.NewString(),
		ReturnIndex: ret,
		frames:      make(chan *l2frames.PointCloudFrame, p.cfg.ClientBuffer),
		done:        make(chan struct{}),
	}
	p.add(sub)
	return sub
}

// SubscribeIMU registers an IMU subscriber.
func (p *Publisher) SubscribeIMU() *Subscription {
	sub := &Subscription{
		ID:          uuid.NewString(),
		ReturnIndex: AllReturns,
		imu:         make(chan pipeline.ImuSample, p.cfg.ClientBuffer*10),
		done:        make(chan struct{}),
	}
	p.add(sub)
	return sub
}

func (p *Publisher) add(sub *Subscription) {
	p.mu.Lock()
	p.clients[sub.ID] = sub
	p.mu.Unlock()
	n := p.clientCount.Add(1)
	monitoring.Debugf("[publish] subscriber %s connected (total: %d)", sub.ID, n)
}

// Unsubscribe removes a subscriber and closes its Done channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.clients[id]
	if ok {
		close(sub.done)
		delete(p.clients, id)
	}
	p.mu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Debugf("[publish] subscriber %s disconnected (remaining: %d)", id, n)
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.cfg.StatsInterval > 0 {
		t := time.NewTicker(p.cfg.StatsInterval)
		defer t.Stop()
		tick = t.C
	}
	var lastFrames uint64

	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.frameChan:
			p.mu.RLock()
			for _, sub := range p.clients {
				if sub.frames == nil || (sub.ReturnIndex != AllReturns && sub.ReturnIndex != f.ReturnIndex) {
					continue
				}
				select {
				case sub.frames <- f:
				default:
					// slow subscriber
					p.dropped.Add(1)
				}
			}
			p.mu.RUnlock()
		case s := <-p.imuChan:
			p.mu.RLock()
			for _, sub := range p.clients {
				if sub.imu == nil {
					continue
				}
				select {
				case sub.imu <- s:
				default:
					p.dropped.Add(1)
				}
			}
			p.mu.RUnlock()
		case <-tick:
			frames := p.frameCount.Load()
			fps := float64(frames-lastFrames) / p.cfg.StatsInterval.Seconds()
			lastFrames = frames
			monitoring.Logf("[publish] Stats: fps=%.1f frames=%d imu=%d dropped=%d subscribers=%d",
				fps, frames, p.imuCount.Load(), p.dropped.Load(), p.clientCount.Load())
		}
	}
}

// Stats returns current publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Frames:      p.frameCount.Load(),
		IMUSamples:  p.imuCount.Load(),
		Dropped:     p.dropped.Load(),
		Subscribers: p.clientCount.Load(),
		Running:     p.running.Load(),
	}
}
