package sqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// RecorderConfig sizes the write buffer.
type RecorderConfig struct {
	QueueSize     int           // rows buffered per kind before dropping
	BatchSize     int           // frame rows per transaction
	FlushInterval time.Duration // upper bound on frame row latency
}

// DefaultRecorderConfig is 10 s of rotations at 20 Hz per flush.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{QueueSize: 4096, BatchSize: 200, FlushInterval: 2 * time.Second}
}

// Recorder writes sync events and frame stats for one run off the packet
// path. It implements timesync.SyncRecorder and pipeline.FrameRecorder.
type Recorder struct {
	db    *DB
	runID string
	cfg   RecorderConfig

	syncs  chan timesync.SyncEvent
	frames chan pipeline.FrameStat

	dropped atomic.Uint64
	written atomic.Uint64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRecorder returns a recorder for runID. Call Run to start writing.
func NewRecorder(db *DB, runID string, cfg RecorderConfig) *Recorder {
	def := DefaultRecorderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Recorder{
		db:     db,
		runID:  runID,
		cfg:    cfg,
		syncs:  make(chan timesync.SyncEvent, cfg.QueueSize),
		frames: make(chan pipeline.FrameStat, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// RunID is the run rows are written under.
func (r *Recorder) RunID() string { return r.runID }

// RecordSync queues a handshake event. It never blocks.
func (r *Recorder) RecordSync(ev timesync.SyncEvent) {
	select {
	case r.syncs <- ev:
	default:
		r.dropped.Add(1)
	}
}

// RecordFrame queues a rotation row. It never blocks.
func (r *Recorder) RecordFrame(s pipeline.FrameStat) {
	select {
	case r.frames <- s:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of rows lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written is the number of rows committed.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Run writes queued rows until ctx is cancelled or Stop is called, then
// drains the queues. Sync events are written as they arrive; frame rows are
// batched.
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]pipeline.FrameStat, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Writes use a fresh context so the final drain survives cancellation.
		if err := r.db.InsertFrameStats(context.Background(), r.runID, batch); err != nil {
			monitoring.Warnf("journal: write %d frame rows: %v", len(batch), err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	writeSync := func(ev timesync.SyncEvent) {
		if err := r.db.InsertSyncEvents(context.Background(), r.runID, []timesync.SyncEvent{ev}); err != nil {
			monitoring.Warnf("journal: write sync event: %v", err)
			return
		}
		r.written.Add(1)
	}
	drain := func() {
		for {
			select {
			case ev := <-r.syncs:
				writeSync(ev)
			case s := <-r.frames:
				batch = append(batch, s)
				if len(batch) >= r.cfg.BatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return nil
		case <-r.stopCh:
			drain()
			return nil
		case ev := <-r.syncs:
			writeSync(ev)
		case s := <-r.frames:
			batch = append(batch, s)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop ends Run after draining and waits for it. Safe to call more than
// once, and a no-op if Run never started.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.mu.Unlock()
	<-r.doneCh
}
