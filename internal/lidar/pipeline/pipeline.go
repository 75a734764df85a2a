package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/scanbridge/internal/config"
	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
	"github.com/banshee-data/scanbridge/internal/timeutil"
)

// Config wires a Pipeline. Only Info is required.
type Config struct {
	Info *sensor.Info

	// Reference frame names. Empty names take the untransformed defaults
	// (os_sensor, imu_1, lidar_0).
	SensorFrame string
	IMUFrame    string
	LidarFrame  string

	InvalidRange l2frames.InvalidRangePolicy
	Translator   timesync.TranslatorConfig
	Window       timesync.CoordinatorConfig

	// Authority answers PPS handshakes. Nil disables synchronisation.
	Authority    timesync.TimeAuthority
	SyncRecorder timesync.SyncRecorder

	Frames        FrameSink
	IMU           IMUSink
	FrameRecorder FrameRecorder

	Clock timeutil.Clock
}

// Status is a point-in-time view of the pipeline for diagnostics.
type Status struct {
	Sync              timesync.Snapshot        `json:"sync"`
	SyncedSinceArm    bool                     `json:"synced_since_arm"`
	HandshakeAttempts int                      `json:"handshake_attempts"`
	Batcher           l2frames.BatcherStats    `json:"batcher"`
	FramesPublished   uint64                   `json:"frames_published"`
	FramesWithheld    uint64                   `json:"frames_withheld"`
	IMUPublished      uint64                   `json:"imu_published"`
	IMUWithheld       uint64                   `json:"imu_withheld"`
	IMUDropped        uint64                   `json:"imu_dropped"`
	Width             int                      `json:"width"`
	Height            int                      `json:"height"`
	Returns           int                      `json:"returns"`
	Profile           string                   `json:"profile"`
	InvalidRange      string                   `json:"invalid_range_policy"`
	SensorFrame       string                   `json:"sensor_frame"`
	Transforms        []sensor.StaticTransform `json:"transforms,omitempty"`
}

// Pipeline turns raw packets into frames and IMU samples.
//
// All state sits behind one mutex. Packet handlers, Rearm and Status are
// therefore serialised, and a re-arm that arrives during a handshake takes
// effect after the handshake finishes.
type Pipeline struct {
	mu sync.Mutex

	info        *sensor.Info
	format      *parse.PacketFormat
	batcher     *l2frames.Batcher
	translator  *timesync.Translator
	coordinator *timesync.Coordinator
	projector   *l2frames.Projector
	clock       timeutil.Clock

	sensorFrame, imuFrame, lidarFrame string

	frames   FrameSink
	imu      IMUSink
	recorder FrameRecorder

	latest     [2]*l2frames.PointCloudFrame
	transforms []sensor.StaticTransform

	framesPublished atomic.Uint64
	framesWithheld  atomic.Uint64
	imuPublished    atomic.Uint64
	imuWithheld     atomic.Uint64
	imuDropped      atomic.Uint64
}

// New builds a pipeline from sensor metadata. The direction table is
// computed once here.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Info == nil {
		return nil, errors.New("pipeline: sensor metadata is required")
	}
	if err := cfg.Info.Validate(); err != nil {
		return nil, err
	}
	table, err := l2frames.NewDirectionTable(cfg.Info)
	if err != nil {
		return nil, fmt.Errorf("build direction table: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.SensorFrame == "" {
		cfg.SensorFrame = config.SensorFrameName
	}
	if cfg.IMUFrame == "" {
		cfg.IMUFrame = config.IMUFrameName
	}
	if cfg.LidarFrame == "" {
		cfg.LidarFrame = config.LidarFrameName
	}

	format := parse.NewPacketFormat(cfg.Info)
	translator := timesync.NewTranslator(cfg.Translator, cfg.Clock)
	p := &Pipeline{
		info:        cfg.Info,
		format:      format,
		batcher:     l2frames.NewBatcher(format, cfg.Info.Width()),
		translator:  translator,
		coordinator: timesync.NewCoordinator(cfg.Window, translator, cfg.Authority, cfg.SyncRecorder, cfg.Clock),
		projector:   l2frames.NewProjector(table, cfg.InvalidRange, cfg.SensorFrame),
		clock:       cfg.Clock,
		sensorFrame: cfg.SensorFrame,
		imuFrame:    cfg.IMUFrame,
		lidarFrame:  cfg.LidarFrame,
		frames:      cfg.Frames,
		imu:         cfg.IMU,
		recorder:    cfg.FrameRecorder,
	}
	p.projector.SetEpochPeriod(translator.Config().EpochPeriod)
	diagf("pipeline ready: %dx%d %s (%d return(s)), invalid range policy %s",
		cfg.Info.Width(), cfg.Info.Height(), cfg.Info.Format.UDPProfileLidar,
		format.Returns(), cfg.InvalidRange)
	return p, nil
}

// Format returns the lidar packet layout the pipeline expects.
func (p *Pipeline) Format() *parse.PacketFormat { return p.format }

// HandleLidarPacket feeds one lidar packet. When the packet completes a
// rotation, the coordinator may run a handshake, then one frame per return
// channel is projected and published. It reports whether a rotation
// completed.
func (p *Pipeline) HandleLidarPacket(ctx context.Context, pkt []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.batcher.Feed(pkt) {
		return false
	}
	scan := p.batcher.Scan()
	first, ok := scan.FirstTimestamp()
	if !ok {
		return true
	}

	if attempted, err := p.coordinator.OnScan(ctx, first); err != nil {
		diagf("handshake at device ts %d: %v", first, err)
	} else if attempted {
		tracef("handshake at device ts %d succeeded", first)
	}

	ts := p.translator.Translate(int64(first))
	stat := FrameStat{
		At:              p.clock.Now(),
		ScanFrameID:     scan.FrameID,
		DeviceTimestamp: first,
		Timestamp:       ts,
		Returns:         scan.Returns,
		Columns:         scan.ColumnsWritten(),
		Synced:          p.translator.State() == timesync.Synced,
	}

	if p.translator.Withholding() {
		p.framesWithheld.Add(uint64(scan.Returns))
		stat.Withheld = true
		p.record(stat)
		return true
	}

	for ret := 0; ret < scan.Returns; ret++ {
		frame, err := p.projector.Project(scan, ret, ts, first)
		if err != nil {
			opsf("project return %d of frame %d: %v", ret, scan.FrameID, err)
			continue
		}
		stat.Points += len(frame.Points)
		p.latest[ret] = frame
		p.framesPublished.Add(1)
		if p.frames != nil {
			p.frames.PublishFrame(frame)
		}
	}
	tracef("frame %d: ts=%d device=%d points=%d", scan.FrameID, ts, first, stat.Points)
	p.record(stat)
	return true
}

func (p *Pipeline) record(s FrameStat) {
	if p.recorder != nil {
		p.recorder.RecordFrame(s)
	}
}

// HandleIMUPacket decodes one IMU packet and publishes it with a translated
// timestamp. It reports whether a sample was published.
func (p *Pipeline) HandleIMUPacket(pkt []byte) bool {
	decoded, err := parse.DecodeIMU(pkt)
	if err != nil {
		p.imuDropped.Add(1)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	device := decoded.Timestamp()
	ts := p.translator.Translate(int64(device))
	if p.translator.Withholding() {
		p.imuWithheld.Add(1)
		return false
	}
	sample := ImuSample{
		FrameName:          p.imuFrame,
		Timestamp:          ts,
		DeviceTimestamp:    device,
		LinearAcceleration: decoded.LinearAcceleration(),
		AngularVelocity:    decoded.AngularVelocity(),
	}
	p.imuPublished.Add(1)
	if p.imu != nil {
		p.imu.PublishIMU(sample)
	}
	return true
}

// Rearm makes the next in-window rotation eligible for a handshake. It
// waits for any handshake in progress.
func (p *Pipeline) Rearm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coordinator.Rearm()
}

// AnnounceTransforms emits the sensor-to-IMU and sensor-to-lidar transforms.
func (p *Pipeline) AnnounceTransforms(sink TransformSink) error {
	tfs := p.info.StaticTransforms(p.sensorFrame, p.imuFrame, p.lidarFrame)
	p.mu.Lock()
	p.transforms = tfs
	p.mu.Unlock()
	if sink == nil {
		return nil
	}
	if err := sink.PublishStaticTransforms(tfs); err != nil {
		return fmt.Errorf("announce static transforms: %w", err)
	}
	return nil
}

// LatestFrame returns the most recent frame for a return channel, or nil.
// Frames are never modified after publication.
func (p *Pipeline) LatestFrame(ret int) *l2frames.PointCloudFrame {
	if ret < 0 || ret >= len(p.latest) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest[ret]
}

// Status returns counters and sync state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Sync:              p.translator.Snapshot(),
		SyncedSinceArm:    p.coordinator.SyncedSinceArm(),
		HandshakeAttempts: p.coordinator.Attempts(),
		Batcher:           p.batcher.Stats(),
		FramesPublished:   p.framesPublished.Load(),
		FramesWithheld:    p.framesWithheld.Load(),
		IMUPublished:      p.imuPublished.Load(),
		IMUWithheld:       p.imuWithheld.Load(),
		IMUDropped:        p.imuDropped.Load(),
		Width:             p.info.Width(),
		Height:            p.info.Height(),
		Returns:           p.format.Returns(),
		Profile:           string(p.info.Format.UDPProfileLidar),
		InvalidRange:      p.projector.Policy().String(),
		SensorFrame:       p.sensorFrame,
		Transforms:        p.transforms,
	}
}
