package pipeline

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// Channel identifies which device stream a raw packet came from.
type Channel int

const (
	ChannelLidar Channel = iota
	ChannelIMU
)

func (c Channel) String() string {
	if c == ChannelIMU {
		return "imu"
	}
	return "lidar"
}

// ImuSample is one decoded inertial measurement.
type ImuSample struct {
	FrameName string `json:"frame_name"`
	// Timestamp is the translated gyro timestamp in ns.
	Timestamp       int64  `json:"timestamp"`
	DeviceTimestamp uint64 `json:"device_timestamp"`
	// LinearAcceleration is in m/s^2, AngularVelocity in rad/s.
	LinearAcceleration r3.Vector `json:"linear_acceleration"`
	AngularVelocity    r3.Vector `json:"angular_velocity"`
}

// FrameStat summarises one completed rotation for the diagnostics journal.
type FrameStat struct {
	At              time.Time `json:"at"`
	ScanFrameID     int       `json:"scan_frame_id"`
	DeviceTimestamp uint64    `json:"device_timestamp"`
	Timestamp       int64     `json:"timestamp"`
	Returns         int       `json:"returns"`
	Points          int       `json:"points"`
	Columns         int       `json:"columns"`
	Synced          bool      `json:"synced"`
	Withheld        bool      `json:"withheld"`
}

// FrameSink receives projected frames, one per return channel. Publish is
// called with the pipeline lock held and must not block.
type FrameSink interface {
	PublishFrame(f *l2frames.PointCloudFrame)
}

// IMUSink receives decoded inertial samples. It must not block.
type IMUSink interface {
	PublishIMU(s ImuSample)
}

// TransformSink receives the static transforms announced at startup.
type TransformSink interface {
	PublishStaticTransforms(tfs []sensor.StaticTransform) error
}

// FrameRecorder receives per-rotation statistics. It must not block.
type FrameRecorder interface {
	RecordFrame(s FrameStat)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(f *l2frames.PointCloudFrame)

func (fn FrameSinkFunc) PublishFrame(f *l2frames.PointCloudFrame) { fn(f) }

// IMUSinkFunc adapts a function to IMUSink.
type IMUSinkFunc func(s ImuSample)

func (fn IMUSinkFunc) PublishIMU(s ImuSample) { fn(s) }

// LogTransformSink writes each static transform to the process log.
type LogTransformSink struct{}

// PublishStaticTransforms implements TransformSink.
func (LogTransformSink) PublishStaticTransforms(tfs []sensor.StaticTransform) error {
	for _, tf := range tfs {
		q := tf.Rotation
		monitoring.Logf("static transform %s -> %s: t=(%.4f, %.4f, %.4f) m q=(w=%.4f, x=%.4f, y=%.4f, z=%.4f)",
			tf.Parent, tf.Child, tf.Translation.X, tf.Translation.Y, tf.Translation.Z,
			q.Real, q.Imag, q.Jmag, q.Kmag)
	}
	return nil
}
