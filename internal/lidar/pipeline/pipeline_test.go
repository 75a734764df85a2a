package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
	"github.com/banshee-data/scanbridge/internal/timeutil"
)

const (
	testH        = 4
	testColsPkt  = 16
	testColumnNs = 195_312 // 100ms rotation over 512 columns
)

func testInfo(profile sensor.LidarProfile, w int) *sensor.Info {
	return &sensor.Info{
		Mode:                      fmt.Sprintf("%dx10", w),
		BeamAltitudeAngles:        []float64{15, 5, -5, -15},
		BeamAzimuthAngles:         []float64{3, 1, -1, -3},
		LidarOriginToBeamOriginMM: 15.806,
		LidarToSensorTransform:    sensor.Identity(),
		IMUToSensorTransform: []float64{
			1, 0, 0, 6.253,
			0, 1, 0, -11.775,
			0, 0, 1, 7.645,
			0, 0, 0, 1,
		},
		Format: sensor.DataFormat{
			PixelsPerColumn:  testH,
			ColumnsPerPacket: testColsPkt,
			ColumnsPerFrame:  w,
			ColumnWindow:     [2]int{0, w - 1},
			UDPProfileLidar:  profile,
		},
	}
}

func testPixel(v, u int) parse.Pixel {
	r := uint32(1000 + 10*v + u)
	return parse.Pixel{
		Range:        [2]uint32{r, r + 500},
		Reflectivity: [2]uint16{uint16(u + 1), uint16(u + 2)},
		Signal:       [2]uint16{uint16(100 + v%50), uint16(50 + v%50)},
		NearIR:       uint16(7 * u),
	}
}

// rotationPackets encodes one full rotation of w columns in column order.
func rotationPackets(t *testing.T, f *parse.PacketFormat, w int, frameID uint16, baseTs uint64) [][]byte {
	t.Helper()
	var pkts [][]byte
	for start := 0; start < w; start += f.ColumnsPerPacket {
		cols := make([]parse.ColumnData, f.ColumnsPerPacket)
		for i := range cols {
			v := start + i
			pixels := make([]parse.Pixel, f.PixelsPerColumn)
			for u := range pixels {
				pixels[u] = testPixel(v, u)
			}
			cols[i] = parse.ColumnData{
				MeasurementID: uint16(v),
				Timestamp:     baseTs + uint64(v)*testColumnNs,
				Encoder:       uint32(v * 88),
				Valid:         true,
				Pixels:        pixels,
			}
		}
		pkt, err := f.Encode(frameID, cols)
		require.NoError(t, err)
		pkts = append(pkts, pkt)
	}
	return pkts
}

type frameCollector struct {
	mu     sync.Mutex
	frames []*l2frames.PointCloudFrame
	imu    []ImuSample
	stats  []FrameStat
}

func (c *frameCollector) PublishFrame(f *l2frames.PointCloudFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *frameCollector) PublishIMU(s ImuSample) {
	c.mu.Lock()
	c.imu = append(c.imu, s)
	c.mu.Unlock()
}

func (c *frameCollector) RecordFrame(s FrameStat) {
	c.mu.Lock()
	c.stats = append(c.stats, s)
	c.mu.Unlock()
}

func (c *frameCollector) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestPipeline(t *testing.T, profile sensor.LidarProfile, w int, mutate func(*Config)) (*Pipeline, *frameCollector) {
	t.Helper()
	sink := &frameCollector{}
	cfg := Config{
		Info:          testInfo(profile, w),
		Translator:    timesync.DefaultTranslatorConfig(),
		Window:        timesync.DefaultCoordinatorConfig(),
		Frames:        sink,
		IMU:           sink,
		FrameRecorder: sink,
		Clock:         timeutil.NewMockClock(time.Unix(1_700_000_000, 0)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p, sink
}

// feedRotation feeds packets and returns how many completed a rotation.
func feedRotation(p *Pipeline, pkts [][]byte) int {
	completed := 0
	for _, pkt := range pkts {
		if p.HandleLidarPacket(context.Background(), pkt) {
			completed++
		}
	}
	return completed
}

func TestPipeline_SingleReturnFrame(t *testing.T) {
	p, sink := newTestPipeline(t, sensor.ProfileSingle, 512, nil)
	pkts := rotationPackets(t, p.Format(), 512, 1, 120_000_000)
	require.Len(t, pkts, 32)

	assert.Equal(t, 1, feedRotation(p, pkts))
	require.Len(t, sink.frames, 1)

	f := sink.frames[0]
	assert.Equal(t, 512*testH, len(f.Points))
	assert.Equal(t, 512, f.Width)
	assert.Equal(t, testH, f.Height)
	assert.Equal(t, 0, f.ReturnIndex)
	assert.Equal(t, "os_sensor", f.FrameName)
	// Unsynced frames carry the raw device time of the first column.
	assert.Equal(t, int64(120_000_000), f.Timestamp)
	for _, pt := range f.Points {
		assert.Equal(t, f.Timestamp, pt.Timestamp)
	}

	st := p.Status()
	assert.Equal(t, uint64(1), st.FramesPublished)
	assert.Equal(t, 1, st.Returns)
	assert.Equal(t, timesync.Unsynced, st.Sync.State)
	assert.Same(t, f, p.LatestFrame(0))
	assert.Nil(t, p.LatestFrame(1))
}

func TestPipeline_DualReturnFrames(t *testing.T) {
	p, sink := newTestPipeline(t, sensor.ProfileDual, 512, nil)
	pkts := rotationPackets(t, p.Format(), 512, 1, 120_000_000)

	assert.Equal(t, 1, feedRotation(p, pkts))
	require.Len(t, sink.frames, 2)

	first, second := sink.frames[0], sink.frames[1]
	assert.Equal(t, 0, first.ReturnIndex)
	assert.Equal(t, 1, second.ReturnIndex)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	require.Len(t, first.Points, 512*testH)
	require.Len(t, second.Points, 512*testH)
	for i := range first.Points {
		assert.Equal(t, first.Points[i].Range+500, second.Points[i].Range)
	}
	assert.NotEqual(t, first.Points[0].Position, second.Points[0].Position)
	assert.NotSame(t, first, second)
	assert.Len(t, sink.stats, 1)
	assert.Equal(t, 2*512*testH, sink.stats[0].Points)
}

func TestPipeline_HandshakeStampsFrames(t *testing.T) {
	auth := timesync.NewStaticAuthority(7_000_000_000)
	p, sink := newTestPipeline(t, sensor.ProfileLegacy, 512, func(c *Config) {
		c.Authority = auth
	})
	f := p.Format()

	// First rotation outside the window: raw time, no handshake.
	feedRotation(p, rotationPackets(t, f, 512, 1, 100_000_000))
	// The second rotation's first column lands at 350ms.
	feedRotation(p, rotationPackets(t, f, 512, 2, 350_000_000))

	require.Len(t, sink.frames, 2)
	assert.Equal(t, int64(100_000_000), sink.frames[0].Timestamp)
	assert.Equal(t, int64(7_000_000_000), sink.frames[1].Timestamp)
	assert.Equal(t, 1, auth.Calls())

	st := p.Status()
	assert.True(t, st.SyncedSinceArm)
	assert.Equal(t, timesync.Synced, st.Sync.State)
	assert.False(t, sink.stats[0].Synced)
	assert.True(t, sink.stats[1].Synced)

	// Re-arm makes exactly one more handshake eligible.
	p.Rearm()
	auth.SetReference(9_000_000_000)
	feedRotation(p, rotationPackets(t, f, 512, 3, 1_450_000_000))
	feedRotation(p, rotationPackets(t, f, 512, 4, 2_400_000_000))
	assert.Equal(t, 2, auth.Calls())
	assert.Equal(t, int64(9_000_000_000), p.Status().Sync.ReferenceEpoch)
}

func TestPipeline_WithholdUntilSynced(t *testing.T) {
	p, sink := newTestPipeline(t, sensor.ProfileLegacy, 512, func(c *Config) {
		c.Translator.Fallback = timesync.FallbackWithhold
	})
	assert.Equal(t, 1, feedRotation(p, rotationPackets(t, p.Format(), 512, 1, 100_000_000)))
	assert.Empty(t, sink.frames)

	imu := parse.EncodeIMU(parse.IMUPacket{GyroTimestamp: 150_000_000})
	assert.False(t, p.HandleIMUPacket(imu))

	st := p.Status()
	assert.Equal(t, uint64(1), st.FramesWithheld)
	assert.Equal(t, uint64(1), st.IMUWithheld)
	require.Len(t, sink.stats, 1)
	assert.True(t, sink.stats[0].Withheld)
}

func TestPipeline_IMU(t *testing.T) {
	p, sink := newTestPipeline(t, sensor.ProfileLegacy, 512, nil)

	pkt := parse.EncodeIMU(parse.IMUPacket{
		SysTimestamp:   1,
		AccelTimestamp: 400_000_000,
		GyroTimestamp:  400_000_100,
		Accel:          [3]float32{0, 0, 1},
		Gyro:           [3]float32{0, 0, 90},
	})
	assert.True(t, p.HandleIMUPacket(pkt))
	assert.False(t, p.HandleIMUPacket(pkt[:10]))

	require.Len(t, sink.imu, 1)
	s := sink.imu[0]
	assert.Equal(t, "imu_1", s.FrameName)
	assert.Equal(t, int64(400_000_100), s.Timestamp)
	assert.InDelta(t, parse.StandardGravity, s.LinearAcceleration.Z, 1e-6)
	assert.InDelta(t, 1.5707963, s.AngularVelocity.Z, 1e-6)
	assert.Equal(t, uint64(1), p.Status().IMUDropped)
}

func TestPipeline_IMUTranslatedAfterSync(t *testing.T) {
	auth := timesync.NewStaticAuthority(7_000_000_000)
	p, sink := newTestPipeline(t, sensor.ProfileLegacy, 512, func(c *Config) {
		c.Authority = auth
	})
	feedRotation(p, rotationPackets(t, p.Format(), 512, 1, 350_000_000))
	require.True(t, p.Status().SyncedSinceArm)

	require.True(t, p.HandleIMUPacket(parse.EncodeIMU(parse.IMUPacket{GyroTimestamp: 360_000_000})))
	assert.Equal(t, int64(7_010_000_000), sink.imu[0].Timestamp)
}

// wrappedRotation encodes one rotation whose column stamps come from a
// counter that resets every second, as under PPS. trueNs is the absolute
// time of column 0. It returns each packet with the true time of its last
// column.
func wrappedRotation(t *testing.T, f *parse.PacketFormat, w int, frameID uint16, trueNs int64) ([][]byte, []int64) {
	t.Helper()
	var pkts [][]byte
	var sent []int64
	for start := 0; start < w; start += f.ColumnsPerPacket {
		cols := make([]parse.ColumnData, f.ColumnsPerPacket)
		var last int64
		for i := range cols {
			v := start + i
			last = trueNs + int64(v)*testColumnNs
			pixels := make([]parse.Pixel, f.PixelsPerColumn)
			for u := range pixels {
				pixels[u] = testPixel(v, u)
			}
			cols[i] = parse.ColumnData{
				MeasurementID: uint16(v),
				Timestamp:     uint64(last % int64(time.Second)),
				Encoder:       uint32(v * 88),
				Valid:         true,
				Pixels:        pixels,
			}
		}
		pkt, err := f.Encode(frameID, cols)
		require.NoError(t, err)
		pkts = append(pkts, pkt)
		sent = append(sent, last)
	}
	return pkts, sent
}

func TestPipeline_InterleavedStreamsAcrossRollover(t *testing.T) {
	const (
		rotations = 30
		syncAt    = int64(350 * time.Millisecond)
		reference = int64(7_000_000_000)
	)
	auth := timesync.NewStaticAuthority(reference)
	p, sink := newTestPipeline(t, sensor.ProfileLegacy, 512, func(c *Config) {
		c.Authority = auth
	})

	type event struct {
		at    int64
		lidar []byte
		imu   []byte
	}
	var events []event
	var frameStart []int64
	for r := 0; r < rotations; r++ {
		start := int64(50*time.Millisecond) + int64(r)*int64(100*time.Millisecond)
		frameStart = append(frameStart, start)
		pkts, sent := wrappedRotation(t, p.Format(), 512, uint16(r), start)
		for i := range pkts {
			events = append(events, event{at: sent[i], lidar: pkts[i]})
		}
	}
	end := events[len(events)-1].at
	var imuTrue []int64
	for at := int64(5 * time.Millisecond); at <= end; at += int64(10 * time.Millisecond) {
		imuTrue = append(imuTrue, at)
		events = append(events, event{
			at:  at,
			imu: parse.EncodeIMU(parse.IMUPacket{GyroTimestamp: uint64(at % int64(time.Second))}),
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at < events[j].at })

	syncedIMU := -1
	for _, ev := range events {
		if ev.lidar != nil {
			p.HandleLidarPacket(context.Background(), ev.lidar)
			if syncedIMU < 0 && p.Status().Sync.State == timesync.Synced {
				syncedIMU = len(sink.imu)
			}
			continue
		}
		require.True(t, p.HandleIMUPacket(ev.imu))
	}

	require.Equal(t, 1, auth.Calls())
	require.Len(t, sink.frames, rotations)
	for r := 3; r < rotations; r++ {
		want := reference + frameStart[r] - syncAt
		assert.Equal(t, want, sink.frames[r].Timestamp, "frame %d", r)
	}

	require.Len(t, sink.imu, len(imuTrue))
	require.Positive(t, syncedIMU)
	for i := syncedIMU; i < len(imuTrue); i++ {
		want := reference + imuTrue[i] - syncAt
		assert.Equal(t, want, sink.imu[i].Timestamp, "imu sample at %dns", imuTrue[i])
	}

	assert.Equal(t, int64(3), p.Status().Sync.Rollovers, "three real rollovers")
}

type transformCapture struct{ tfs []sensor.StaticTransform }

func (c *transformCapture) PublishStaticTransforms(tfs []sensor.StaticTransform) error {
	c.tfs = tfs
	return nil
}

func TestPipeline_AnnounceTransforms(t *testing.T) {
	p, _ := newTestPipeline(t, sensor.ProfileLegacy, 512, func(c *Config) {
		c.SensorFrame = "car/os_sensor"
		c.IMUFrame = "car/imu_1"
		c.LidarFrame = "car/lidar_0"
	})
	var capture transformCapture
	require.NoError(t, p.AnnounceTransforms(&capture))
	require.Len(t, capture.tfs, 2)
	assert.Equal(t, "car/os_sensor", capture.tfs[0].Parent)
	assert.Equal(t, "car/imu_1", capture.tfs[0].Child)
	assert.InDelta(t, 0.006253, capture.tfs[0].Translation.X, 1e-9)
	assert.Equal(t, "car/lidar_0", capture.tfs[1].Child)
	assert.Len(t, p.Status().Transforms, 2)

	require.NoError(t, p.AnnounceTransforms(LogTransformSink{}))
}

func TestNew_RequiresMetadata(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	info := testInfo(sensor.ProfileLegacy, 512)
	info.BeamAzimuthAngles = info.BeamAzimuthAngles[:2]
	_, err = New(Config{Info: info})
	assert.ErrorIs(t, err, sensor.ErrInvalidMetadata)
}
