package l2frames

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
)

func completedScan(t *testing.T, f *parse.PacketFormat, px pixelFunc) *LidarScan {
	t.Helper()
	b := NewBatcher(f, testW)
	done := false
	for _, pkt := range rotation(t, f, 11, 360_000_000, px) {
		done = b.Feed(pkt)
	}
	require.True(t, done)
	return b.Scan()
}

func TestProject_PositionsMatchTableExactly(t *testing.T) {
	table := flatTable(t)
	scan := completedScan(t, legacyFormat(), rangePixels)
	p := NewProjector(table, InvalidRangeOrigin, "os_sensor")

	frame, err := p.Project(scan, 0, 7_000_000_100, 360_000_000)
	require.NoError(t, err)
	require.Len(t, frame.Points, testW*testH)
	assert.Equal(t, testW, frame.Width)
	assert.Equal(t, testH, frame.Height)
	assert.Equal(t, "os_sensor", frame.FrameName)
	assert.Equal(t, 11, frame.ScanFrameID)

	for u := 0; u < testH; u++ {
		for v := 0; v < testW; v++ {
			i := scan.Index(v, u)
			r := scan.Range[0][i]
			want := table.Direction[i].Mul(float64(r)).Add(table.Offset[i])
			pt := frame.Points[i]
			if pt.Position != want {
				t.Fatalf("pixel (%d,%d): got %v, want %v", v, u, pt.Position, want)
			}
			assert.Equal(t, int64(7_000_000_100), pt.Timestamp)
			assert.Equal(t, float32(scan.Signal[0][i]), pt.Intensity)
			assert.Equal(t, uint16(u), pt.Ring)
			assert.Equal(t, uint32(v*testColumnNs), pt.Offset)
		}
	}
}

func TestProject_OffsetsAcrossRollover(t *testing.T) {
	const start = 951_000_000
	scan := NewLidarScan(testW, testH, 1)
	for v := range scan.Headers {
		scan.Headers[v].Timestamp = uint64((start + v*testColumnNs) % int(time.Second))
		for u := 0; u < testH; u++ {
			scan.Range[0][scan.Index(v, u)] = 1000
		}
	}
	// Column 62 was never written.
	scan.Headers[62].Timestamp = 0

	p := NewProjector(flatTable(t), InvalidRangeOrigin, "s")
	p.SetEpochPeriod(time.Second)
	frame, err := p.Project(scan, 0, 7_000_000_000, start)
	require.NoError(t, err)

	for v := 0; v < testW; v++ {
		want := uint32(v * testColumnNs)
		if v == 62 {
			want = 0
		}
		assert.Equal(t, want, frame.Points[scan.Index(v, 0)].Offset, "column %d", v)
	}
	assert.Zero(t, scan.Headers[40].Timestamp/uint64(time.Second), "column 40 is past the rollover")
	assert.Less(t, scan.Headers[40].Timestamp, uint64(start))

	// Without a period the post-rollover columns have no usable offset.
	plain, err := NewProjector(flatTable(t), InvalidRangeOrigin, "s").Project(scan, 0, 7_000_000_000, start)
	require.NoError(t, err)
	assert.Zero(t, plain.Points[scan.Index(40, 0)].Offset)
}

func TestProject_ZeroRangePolicies(t *testing.T) {
	table := flatTable(t)
	sparse := func(v, u int) parse.Pixel {
		if v%2 == 1 {
			return parse.Pixel{}
		}
		return rangePixels(v, u)
	}
	scan := completedScan(t, legacyFormat(), sparse)

	origin, err := NewProjector(table, InvalidRangeOrigin, "s").Project(scan, 0, 1, 0)
	require.NoError(t, err)
	require.Len(t, origin.Points, testW*testH)
	assert.Equal(t, r3.Vector{}, origin.Points[scan.Index(1, 0)].Position)
	assert.NotEqual(t, r3.Vector{}, origin.Points[scan.Index(0, 0)].Position)

	omit, err := NewProjector(table, InvalidRangeOmit, "s").Project(scan, 0, 1, 0)
	require.NoError(t, err)
	assert.Len(t, omit.Points, testW*testH/2)
	assert.Equal(t, 1, omit.Height)
	assert.Equal(t, testW*testH/2, omit.Width)
	for _, pt := range omit.Points {
		assert.NotZero(t, pt.Range)
	}
}

func TestProject_DualReturnsShareTimestamp(t *testing.T) {
	table := flatTable(t)
	scan := completedScan(t, dualFormat(), rangePixels)
	p := NewProjector(table, InvalidRangeOrigin, "os_sensor")

	first, err := p.Project(scan, 0, 42, 360_000_000)
	require.NoError(t, err)
	second, err := p.Project(scan, 1, 42, 360_000_000)
	require.NoError(t, err)

	assert.Equal(t, 0, first.ReturnIndex)
	assert.Equal(t, 1, second.ReturnIndex)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	i := scan.Index(3, 2)
	assert.Equal(t, scan.Range[0][i], first.Points[i].Range)
	assert.Equal(t, scan.Range[1][i], second.Points[i].Range)
	assert.NotEqual(t, first.Points[i].Position, second.Points[i].Position)
}

func TestProject_Errors(t *testing.T) {
	table := flatTable(t)
	scan := completedScan(t, legacyFormat(), rangePixels)
	p := NewProjector(table, InvalidRangeOrigin, "s")

	_, err := p.Project(scan, 1, 0, 0)
	assert.Error(t, err, "single-return scan has no second return")

	small, err := BuildDirectionTable(8, testH, []float64{0, 0, 0, 0}, []float64{0, 0, 0, 0}, 0, flatIdentity(), 1)
	require.NoError(t, err)
	_, err = NewProjector(small, InvalidRangeOrigin, "s").Project(scan, 0, 0, 0)
	assert.Error(t, err)
}

func TestParseInvalidRangePolicy(t *testing.T) {
	p, err := ParseInvalidRangePolicy("omit")
	require.NoError(t, err)
	assert.Equal(t, InvalidRangeOmit, p)
	assert.Equal(t, "omit", p.String())

	p, err = ParseInvalidRangePolicy("")
	require.NoError(t, err)
	assert.Equal(t, InvalidRangeOrigin, p)

	_, err = ParseInvalidRangePolicy("nan")
	assert.Error(t, err)
}

func flatIdentity() []float64 {
	return []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}
