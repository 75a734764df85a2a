package l2frames

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

func vecNear(t *testing.T, want, got r3.Vector, tol float64, msg string) {
	t.Helper()
	if got.Sub(want).Norm() > tol {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

func TestDirectionTable_IdentityGeometry(t *testing.T) {
	const w = 8
	table, err := BuildDirectionTable(w, 1, []float64{0}, []float64{0}, 0, sensor.Identity(), 1)
	require.NoError(t, err)

	// Column 0 looks along +x; columns advance clockwise seen from above.
	vecNear(t, r3.Vector{X: 1}, table.Direction[0], 1e-12, "v=0")
	vecNear(t, r3.Vector{Y: -1}, table.Direction[2], 1e-12, "v=W/4")
	vecNear(t, r3.Vector{X: -1}, table.Direction[4], 1e-12, "v=W/2")
	vecNear(t, r3.Vector{Y: 1}, table.Direction[6], 1e-12, "v=3W/4")
	for i := range table.Offset {
		vecNear(t, r3.Vector{}, table.Offset[i], 1e-12, "no beam offset")
	}
}

func TestDirectionTable_AltitudeAndUnits(t *testing.T) {
	table, err := BuildDirectionTable(4, 2, []float64{30, -30}, []float64{0, 0}, 0, sensor.Identity(), RangeUnit)
	require.NoError(t, err)

	dir, _ := table.At(0, 0)
	want := r3.Vector{X: math.Cos(math.Pi / 6), Z: 0.5}.Mul(RangeUnit)
	vecNear(t, want, dir, 1e-15, "upper beam")

	dir, _ = table.At(0, 1)
	assert.Less(t, dir.Z, 0.0, "lower beam points down")
	assert.InDelta(t, RangeUnit, dir.Norm(), 1e-15, "directions are unit vectors scaled to metres per mm")
}

func TestDirectionTable_BeamOffsetAndTransform(t *testing.T) {
	tf := []float64{
		-1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, 1, 36.18,
		0, 0, 0, 1,
	}
	table, err := BuildDirectionTable(4, 1, []float64{0}, []float64{0}, 15.806, tf, RangeUnit)
	require.NoError(t, err)

	// With zero beam angles the beam origin sits on the ray itself, so the
	// offset reduces to the transform translation.
	dir, off := table.At(0, 0)
	vecNear(t, r3.Vector{X: -RangeUnit}, dir, 1e-15, "rotated direction")
	vecNear(t, r3.Vector{Z: 0.03618}, off, 1e-12, "offset")
}

func TestDirectionTable_BeamAzimuthOffset(t *testing.T) {
	table, err := BuildDirectionTable(4, 1, []float64{0}, []float64{90}, 10, sensor.Identity(), 1)
	require.NoError(t, err)

	// Beam azimuth of 90° turns the ray a quarter turn clockwise while the
	// beam origin stays on the encoder axis.
	dir, off := table.At(0, 0)
	vecNear(t, r3.Vector{Y: -1}, dir, 1e-12, "direction")
	vecNear(t, r3.Vector{X: 10, Y: 10}, off, 1e-12, "offset")
}

func TestDirectionTable_FromMetadata(t *testing.T) {
	info := sensor.LoadEmbedded()
	table, err := NewDirectionTable(info)
	require.NoError(t, err)
	assert.Len(t, table.Direction, info.Width()*info.Height())
	assert.Len(t, table.Offset, info.Width()*info.Height())
}

func TestDirectionTable_Errors(t *testing.T) {
	_, err := BuildDirectionTable(0, 1, []float64{0}, []float64{0}, 0, sensor.Identity(), 1)
	assert.Error(t, err)
	_, err = BuildDirectionTable(4, 2, []float64{0}, []float64{0}, 0, sensor.Identity(), 1)
	assert.Error(t, err)
	_, err = BuildDirectionTable(4, 1, []float64{0}, []float64{0}, 0, []float64{1}, 1)
	assert.Error(t, err)
}
