package l2frames

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

// RangeUnit converts the sensor's millimetre ranges to metres.
const RangeUnit = 0.001

// DirectionTable holds, for every pixel of a W×H scan, the direction a unit
// of range travels and the fixed offset of the beam origin, both already in
// the sensor frame and scaled so that direction*range_mm + offset is metres.
// Entries are indexed like LidarScan images: u*W + v.
//
// The table is immutable after construction and safe for concurrent reads.
type DirectionTable struct {
	W, H      int
	Direction []r3.Vector
	Offset    []r3.Vector
}

// NewDirectionTable builds the table from sensor metadata.
func NewDirectionTable(info *sensor.Info) (*DirectionTable, error) {
	return BuildDirectionTable(info.Width(), info.Height(), info.BeamAltitudeAngles, info.BeamAzimuthAngles,
		info.LidarOriginToBeamOriginMM, info.LidarToSensorTransform, RangeUnit)
}

// BuildDirectionTable computes per-pixel directions and offsets.
//
// Column v of W sweeps the encoder angle from 2π downwards; each channel adds
// its own azimuth and altitude. The beam origin sits beamOffsetMM from the
// lidar axis along the encoder direction. lidarToSensor is a row-major 4x4
// transform with millimetre translation.
func BuildDirectionTable(w, h int, altitudeDeg, azimuthDeg []float64, beamOffsetMM float64, lidarToSensor []float64, rangeUnit float64) (*DirectionTable, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("direction table needs positive dimensions, got %dx%d", w, h)
	}
	if len(altitudeDeg) != h || len(azimuthDeg) != h {
		return nil, fmt.Errorf("direction table needs %d beam angles, got altitude=%d azimuth=%d", h, len(altitudeDeg), len(azimuthDeg))
	}
	if len(lidarToSensor) != 16 {
		return nil, fmt.Errorf("lidar_to_sensor transform needs 16 values, got %d", len(lidarToSensor))
	}

	n := w * h
	dirs := mat.NewDense(n, 3, nil)
	offs := mat.NewDense(n, 3, nil)
	colStep := 2 * math.Pi / float64(w)

	for u := 0; u < h; u++ {
		alt := altitudeDeg[u] * math.Pi / 180
		az := -azimuthDeg[u] * math.Pi / 180
		cosAlt, sinAlt := math.Cos(alt), math.Sin(alt)
		for v := 0; v < w; v++ {
			i := u*w + v
			enc := 2*math.Pi - float64(v)*colStep
			dx := math.Cos(enc+az) * cosAlt
			dy := math.Sin(enc+az) * cosAlt
			dz := sinAlt
			dirs.SetRow(i, []float64{dx, dy, dz})
			offs.SetRow(i, []float64{
				math.Cos(enc)*beamOffsetMM - dx*beamOffsetMM,
				math.Sin(enc)*beamOffsetMM - dy*beamOffsetMM,
				-dz * beamOffsetMM,
			})
		}
	}

	// Row vectors, so rotate by Rᵀ.
	tf := mat.NewDense(4, 4, append([]float64(nil), lidarToSensor...))
	rot := tf.Slice(0, 3, 0, 3)

	var rd, ro mat.Dense
	rd.Mul(dirs, rot.T())
	ro.Mul(offs, rot.T())

	t := &DirectionTable{
		W:         w,
		H:         h,
		Direction: make([]r3.Vector, n),
		Offset:    make([]r3.Vector, n),
	}
	tx, ty, tz := tf.At(0, 3), tf.At(1, 3), tf.At(2, 3)
	for i := 0; i < n; i++ {
		t.Direction[i] = r3.Vector{X: rd.At(i, 0), Y: rd.At(i, 1), Z: rd.At(i, 2)}.Mul(rangeUnit)
		t.Offset[i] = r3.Vector{X: ro.At(i, 0) + tx, Y: ro.At(i, 1) + ty, Z: ro.At(i, 2) + tz}.Mul(rangeUnit)
	}
	return t, nil
}

// At returns the direction and offset of column v, channel u.
func (t *DirectionTable) At(v, u int) (r3.Vector, r3.Vector) {
	i := u*t.W + v
	return t.Direction[i], t.Offset[i]
}
