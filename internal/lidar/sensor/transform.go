package sensor

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// StaticTransform is a fixed parent-to-child transform announced once at
// startup. Translation is in metres.
type StaticTransform struct {
	Parent      string      `json:"parent"`
	Child       string      `json:"child"`
	Translation r3.Vector   `json:"translation"`
	Rotation    quat.Number `json:"rotation"`
}

// StaticTransforms returns the sensor-to-IMU and sensor-to-lidar transforms.
func (i *Info) StaticTransforms(sensorFrame, imuFrame, lidarFrame string) []StaticTransform {
	return []StaticTransform{
		TransformFromMatrix(i.IMUToSensorTransform, sensorFrame, imuFrame),
		TransformFromMatrix(i.LidarToSensorTransform, sensorFrame, lidarFrame),
	}
}

// TransformFromMatrix converts a row-major 4x4 transform with millimetre
// translation into a StaticTransform.
func TransformFromMatrix(m []float64, parent, child string) StaticTransform {
	return StaticTransform{
		Parent:      parent,
		Child:       child,
		Translation: r3.Vector{X: m[3] / 1000, Y: m[7] / 1000, Z: m[11] / 1000},
		Rotation:    rotationToQuat(m),
	}
}

// rotationToQuat extracts a unit quaternion from the upper-left 3x3 block.
func rotationToQuat(m []float64) quat.Number {
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[4], m[5], m[6]
	r20, r21, r22 := m[8], m[9], m[10]

	var q quat.Number
	switch trace := r00 + r11 + r22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (r21 - r12) * s, Jmag: (r02 - r20) * s, Kmag: (r10 - r01) * s}
	case r00 > r11 && r00 > r22:
		s := 2 * math.Sqrt(1+r00-r11-r22)
		q = quat.Number{Real: (r21 - r12) / s, Imag: 0.25 * s, Jmag: (r01 + r10) / s, Kmag: (r02 + r20) / s}
	case r11 > r22:
		s := 2 * math.Sqrt(1+r11-r00-r22)
		q = quat.Number{Real: (r02 - r20) / s, Imag: (r01 + r10) / s, Jmag: 0.25 * s, Kmag: (r12 + r21) / s}
	default:
		s := 2 * math.Sqrt(1+r22-r00-r11)
		q = quat.Number{Real: (r10 - r01) / s, Imag: (r02 + r20) / s, Jmag: (r12 + r21) / s, Kmag: 0.25 * s}
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}
