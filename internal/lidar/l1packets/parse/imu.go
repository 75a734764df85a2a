package parse

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// IMU packet layout (48 bytes, little-endian):
//
//	sys_timestamp   u64 @0
//	accel_timestamp u64 @8
//	gyro_timestamp  u64 @16
//	accel x,y,z     f32 @24,28,32  g
//	gyro  x,y,z     f32 @36,40,44  deg/s
const (
	IMU_PACKET_SIZE = 48

	// StandardGravity converts g to m/s².
	StandardGravity = 9.80665
)

// IMUPacket is a decoded inertial packet in device units.
type IMUPacket struct {
	SysTimestamp   uint64
	AccelTimestamp uint64
	GyroTimestamp  uint64
	Accel          [3]float32 // g
	Gyro           [3]float32 // deg/s
}

// DecodeIMU decodes an inertial packet. It holds no state.
func DecodeIMU(b []byte) (IMUPacket, error) {
	if len(b) < IMU_PACKET_SIZE {
		return IMUPacket{}, fmt.Errorf("%w: imu packet has %d bytes, want %d", ErrPacketSize, len(b), IMU_PACKET_SIZE)
	}
	le := binary.LittleEndian
	p := IMUPacket{
		SysTimestamp:   le.Uint64(b[0:8]),
		AccelTimestamp: le.Uint64(b[8:16]),
		GyroTimestamp:  le.Uint64(b[16:24]),
	}
	for i := 0; i < 3; i++ {
		p.Accel[i] = math.Float32frombits(le.Uint32(b[24+4*i:]))
		p.Gyro[i] = math.Float32frombits(le.Uint32(b[36+4*i:]))
	}
	return p, nil
}

// EncodeIMU is the inverse of DecodeIMU.
func EncodeIMU(p IMUPacket) []byte {
	b := make([]byte, IMU_PACKET_SIZE)
	le := binary.LittleEndian
	le.PutUint64(b[0:8], p.SysTimestamp)
	le.PutUint64(b[8:16], p.AccelTimestamp)
	le.PutUint64(b[16:24], p.GyroTimestamp)
	for i := 0; i < 3; i++ {
		le.PutUint32(b[24+4*i:], math.Float32bits(p.Accel[i]))
		le.PutUint32(b[36+4*i:], math.Float32bits(p.Gyro[i]))
	}
	return b
}

// Timestamp is the device time the sample is stamped with. The gyro clock
// is used so angular rate and acceleration share one reference.
func (p IMUPacket) Timestamp() uint64 { return p.GyroTimestamp }

// LinearAcceleration returns acceleration in m/s².
func (p IMUPacket) LinearAcceleration() r3.Vector {
	return r3.Vector{
		X: float64(p.Accel[0]) * StandardGravity,
		Y: float64(p.Accel[1]) * StandardGravity,
		Z: float64(p.Accel[2]) * StandardGravity,
	}
}

// AngularVelocity returns angular rate in rad/s.
func (p IMUPacket) AngularVelocity() r3.Vector {
	const degToRad = math.Pi / 180
	return r3.Vector{
		X: float64(p.Gyro[0]) * degToRad,
		Y: float64(p.Gyro[1]) * degToRad,
		Z: float64(p.Gyro[2]) * degToRad,
	}
}
