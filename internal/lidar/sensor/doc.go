// Package sensor describes the lidar unit the bridge is attached to: beam
// intrinsics, packet data format, and the fixed transforms between the
// sensor, lidar and IMU frames.
//
// Metadata is fetched once at startup through a Source. W (columns per
// rotation), H (channels) and the return profile are fixed from then on.
package sensor
