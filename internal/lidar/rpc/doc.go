// Package rpc carries the driver's gRPC surface: the PPS handshake client
// towards the vehicle interface, and the Driver service that exposes re-arm,
// status and the frame and IMU streams.
//
// Messages are protobuf well-known types, so no generated code is needed.
// Service descriptors are declared by hand in descriptors.go.
package rpc
