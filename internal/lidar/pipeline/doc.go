// Package pipeline is the composition root of the driver.
//
// A Pipeline owns the scan batcher, the timestamp translator, the PPS reset
// coordinator and the point projector, and turns raw lidar and IMU packets
// into published frames and samples. Runtime feeds it from two bounded
// queues on a single goroutine.
//
// The layer packages (l1packets, l2frames, timesync, sensor) never import
// pipeline/.
package pipeline
