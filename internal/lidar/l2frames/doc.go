// Package l2frames owns Layer 2 (Frames) of the LiDAR data model.
//
// Responsibilities: batching column packets into full-rotation scans,
// the per-pixel direction table, projection of a completed scan into
// Cartesian point cloud frames (one per return channel), and PCD encoding
// of those frames.
// Key types: LidarScan, Batcher, DirectionTable, Projector, PointCloudFrame.
//
// Dependency rule: L2 may depend on L1, but never on the pipeline or
// transport layers.
package l2frames
