// Package l1packets owns Layer 1 (Packets) of the LiDAR data model.
//
// Responsibilities: raw UDP packet ingestion for the lidar and IMU streams,
// PCAP replay, raw packet forwarding, and zero-copy decoding of the packet
// layouts described by the sensor metadata. This layer hands byte slices and
// column views to L2 (Frames); it never assembles rotations itself.
//
// Dependency rule: L1 has no inward dependencies on higher layers.
package l1packets
