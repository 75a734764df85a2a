package l2frames

import (
	"sync/atomic"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
)

// BatcherStats counts batching outcomes since construction.
type BatcherStats struct {
	Packets        uint64 `json:"packets"`
	Dropped        uint64 `json:"dropped"`
	SkippedColumns uint64 `json:"skipped_columns"`
	Scans          uint64 `json:"scans"`
}

// Batcher reassembles column packets into full rotations.
//
// A rotation is complete when the last column (W-1) is written, or when a
// packet's first usable column shows a wraparound: its measurement id is not
// past the last written column, or it belongs to a different frame. The
// packet that reveals a wraparound is held back and becomes the first packet
// of the next scan, so the completed scan stays intact until the following
// Feed call.
//
// Batcher is not safe for concurrent use.
type Batcher struct {
	format      *parse.PacketFormat
	scan        *LidarScan
	lastWritten int
	completed   bool
	held        []byte
	hasHeld     bool

	packets        atomic.Uint64
	dropped        atomic.Uint64
	skippedColumns atomic.Uint64
	scans          atomic.Uint64
}

// NewBatcher creates a batcher for rotations of w columns in the given layout.
func NewBatcher(format *parse.PacketFormat, w int) *Batcher {
	return &Batcher{
		format:      format,
		scan:        NewLidarScan(w, format.PixelsPerColumn, format.Returns()),
		lastWritten: -1,
		held:        make([]byte, 0, format.PacketSize()),
	}
}

// Scan returns the batcher's buffer. After Feed returns true it holds the
// completed rotation until the next Feed call.
func (b *Batcher) Scan() *LidarScan { return b.scan }

// Feed consumes one lidar packet and reports whether it completed a
// rotation. Malformed packets and unusable columns are dropped without
// affecting the partial scan.
func (b *Batcher) Feed(pkt []byte) bool {
	if b.completed {
		b.begin()
	}

	if err := b.format.Check(pkt); err != nil {
		b.dropped.Add(1)
		return false
	}
	first, ok := b.firstUsable(pkt)
	if !ok {
		b.dropped.Add(1)
		debugf("dropping packet with no usable columns")
		return false
	}
	b.packets.Add(1)

	frameID := b.format.FrameID(pkt)
	if b.lastWritten >= 0 {
		mid := int(b.format.Column(pkt, first).MeasurementID())
		if b.lastWritten == b.scan.W-1 || mid <= b.lastWritten || int(frameID) != b.scan.FrameID {
			debugf("rotation boundary: frame %d -> %d, column %d after %d", b.scan.FrameID, frameID, mid, b.lastWritten)
			b.held = append(b.held[:0], pkt...)
			b.hasHeld = true
			return b.complete()
		}
	}

	b.write(pkt, frameID)
	if b.lastWritten == b.scan.W-1 {
		return b.complete()
	}
	return false
}

// Reset discards the partial scan and any held packet.
func (b *Batcher) Reset() {
	b.scan.Reset()
	b.lastWritten = -1
	b.completed = false
	b.hasHeld = false
}

// Stats returns a snapshot of the batching counters. Safe to call from any
// goroutine.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Packets:        b.packets.Load(),
		Dropped:        b.dropped.Load(),
		SkippedColumns: b.skippedColumns.Load(),
		Scans:          b.scans.Load(),
	}
}

func (b *Batcher) complete() bool {
	b.completed = true
	b.scans.Add(1)
	return true
}

// begin clears the buffer and replays the held packet, if any.
func (b *Batcher) begin() {
	b.scan.Reset()
	b.lastWritten = -1
	b.completed = false
	if b.hasHeld {
		b.hasHeld = false
		b.write(b.held, b.format.FrameID(b.held))
	}
}

func (b *Batcher) usable(col parse.Column) bool {
	return col.Valid() && int(col.MeasurementID()) < b.scan.W
}

func (b *Batcher) firstUsable(pkt []byte) (int, bool) {
	for i := 0; i < b.format.ColumnsPerPacket; i++ {
		if b.usable(b.format.Column(pkt, i)) {
			return i, true
		}
	}
	return 0, false
}

func (b *Batcher) write(pkt []byte, frameID uint16) {
	if b.scan.FrameID < 0 {
		b.scan.FrameID = int(frameID)
	}
	for i := 0; i < b.format.ColumnsPerPacket; i++ {
		col := b.format.Column(pkt, i)
		if !b.usable(col) || int(col.MeasurementID()) <= b.lastWritten {
			b.skippedColumns.Add(1)
			continue
		}
		b.scan.writeColumn(col, frameID)
		b.lastWritten = int(col.MeasurementID())
	}
}
