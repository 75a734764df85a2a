package l2frames

import (
	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
)

// ColumnHeader is the per-column metadata of a scan.
type ColumnHeader struct {
	Timestamp     uint64 // device ns, zero when the column was never written
	MeasurementID uint16
	FrameID       uint16
	Encoder       uint32
	Status        uint32
}

// LidarScan is a W×H staging buffer for one rotation. Field images are
// stored row-major by channel: pixel (v, u) lives at u*W + v.
//
// A Batcher owns exactly one LidarScan and rewrites it in place; readers
// must finish with it before the next Feed call.
type LidarScan struct {
	W, H    int
	Returns int
	// FrameID is the rotation counter of the packets in the scan, or -1
	// while the scan is empty.
	FrameID int

	Headers      []ColumnHeader
	Range        [2][]uint32 // mm
	Reflectivity [2][]uint16
	Signal       [2][]uint16
	NearIR       []uint16

	columns int
}

// NewLidarScan allocates a scan buffer. The second return images are only
// allocated when returns is 2.
func NewLidarScan(w, h, returns int) *LidarScan {
	s := &LidarScan{
		W:       w,
		H:       h,
		Returns: returns,
		FrameID: -1,
		Headers: make([]ColumnHeader, w),
		NearIR:  make([]uint16, w*h),
	}
	for r := 0; r < returns && r < 2; r++ {
		s.Range[r] = make([]uint32, w*h)
		s.Reflectivity[r] = make([]uint16, w*h)
		s.Signal[r] = make([]uint16, w*h)
	}
	return s
}

// Index returns the image offset of column v, channel u.
func (s *LidarScan) Index(v, u int) int { return u*s.W + v }

// ColumnsWritten is the number of columns populated since the last Reset.
func (s *LidarScan) ColumnsWritten() int { return s.columns }

// Reset zeroes the buffer for the next rotation.
func (s *LidarScan) Reset() {
	clear(s.Headers)
	clear(s.NearIR)
	for r := 0; r < 2; r++ {
		clear(s.Range[r])
		clear(s.Reflectivity[r])
		clear(s.Signal[r])
	}
	s.FrameID = -1
	s.columns = 0
}

// FirstTimestamp returns the first column header with a non-zero device
// timestamp, scanning in column order.
func (s *LidarScan) FirstTimestamp() (uint64, bool) {
	for i := range s.Headers {
		if ts := s.Headers[i].Timestamp; ts != 0 {
			return ts, true
		}
	}
	return 0, false
}

func (s *LidarScan) writeColumn(col parse.Column, frameID uint16) {
	v := int(col.MeasurementID())
	s.Headers[v] = ColumnHeader{
		Timestamp:     col.Timestamp(),
		MeasurementID: col.MeasurementID(),
		FrameID:       frameID,
		Encoder:       col.Encoder(),
		Status:        col.Status(),
	}
	for u := 0; u < s.H; u++ {
		px := col.Pixel(u)
		i := u*s.W + v
		s.NearIR[i] = px.NearIR
		for r := 0; r < s.Returns; r++ {
			s.Range[r][i] = px.Range[r]
			s.Reflectivity[r][i] = px.Reflectivity[r]
			s.Signal[r][i] = px.Signal[r]
		}
	}
	s.columns++
}
