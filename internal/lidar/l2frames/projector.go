package l2frames

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// InvalidRangePolicy decides what happens to pixels with no range return.
type InvalidRangePolicy int

const (
	// InvalidRangeOrigin keeps the pixel as a point at the sensor origin so
	// frames stay organised as H×W.
	InvalidRangeOrigin InvalidRangePolicy = iota
	// InvalidRangeOmit drops the pixel; frames become unorganised.
	InvalidRangeOmit
)

// ParseInvalidRangePolicy maps "origin" or "omit" onto a policy.
func ParseInvalidRangePolicy(s string) (InvalidRangePolicy, error) {
	switch s {
	case "", "origin":
		return InvalidRangeOrigin, nil
	case "omit":
		return InvalidRangeOmit, nil
	}
	return InvalidRangeOrigin, fmt.Errorf("unknown invalid range policy %q", s)
}

func (p InvalidRangePolicy) String() string {
	if p == InvalidRangeOmit {
		return "omit"
	}
	return "origin"
}

// Point is one projected return.
type Point struct {
	Position  r3.Vector // metres, sensor frame
	Intensity float32   // signal photons
	// Timestamp is the frame timestamp; identical for every point in a frame.
	Timestamp    int64
	Offset       uint32 // ns since the first column of the scan
	Reflectivity uint16
	Ring         uint16 // channel index
	Ambient      uint16 // near-infrared
	Range        uint32 // mm
}

// PointCloudFrame is the projection of one return channel of one rotation.
type PointCloudFrame struct {
	// FrameName is the reference frame the positions are expressed in.
	FrameName string
	// ReturnIndex is 0 for the strongest return and 1 for the second.
	ReturnIndex int
	// Timestamp is the translated scan timestamp in ns.
	Timestamp int64
	// DeviceTimestamp is the raw device counter the timestamp came from.
	DeviceTimestamp uint64
	// ScanFrameID is the sensor's rotation counter.
	ScanFrameID int
	// Width and Height describe the organisation. Height is 1 when points
	// were omitted.
	Width, Height int
	Points        []Point
}

// Projector turns completed scans into point cloud frames.
type Projector struct {
	table       *DirectionTable
	policy      InvalidRangePolicy
	frameName   string
	epochPeriod int64
}

// NewProjector creates a projector over a direction table.
func NewProjector(table *DirectionTable, policy InvalidRangePolicy, frameName string) *Projector {
	return &Projector{table: table, policy: policy, frameName: frameName}
}

// SetEpochPeriod sets the device counter rollover period used for column
// offsets in scans that straddle a rollover. Zero means no rollover.
func (p *Projector) SetEpochPeriod(d time.Duration) { p.epochPeriod = int64(d) }

// columnOffset is the ns from the scan's first stamp to colTs.
func (p *Projector) columnOffset(colTs, deviceTs uint64) uint32 {
	if colTs == 0 {
		return 0
	}
	d := int64(colTs) - int64(deviceTs)
	if d < 0 && p.epochPeriod > 0 {
		d = (d%p.epochPeriod + p.epochPeriod) % p.epochPeriod
	}
	if d <= 0 || d > math.MaxUint32 {
		return 0
	}
	return uint32(d)
}

// Policy reports the configured invalid range policy.
func (p *Projector) Policy() InvalidRangePolicy { return p.policy }

// Project projects return channel ret of scan. Every point carries ts.
// deviceTs is the untranslated timestamp the column offsets are measured from.
func (p *Projector) Project(scan *LidarScan, ret int, ts int64, deviceTs uint64) (*PointCloudFrame, error) {
	if scan.W != p.table.W || scan.H != p.table.H {
		return nil, fmt.Errorf("scan is %dx%d but direction table is %dx%d", scan.W, scan.H, p.table.W, p.table.H)
	}
	if ret < 0 || ret >= scan.Returns {
		return nil, fmt.Errorf("return index %d out of range for %d-return scan", ret, scan.Returns)
	}

	n := scan.W * scan.H
	frame := &PointCloudFrame{
		FrameName:       p.frameName,
		ReturnIndex:     ret,
		Timestamp:       ts,
		DeviceTimestamp: deviceTs,
		ScanFrameID:     scan.FrameID,
		Width:           scan.W,
		Height:          scan.H,
		Points:          make([]Point, 0, n),
	}

	ranges := scan.Range[ret]
	for u := 0; u < scan.H; u++ {
		for v := 0; v < scan.W; v++ {
			i := u*scan.W + v
			r := ranges[i]
			if r == 0 && p.policy == InvalidRangeOmit {
				continue
			}
			pt := Point{
				Intensity:    float32(scan.Signal[ret][i]),
				Timestamp:    ts,
				Reflectivity: scan.Reflectivity[ret][i],
				Ring:         uint16(u),
				Ambient:      scan.NearIR[i],
				Range:        r,
			}
			if r != 0 {
				pt.Position = p.table.Direction[i].Mul(float64(r)).Add(p.table.Offset[i])
			}
			pt.Offset = p.columnOffset(scan.Headers[v].Timestamp, deviceTs)
			frame.Points = append(frame.Points, pt)
		}
	}
	if len(frame.Points) != n {
		frame.Width, frame.Height = len(frame.Points), 1
	}
	return frame, nil
}
