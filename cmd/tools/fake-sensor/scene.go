package main

import (
	"math"
	"time"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

// scene renders a cylindrical wall at a fixed distance. Beams pointing at
// the ground closer than the wall see the ground plane instead.
type scene struct {
	format *parse.PacketFormat
	width  int
	ranges []uint32 // per channel, mm
}

// sensorHeight is the lidar's height above the ground plane in metres.
const sensorHeight = 1.8

func newScene(info *sensor.Info, wall float64) *scene {
	s := &scene{
		format: parse.NewPacketFormat(info),
		width:  info.Width(),
		ranges: make([]uint32, info.Height()),
	}
	for u, alt := range info.BeamAltitudeAngles {
		if u >= len(s.ranges) {
			break
		}
		r := wall / math.Cos(alt*math.Pi/180)
		if alt < 0 {
			if ground := sensorHeight / math.Sin(-alt*math.Pi/180); ground < r {
				r = ground
			}
		}
		s.ranges[u] = uint32(r * 1000)
	}
	return s
}

func (s *scene) pixel(v, u int) parse.Pixel {
	r := s.ranges[u]
	return parse.Pixel{
		Range:        [2]uint32{r, r + 250},
		Reflectivity: [2]uint16{uint16(20 + u%64), 5},
		Signal:       [2]uint16{uint16(200 + v%50), 40},
		NearIR:       uint16(v % 1024),
	}
}

// rotation encodes one rotation starting at device time deviceTs.
func (s *scene) rotation(frameID uint16, deviceTs uint64, period time.Duration) ([][]byte, error) {
	columnNs := uint64(period) / uint64(s.width)
	return s.format.EncodeRotation(frameID, s.width, deviceTs, columnNs, s.pixel)
}
