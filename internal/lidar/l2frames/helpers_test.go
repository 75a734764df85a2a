package l2frames

import (
	"testing"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

const (
	testW        = 64
	testH        = 4
	testColsPkt  = 16
	testColumnNs = 1_562_500 // 100ms rotation / 64 columns
)

type pixelFunc func(v, u int) parse.Pixel

func rangePixels(v, u int) parse.Pixel {
	r := uint32(1000 + 10*v + u)
	return parse.Pixel{
		Range:        [2]uint32{r, r + 500},
		Reflectivity: [2]uint16{uint16(u + 1), uint16(u + 2)},
		Signal:       [2]uint16{uint16(100 + v), uint16(50 + v)},
		NearIR:       uint16(7 * u),
	}
}

// buildPacket encodes columns [start, start+testColsPkt) of a rotation.
func buildPacket(t *testing.T, f *parse.PacketFormat, frameID uint16, start int, baseTs uint64, px pixelFunc) []byte {
	t.Helper()
	cols := make([]parse.ColumnData, f.ColumnsPerPacket)
	for i := range cols {
		v := start + i
		pixels := make([]parse.Pixel, f.PixelsPerColumn)
		for u := range pixels {
			if px != nil {
				pixels[u] = px(v, u)
			}
		}
		cols[i] = parse.ColumnData{
			MeasurementID: uint16(v),
			Timestamp:     baseTs + uint64(v)*testColumnNs,
			Encoder:       uint32(v * 88),
			Valid:         true,
			Pixels:        pixels,
		}
	}
	pkt, err := f.Encode(frameID, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pkt
}

// rotation returns the packets of one full rotation in column order.
func rotation(t *testing.T, f *parse.PacketFormat, frameID uint16, baseTs uint64, px pixelFunc) [][]byte {
	t.Helper()
	var pkts [][]byte
	for start := 0; start < testW; start += f.ColumnsPerPacket {
		pkts = append(pkts, buildPacket(t, f, frameID, start, baseTs, px))
	}
	return pkts
}

func legacyFormat() *parse.PacketFormat {
	return parse.NewPacketFormatFor(sensor.ProfileLegacy, testColsPkt, testH)
}

func dualFormat() *parse.PacketFormat {
	return parse.NewPacketFormatFor(sensor.ProfileDual, testColsPkt, testH)
}

func flatTable(t *testing.T) *DirectionTable {
	t.Helper()
	alt := []float64{15, 5, -5, -15}
	az := []float64{3, 1, -1, -3}
	table, err := BuildDirectionTable(testW, testH, alt, az, 15.806, []float64{
		-1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, 1, 36.18,
		0, 0, 0, 1,
	}, RangeUnit)
	if err != nil {
		t.Fatalf("BuildDirectionTable: %v", err)
	}
	return table
}
