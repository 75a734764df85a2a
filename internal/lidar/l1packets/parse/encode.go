package parse

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

// ColumnData is the input for encoding one column of a synthetic packet.
type ColumnData struct {
	MeasurementID uint16
	Timestamp     uint64
	Encoder       uint32
	Valid         bool
	// Pixels may be shorter than H; missing channels encode as zero.
	Pixels []Pixel
}

// Encode builds a lidar packet in this layout. It is the inverse of Column
// and is used by replay tooling and tests.
func (f *PacketFormat) Encode(frameID uint16, cols []ColumnData) ([]byte, error) {
	if len(cols) != f.ColumnsPerPacket {
		return nil, fmt.Errorf("encode: got %d columns, layout needs %d", len(cols), f.ColumnsPerPacket)
	}
	pkt := make([]byte, f.packetSize)
	le := binary.LittleEndian

	if f.Profile != sensor.ProfileLegacy {
		le.PutUint16(pkt[0:2], 1) // packet type
		le.PutUint16(pkt[2:4], frameID)
	}

	for i, col := range cols {
		off := f.packetHeaderSize + i*f.columnSize
		b := pkt[off : off+f.columnSize]
		le.PutUint64(b[0:8], col.Timestamp)
		le.PutUint16(b[8:10], col.MeasurementID)

		var status uint32
		if col.Valid {
			status = 0xffffffff
		}
		if f.Profile == sensor.ProfileLegacy {
			le.PutUint16(b[10:12], frameID)
			le.PutUint32(b[12:16], col.Encoder)
			le.PutUint32(b[len(b)-LEGACY_COLUMN_FOOTER_SIZE:], status)
		} else {
			le.PutUint16(b[10:12], uint16(status&COLUMN_STATUS_VALID))
		}

		for u, px := range col.Pixels {
			if u >= f.PixelsPerColumn {
				break
			}
			poff := f.columnHeaderSize + u*f.pixelSize
			f.encodePixel(b[poff:poff+f.pixelSize], px)
		}
	}
	return pkt, nil
}

func (f *PacketFormat) encodePixel(b []byte, p Pixel) {
	le := binary.LittleEndian
	switch f.Profile {
	case sensor.ProfileLegacy:
		le.PutUint32(b[0:4], p.Range[0]&LEGACY_RANGE_MASK)
		le.PutUint16(b[4:6], p.Reflectivity[0])
		le.PutUint16(b[6:8], p.Signal[0])
		le.PutUint16(b[8:10], p.NearIR)
	case sensor.ProfileDual:
		le.PutUint32(b[0:4], p.Range[0]&EUDP_RANGE_MASK)
		b[3] = uint8(p.Reflectivity[0])
		le.PutUint32(b[4:8], p.Range[1]&EUDP_RANGE_MASK)
		b[7] = uint8(p.Reflectivity[1])
		le.PutUint16(b[8:10], p.Signal[0])
		le.PutUint16(b[10:12], p.Signal[1])
		le.PutUint16(b[12:14], p.NearIR)
	default:
		le.PutUint32(b[0:4], p.Range[0]&EUDP_RANGE_MASK)
		b[4] = uint8(p.Reflectivity[0])
		le.PutUint16(b[6:8], p.Signal[0])
		le.PutUint16(b[8:10], p.NearIR)
	}
}
