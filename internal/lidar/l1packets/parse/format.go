package parse

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

/*
Lidar packet layouts

A rotation of W columns is split across packets of ColumnsPerPacket columns.
Every column carries a header (timestamp, measurement id), H pixels, and a
validity status. All fields are little-endian.

LEGACY (no packet header or footer):
├── Column header (16 bytes)
│   ├── timestamp      u64 @0   device ns
│   ├── measurement_id u16 @8   column index within the rotation
│   ├── frame_id       u16 @10  rotation counter
│   └── encoder_count  u32 @12
├── Pixels (H × 12 bytes)
│   ├── range          u32 @0   mm, low 20 bits
│   ├── reflectivity   u16 @4
│   ├── signal         u16 @6
│   └── near_ir        u16 @8
└── Column footer (4 bytes): status u32, bit 0 set when valid

RNG19_RFL8_SIG16_NIR16 and RNG19_RFL8_SIG16_NIR16_DUAL:
├── Packet header (32 bytes): packet_type u16 @0, frame_id u16 @2, ...
├── Columns (ColumnsPerPacket ×)
│   ├── Column header (12 bytes)
│   │   ├── timestamp      u64 @0
│   │   ├── measurement_id u16 @8
│   │   └── status         u16 @10  bit 0 set when valid
│   └── Pixels
│       single (12 bytes): range u32 @0 (19 bits), reflectivity u8 @4, signal u16 @6, near_ir u16 @8
│       dual   (16 bytes): range u32 @0 (19 bits), reflectivity u8 @3,
│                          range2 u32 @4 (19 bits), reflectivity2 u8 @7,
│                          signal u16 @8, signal2 u16 @10, near_ir u16 @12
└── Packet footer (32 bytes)
*/
const (
	LEGACY_COLUMN_HEADER_SIZE = 16
	LEGACY_PIXEL_SIZE         = 12
	LEGACY_COLUMN_FOOTER_SIZE = 4
	LEGACY_RANGE_MASK         = 0x000fffff

	EUDP_PACKET_HEADER_SIZE = 32
	EUDP_PACKET_FOOTER_SIZE = 32
	EUDP_COLUMN_HEADER_SIZE = 12
	SINGLE_PIXEL_SIZE       = 12
	DUAL_PIXEL_SIZE         = 16
	EUDP_RANGE_MASK         = 0x0007ffff

	COLUMN_STATUS_VALID = 0x01
)

// ErrPacketSize is returned when a packet's length does not match its layout.
var ErrPacketSize = errors.New("unexpected lidar packet size")

// PacketFormat decodes lidar packets of one layout. It is immutable after
// construction and safe to share.
type PacketFormat struct {
	Profile          sensor.LidarProfile
	ColumnsPerPacket int
	PixelsPerColumn  int

	packetHeaderSize int
	packetFooterSize int
	columnHeaderSize int
	columnFooterSize int
	pixelSize        int
	columnSize       int
	packetSize       int
}

// NewPacketFormat builds the layout described by the sensor metadata.
func NewPacketFormat(info *sensor.Info) *PacketFormat {
	return NewPacketFormatFor(info.Format.UDPProfileLidar, info.Format.ColumnsPerPacket, info.Format.PixelsPerColumn)
}

// NewPacketFormatFor builds a layout from explicit parameters.
func NewPacketFormatFor(profile sensor.LidarProfile, columnsPerPacket, pixelsPerColumn int) *PacketFormat {
	f := &PacketFormat{
		Profile:          profile,
		ColumnsPerPacket: columnsPerPacket,
		PixelsPerColumn:  pixelsPerColumn,
	}
	switch profile {
	case sensor.ProfileLegacy:
		f.columnHeaderSize = LEGACY_COLUMN_HEADER_SIZE
		f.columnFooterSize = LEGACY_COLUMN_FOOTER_SIZE
		f.pixelSize = LEGACY_PIXEL_SIZE
	case sensor.ProfileDual:
		f.packetHeaderSize = EUDP_PACKET_HEADER_SIZE
		f.packetFooterSize = EUDP_PACKET_FOOTER_SIZE
		f.columnHeaderSize = EUDP_COLUMN_HEADER_SIZE
		f.pixelSize = DUAL_PIXEL_SIZE
	default:
		f.packetHeaderSize = EUDP_PACKET_HEADER_SIZE
		f.packetFooterSize = EUDP_PACKET_FOOTER_SIZE
		f.columnHeaderSize = EUDP_COLUMN_HEADER_SIZE
		f.pixelSize = SINGLE_PIXEL_SIZE
	}
	f.columnSize = f.columnHeaderSize + pixelsPerColumn*f.pixelSize + f.columnFooterSize
	f.packetSize = f.packetHeaderSize + columnsPerPacket*f.columnSize + f.packetFooterSize
	return f
}

// PacketSize is the exact length of a well-formed lidar packet.
func (f *PacketFormat) PacketSize() int { return f.packetSize }

// Returns is the number of return channels each pixel carries.
func (f *PacketFormat) Returns() int { return f.Profile.Returns().Count() }

// Check reports whether pkt has the length this layout expects.
func (f *PacketFormat) Check(pkt []byte) error {
	if len(pkt) != f.packetSize {
		debugf("dropping %d-byte packet, %s layout expects %d", len(pkt), f.Profile, f.packetSize)
		return fmt.Errorf("%w: got %d bytes, want %d for %s", ErrPacketSize, len(pkt), f.packetSize, f.Profile)
	}
	return nil
}

// FrameID returns the rotation counter of a packet. Legacy packets carry it
// per column; the first column is authoritative.
func (f *PacketFormat) FrameID(pkt []byte) uint16 {
	if f.Profile == sensor.ProfileLegacy {
		return binary.LittleEndian.Uint16(pkt[10:12])
	}
	return binary.LittleEndian.Uint16(pkt[2:4])
}

// Column returns a view over the i-th column of pkt. pkt must have passed Check.
func (f *PacketFormat) Column(pkt []byte, i int) Column {
	off := f.packetHeaderSize + i*f.columnSize
	return Column{buf: pkt[off : off+f.columnSize], f: f}
}

// Column is a read-only view into one column of a lidar packet.
type Column struct {
	buf []byte
	f   *PacketFormat
}

// Timestamp is the device nanosecond counter at the column's measurement.
func (c Column) Timestamp() uint64 { return binary.LittleEndian.Uint64(c.buf[0:8]) }

// MeasurementID is the column index within the rotation.
func (c Column) MeasurementID() uint16 { return binary.LittleEndian.Uint16(c.buf[8:10]) }

// Encoder returns the encoder count. Only legacy packets carry one.
func (c Column) Encoder() uint32 {
	if c.f.Profile != sensor.ProfileLegacy {
		return 0
	}
	return binary.LittleEndian.Uint32(c.buf[12:16])
}

// Status returns the raw column status word.
func (c Column) Status() uint32 {
	if c.f.Profile == sensor.ProfileLegacy {
		off := len(c.buf) - LEGACY_COLUMN_FOOTER_SIZE
		return binary.LittleEndian.Uint32(c.buf[off:])
	}
	return uint32(binary.LittleEndian.Uint16(c.buf[10:12]))
}

// Valid reports whether the sensor marked the column as containing data.
func (c Column) Valid() bool { return c.Status()&COLUMN_STATUS_VALID != 0 }

// Pixel holds the decoded fields of one channel in one column. Index 0 is
// the strongest return; index 1 is only populated for dual-return layouts.
type Pixel struct {
	Range        [2]uint32 // mm
	Reflectivity [2]uint16
	Signal       [2]uint16
	NearIR       uint16
}

// Pixel decodes channel u of the column.
func (c Column) Pixel(u int) Pixel {
	off := c.f.columnHeaderSize + u*c.f.pixelSize
	b := c.buf[off : off+c.f.pixelSize]
	le := binary.LittleEndian

	var p Pixel
	switch c.f.Profile {
	case sensor.ProfileLegacy:
		p.Range[0] = le.Uint32(b[0:4]) & LEGACY_RANGE_MASK
		p.Reflectivity[0] = le.Uint16(b[4:6])
		p.Signal[0] = le.Uint16(b[6:8])
		p.NearIR = le.Uint16(b[8:10])
	case sensor.ProfileDual:
		p.Range[0] = le.Uint32(b[0:4]) & EUDP_RANGE_MASK
		p.Reflectivity[0] = uint16(b[3])
		p.Range[1] = le.Uint32(b[4:8]) & EUDP_RANGE_MASK
		p.Reflectivity[1] = uint16(b[7])
		p.Signal[0] = le.Uint16(b[8:10])
		p.Signal[1] = le.Uint16(b[10:12])
		p.NearIR = le.Uint16(b[12:14])
	default:
		p.Range[0] = le.Uint32(b[0:4]) & EUDP_RANGE_MASK
		p.Reflectivity[0] = uint16(b[4])
		p.Signal[0] = le.Uint16(b[6:8])
		p.NearIR = le.Uint16(b[8:10])
	}
	return p
}
