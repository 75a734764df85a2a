package parse

import "fmt"

// PixelFunc returns the pixel for column v, channel u.
type PixelFunc func(v, u int) Pixel

// EncodeRotation builds the packets of one full rotation of width columns in
// column order. Column v is stamped baseTs + v*columnNs. A nil px encodes
// zero-range pixels.
func (f *PacketFormat) EncodeRotation(frameID uint16, width int, baseTs, columnNs uint64, px PixelFunc) ([][]byte, error) {
	if width <= 0 || width%f.ColumnsPerPacket != 0 {
		return nil, fmt.Errorf("encode rotation: width %d is not a multiple of %d columns per packet", width, f.ColumnsPerPacket)
	}
	pkts := make([][]byte, 0, width/f.ColumnsPerPacket)
	cols := make([]ColumnData, f.ColumnsPerPacket)
	for start := 0; start < width; start += f.ColumnsPerPacket {
		for i := range cols {
			v := start + i
			pixels := make([]Pixel, f.PixelsPerColumn)
			if px != nil {
				for u := range pixels {
					pixels[u] = px(v, u)
				}
			}
			cols[i] = ColumnData{
				MeasurementID: uint16(v),
				Timestamp:     baseTs + uint64(v)*columnNs,
				Encoder:       uint32(v * (90112 / width)),
				Valid:         true,
				Pixels:        pixels,
			}
		}
		pkt, err := f.Encode(frameID, cols)
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, pkt)
	}
	return pkts, nil
}
