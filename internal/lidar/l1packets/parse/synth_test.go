package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

func TestEncodeRotation(t *testing.T) {
	f := NewPacketFormatFor(sensor.ProfileSingle, 16, 4)
	px := func(v, u int) Pixel { return Pixel{Range: [2]uint32{uint32(1000 + v*10 + u)}} }

	pkts, err := f.EncodeRotation(9, 64, 5_000, 100, px)
	require.NoError(t, err)
	require.Len(t, pkts, 4)

	last := f.Column(pkts[3], 15)
	assert.Equal(t, uint16(63), last.MeasurementID())
	assert.Equal(t, uint64(5_000+63*100), last.Timestamp())
	assert.Equal(t, uint32(1000+630+2), last.Pixel(2).Range[0])
	assert.Equal(t, uint16(9), f.FrameID(pkts[0]))
	for _, p := range pkts {
		assert.NoError(t, f.Check(p))
	}
}

func TestEncodeRotation_BadWidth(t *testing.T) {
	f := NewPacketFormatFor(sensor.ProfileLegacy, 16, 4)
	_, err := f.EncodeRotation(0, 40, 0, 100, nil)
	assert.Error(t, err)
	_, err = f.EncodeRotation(0, 0, 0, 100, nil)
	assert.Error(t, err)
}
