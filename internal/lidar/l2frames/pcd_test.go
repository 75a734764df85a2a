package l2frames

import (
	"bytes"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCDRoundTrip(t *testing.T) {
	in := &PointCloudFrame{
		FrameName:   "left/os_sensor",
		ReturnIndex: 1,
		Timestamp:   7_000_000_100,
		Width:       2,
		Height:      1,
		Points: []Point{
			{Position: r3.Vector{X: 1.5, Y: -2.25, Z: 0.125}, Intensity: 300, Offset: 1_562_500, Reflectivity: 12, Ring: 3, Ambient: 40, Range: 2700},
			{},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WritePCD(&buf, in))

	header := buf.String()
	assert.True(t, strings.HasPrefix(header, "# .PCD v0.7"))
	assert.Contains(t, header, "FIELDS "+strings.Join(pcdFields, " "))
	assert.Contains(t, header, "DATA binary\n")

	out, err := ReadPCD(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, in.FrameName, out.FrameName)
	assert.Equal(t, in.ReturnIndex, out.ReturnIndex)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, 2, out.Width)
	assert.Equal(t, 1, out.Height)
	require.Len(t, out.Points, 2)

	got := out.Points[0]
	assert.Equal(t, in.Points[0].Position, got.Position, "values chosen to be exact in float32")
	assert.Equal(t, in.Points[0].Intensity, got.Intensity)
	assert.Equal(t, in.Points[0].Offset, got.Offset)
	assert.Equal(t, in.Points[0].Ring, got.Ring)
	assert.Equal(t, in.Points[0].Range, got.Range)
	assert.Equal(t, in.Timestamp, got.Timestamp)
}

func pcdHeader(width, height, points string) string {
	return "VERSION 0.7\n" +
		"FIELDS " + strings.Join(pcdFields, " ") + "\n" +
		"SIZE 4 4 4 4 4 2 2 2 4\n" +
		"TYPE F F F F U U U U U\n" +
		"COUNT 1 1 1 1 1 1 1 1 1\n" +
		"WIDTH " + width + "\n" +
		"HEIGHT " + height + "\n" +
		"VIEWPOINT 0 0 0 1 0 0 0\n" +
		"POINTS " + points + "\n"
}

func TestReadPCD_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"foreign fields", "VERSION 0.7\nFIELDS x y z\n"},
		{"ascii body", pcdHeader("1", "1", "1") + "DATA ascii\n"},
		{"missing points", "VERSION 0.7\nDATA binary\n"},
		{"truncated body", pcdHeader("2", "1", "2") + "DATA binary\n"},
		{"bad width", pcdHeader("wide", "1", "1") + "DATA binary\n"},
		{"bad height", pcdHeader("1", "-1", "1") + "DATA binary\n"},
		{"bad timestamp comment", "# timestamp soon\n" + pcdHeader("1", "1", "1") + "DATA binary\n"},
		{"points over limit", pcdHeader("4000000000", "1", "4000000000") + "DATA binary\n"},
		{"shape mismatch", pcdHeader("3", "1", "1") + "DATA binary\n" + string(make([]byte, pcdPointBytes))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPCD(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}
