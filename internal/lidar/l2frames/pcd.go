package l2frames

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/seqsense/pcdeditor/pcd"
)

// PCD field layout written by WritePCD. The t field carries Point.Offset.
var (
	pcdFields = []string{"x", "y", "z", "intensity", "t", "reflectivity", "ring", "ambient", "range"}
	pcdSizes  = []int{4, 4, 4, 4, 4, 2, 2, 2, 4}
	pcdTypes  = []string{"F", "F", "F", "F", "U", "U", "U", "U", "U"}
)

const (
	pcdPointBytes = 30
	// MaxPCDPoints bounds the POINTS header ReadPCD accepts. It is well
	// above the largest 2048x128 dual frame.
	MaxPCDPoints = 1 << 20
)

// WritePCD encodes a frame as a binary PCD v0.7 document. The frame
// timestamp, reference name, and return index travel in leading comments.
func WritePCD(w io.Writer, f *PointCloudFrame) error {
	counts := make([]int, len(pcdFields))
	for i := range counts {
		counts[i] = 1
	}
	pc := &pcd.PointCloud{
		PointCloudHeader: pcd.PointCloudHeader{
			Version:   0.7,
			Fields:    pcdFields,
			Size:      pcdSizes,
			Type:      pcdTypes,
			Count:     counts,
			Width:     f.Width,
			Height:    f.Height,
			Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
		},
		Points: len(f.Points),
		Data:   make([]byte, len(f.Points)*pcdPointBytes),
	}

	le := binary.LittleEndian
	for i, p := range f.Points {
		buf := pc.Data[i*pcdPointBytes:]
		le.PutUint32(buf[0:], math.Float32bits(float32(p.Position.X)))
		le.PutUint32(buf[4:], math.Float32bits(float32(p.Position.Y)))
		le.PutUint32(buf[8:], math.Float32bits(float32(p.Position.Z)))
		le.PutUint32(buf[12:], math.Float32bits(p.Intensity))
		le.PutUint32(buf[16:], p.Offset)
		le.PutUint16(buf[20:], p.Reflectivity)
		le.PutUint16(buf[22:], p.Ring)
		le.PutUint16(buf[24:], p.Ambient)
		le.PutUint32(buf[26:], p.Range)
	}

	if _, err := fmt.Fprintf(w, "# .PCD v0.7 - Point Cloud Data file format\n"+
		"# frame %s\n"+
		"# timestamp %d\n"+
		"# return %d\n",
		f.FrameName, f.Timestamp, f.ReturnIndex); err != nil {
		return err
	}
	return pcd.Marshal(pc, w)
}

// ReadPCD decodes a document produced by WritePCD. Positions lose precision
// to float32.
func ReadPCD(r io.Reader) (*PointCloudFrame, error) {
	br := bufio.NewReader(r)
	f := &PointCloudFrame{}

	// Frame metadata comments and the header are checked here so that a
	// hostile POINTS value is rejected before pcd allocates for it.
	var header bytes.Buffer
	points := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading pcd header: %w", err)
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			key, val, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(trimmed, "#")), " ")
			switch key {
			case "frame":
				f.FrameName = val
			case "timestamp":
				if f.Timestamp, err = strconv.ParseInt(val, 10, 64); err != nil {
					return nil, fmt.Errorf("bad timestamp comment %q: %w", val, err)
				}
			case "return":
				if f.ReturnIndex, err = strconv.Atoi(val); err != nil {
					return nil, fmt.Errorf("bad return comment %q: %w", val, err)
				}
			}
			continue
		}
		header.WriteString(line)

		key, val, _ := strings.Cut(trimmed, " ")
		switch key {
		case "FIELDS":
			if val != strings.Join(pcdFields, " ") {
				return nil, fmt.Errorf("unsupported pcd fields %q", val)
			}
		case "WIDTH", "HEIGHT", "POINTS":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad %s %q", key, val)
			}
			if key == "POINTS" {
				if n > MaxPCDPoints {
					return nil, fmt.Errorf("pcd declares %d points, limit is %d", n, MaxPCDPoints)
				}
				points = n
			}
		case "DATA":
			if val != "binary" {
				return nil, fmt.Errorf("unsupported pcd data encoding %q", val)
			}
			if points < 0 {
				return nil, fmt.Errorf("pcd header missing POINTS")
			}
			body := io.LimitReader(br, int64(points)*pcdPointBytes)
			pc, err := pcd.Unmarshal(io.MultiReader(&header, body))
			if err != nil {
				return nil, fmt.Errorf("decoding pcd: %w", err)
			}
			return f, framePoints(pc, f)
		}
	}
}

func framePoints(pc *pcd.PointCloud, f *PointCloudFrame) error {
	if pc.Points*pcdPointBytes != len(pc.Data) {
		return fmt.Errorf("pcd body holds %d bytes for %d points", len(pc.Data), pc.Points)
	}
	if pc.Width*pc.Height != pc.Points {
		return fmt.Errorf("pcd is %dx%d but holds %d points", pc.Width, pc.Height, pc.Points)
	}
	f.Width, f.Height = pc.Width, pc.Height

	le := binary.LittleEndian
	f.Points = make([]Point, pc.Points)
	for i := range f.Points {
		buf := pc.Data[i*pcdPointBytes:]
		p := &f.Points[i]
		p.Position.X = float64(math.Float32frombits(le.Uint32(buf[0:])))
		p.Position.Y = float64(math.Float32frombits(le.Uint32(buf[4:])))
		p.Position.Z = float64(math.Float32frombits(le.Uint32(buf[8:])))
		p.Intensity = math.Float32frombits(le.Uint32(buf[12:]))
		p.Offset = le.Uint32(buf[16:])
		p.Reflectivity = le.Uint16(buf[20:])
		p.Ring = le.Uint16(buf[22:])
		p.Ambient = le.Uint16(buf[24:])
		p.Range = le.Uint32(buf[26:])
		p.Timestamp = f.Timestamp
	}
	return nil
}
