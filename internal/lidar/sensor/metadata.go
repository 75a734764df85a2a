package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidMetadata is wrapped by every metadata validation failure.
var ErrInvalidMetadata = errors.New("invalid sensor metadata")

// LidarProfile names the UDP packet layout of the lidar stream.
type LidarProfile string

const (
	ProfileLegacy LidarProfile = "LEGACY"
	ProfileSingle LidarProfile = "RNG19_RFL8_SIG16_NIR16"
	ProfileDual   LidarProfile = "RNG19_RFL8_SIG16_NIR16_DUAL"
)

// ReturnProfile is the number of return channels carried per pixel.
type ReturnProfile int

const (
	Single ReturnProfile = 1
	Dual   ReturnProfile = 2
)

// Count returns how many frames one completed scan produces.
func (r ReturnProfile) Count() int { return int(r) }

func (r ReturnProfile) String() string {
	switch r {
	case Single:
		return "single"
	case Dual:
		return "dual"
	}
	return "ReturnProfile(" + strconv.Itoa(int(r)) + ")"
}

// Returns maps a packet layout to its return profile. Only the dual layout
// carries a second return.
func (p LidarProfile) Returns() ReturnProfile {
	if p == ProfileDual {
		return Dual
	}
	return Single
}

// DataFormat describes how a rotation is split into packets.
type DataFormat struct {
	PixelsPerColumn  int          `json:"pixels_per_column"`
	ColumnsPerPacket int          `json:"columns_per_packet"`
	ColumnsPerFrame  int          `json:"columns_per_frame"`
	PixelShiftByRow  []int        `json:"pixel_shift_by_row,omitempty"`
	ColumnWindow     [2]int       `json:"column_window"`
	UDPProfileLidar  LidarProfile `json:"udp_profile_lidar,omitempty"`
	UDPProfileIMU    string       `json:"udp_profile_imu,omitempty"`
}

// Info is the parsed sensor metadata document.
type Info struct {
	SerialNumber  string `json:"prod_sn"`
	ProductLine   string `json:"prod_line"`
	FirmwareRev   string `json:"build_rev"`
	Mode          string `json:"lidar_mode"`
	TimestampMode string `json:"timestamp_mode,omitempty"`

	BeamAltitudeAngles        []float64 `json:"beam_altitude_angles"`
	BeamAzimuthAngles         []float64 `json:"beam_azimuth_angles"`
	LidarOriginToBeamOriginMM float64   `json:"lidar_origin_to_beam_origin_mm"`

	// Row-major 4x4 homogeneous transforms, translation in millimetres.
	LidarToSensorTransform []float64 `json:"lidar_to_sensor_transform"`
	IMUToSensorTransform   []float64 `json:"imu_to_sensor_transform"`

	Format DataFormat `json:"data_format"`
}

// nested is the sectioned layout served by newer firmware HTTP APIs.
type nested struct {
	SensorInfo struct {
		SerialNumber string `json:"prod_sn"`
		ProductLine  string `json:"prod_line"`
		FirmwareRev  string `json:"build_rev"`
	} `json:"sensor_info"`
	BeamIntrinsics struct {
		BeamAltitudeAngles        []float64 `json:"beam_altitude_angles"`
		BeamAzimuthAngles         []float64 `json:"beam_azimuth_angles"`
		LidarOriginToBeamOriginMM float64   `json:"lidar_origin_to_beam_origin_mm"`
	} `json:"beam_intrinsics"`
	LidarIntrinsics struct {
		LidarToSensorTransform []float64 `json:"lidar_to_sensor_transform"`
	} `json:"lidar_intrinsics"`
	IMUIntrinsics struct {
		IMUToSensorTransform []float64 `json:"imu_to_sensor_transform"`
	} `json:"imu_intrinsics"`
	LidarDataFormat *DataFormat `json:"lidar_data_format"`
	ConfigParams    struct {
		LidarMode     string `json:"lidar_mode"`
		TimestampMode string `json:"timestamp_mode"`
	} `json:"config_params"`
}

func (n *nested) info() *Info {
	info := &Info{
		SerialNumber:              n.SensorInfo.SerialNumber,
		ProductLine:               n.SensorInfo.ProductLine,
		FirmwareRev:               n.SensorInfo.FirmwareRev,
		Mode:                      n.ConfigParams.LidarMode,
		TimestampMode:             n.ConfigParams.TimestampMode,
		BeamAltitudeAngles:        n.BeamIntrinsics.BeamAltitudeAngles,
		BeamAzimuthAngles:         n.BeamIntrinsics.BeamAzimuthAngles,
		LidarOriginToBeamOriginMM: n.BeamIntrinsics.LidarOriginToBeamOriginMM,
		LidarToSensorTransform:    n.LidarIntrinsics.LidarToSensorTransform,
		IMUToSensorTransform:      n.IMUIntrinsics.IMUToSensorTransform,
	}
	if n.LidarDataFormat != nil {
		info.Format = *n.LidarDataFormat
	}
	return info
}

// Parse decodes a metadata document in either the flat or the sectioned
// layout, fills defaults, and validates the result.
func Parse(data []byte) (*Info, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	var info *Info
	if _, ok := probe["beam_intrinsics"]; ok {
		var n nested
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		info = n.info()
	} else {
		info = &Info{}
		if err := json.Unmarshal(data, info); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
	}

	info.applyDefaults()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// modeWidth extracts W from a mode string such as "1024x10".
func modeWidth(mode string) int {
	w, _, ok := strings.Cut(mode, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(w)
	if err != nil {
		return 0
	}
	return n
}

func (i *Info) applyDefaults() {
	f := &i.Format
	if f.PixelsPerColumn == 0 {
		f.PixelsPerColumn = len(i.BeamAltitudeAngles)
	}
	if f.ColumnsPerFrame == 0 {
		f.ColumnsPerFrame = modeWidth(i.Mode)
	}
	if f.ColumnsPerPacket == 0 {
		f.ColumnsPerPacket = 16
	}
	if f.UDPProfileLidar == "" {
		f.UDPProfileLidar = ProfileLegacy
	}
	if f.ColumnWindow == [2]int{} && f.ColumnsPerFrame > 0 {
		f.ColumnWindow = [2]int{0, f.ColumnsPerFrame - 1}
	}
	if len(i.LidarToSensorTransform) == 0 {
		i.LidarToSensorTransform = Identity()
	}
	if len(i.IMUToSensorTransform) == 0 {
		i.IMUToSensorTransform = Identity()
	}
}

// Validate checks the invariants the rest of the pipeline relies on.
func (i *Info) Validate() error {
	f := i.Format
	if f.ColumnsPerFrame <= 0 {
		return fmt.Errorf("%w: columns_per_frame must be positive, got %d", ErrInvalidMetadata, f.ColumnsPerFrame)
	}
	if f.PixelsPerColumn <= 0 {
		return fmt.Errorf("%w: pixels_per_column must be positive, got %d", ErrInvalidMetadata, f.PixelsPerColumn)
	}
	if f.ColumnsPerPacket <= 0 || f.ColumnsPerPacket > f.ColumnsPerFrame {
		return fmt.Errorf("%w: columns_per_packet %d out of range", ErrInvalidMetadata, f.ColumnsPerPacket)
	}
	if len(i.BeamAltitudeAngles) != f.PixelsPerColumn || len(i.BeamAzimuthAngles) != f.PixelsPerColumn {
		return fmt.Errorf("%w: expected %d beam angles, got altitude=%d azimuth=%d",
			ErrInvalidMetadata, f.PixelsPerColumn, len(i.BeamAltitudeAngles), len(i.BeamAzimuthAngles))
	}
	switch f.UDPProfileLidar {
	case ProfileLegacy, ProfileSingle, ProfileDual:
	default:
		return fmt.Errorf("%w: unsupported udp_profile_lidar %q", ErrInvalidMetadata, f.UDPProfileLidar)
	}
	if len(i.LidarToSensorTransform) != 16 {
		return fmt.Errorf("%w: lidar_to_sensor_transform needs 16 values, got %d", ErrInvalidMetadata, len(i.LidarToSensorTransform))
	}
	if len(i.IMUToSensorTransform) != 16 {
		return fmt.Errorf("%w: imu_to_sensor_transform needs 16 values, got %d", ErrInvalidMetadata, len(i.IMUToSensorTransform))
	}
	return nil
}

// Width is W, the number of columns in one rotation.
func (i *Info) Width() int { return i.Format.ColumnsPerFrame }

// Height is H, the number of channels per column.
func (i *Info) Height() int { return i.Format.PixelsPerColumn }

// Returns is the return profile implied by the lidar packet layout.
func (i *Info) Returns() ReturnProfile { return i.Format.UDPProfileLidar.Returns() }

// Identity returns a row-major 4x4 identity transform.
func Identity() []float64 {
	return []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}
