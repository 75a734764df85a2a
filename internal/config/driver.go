package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DriverConfig is the on-disk configuration for the scan bridge. Every field
// is optional; Get* accessors supply defaults so partial files are safe.
// Command-line flags override values loaded from the file.
type DriverConfig struct {
	// Ingest
	UDPAddr     *string `json:"udp_addr,omitempty"`
	LidarPort   *int    `json:"lidar_port,omitempty"`
	IMUPort     *int    `json:"imu_port,omitempty"`
	RcvBuf      *int    `json:"rcvbuf,omitempty"`
	ForwardAddr *string `json:"forward_addr,omitempty"`
	LidarQueue  *int    `json:"lidar_queue,omitempty"`
	IMUQueue    *int    `json:"imu_queue,omitempty"`

	// Sensor metadata; path wins over URL when both are set
	MetadataPath *string `json:"metadata_path,omitempty"`
	MetadataURL  *string `json:"metadata_url,omitempty"`

	// Frames
	TFPrefix           *string `json:"tf_prefix,omitempty"`
	InvalidRangePolicy *string `json:"invalid_range_policy,omitempty"` // "origin" or "omit"

	// Time sync
	MaxSampleAge    *string `json:"max_sample_age,omitempty"` // duration string like "2s"
	MinSamples      *int    `json:"min_samples,omitempty"`
	EpochPeriod     *string `json:"epoch_period,omitempty"`
	UnsyncedPolicy  *string `json:"unsynced_policy,omitempty"` // "pass_through" or "withhold"
	WindowStart     *string `json:"window_start,omitempty"`
	WindowEnd       *string `json:"window_end,omitempty"`
	HandshakeTarget *string `json:"handshake_target,omitempty"` // gRPC address of the PPS counter service
	SerialPort      *string `json:"serial_port,omitempty"`      // serial timing board, used when no gRPC target
	SerialBaud      *int    `json:"serial_baud,omitempty"`

	// Outputs and diagnostics
	GRPCListen  *string `json:"grpc_listen,omitempty"`
	HTTPListen  *string `json:"http_listen,omitempty"`
	DBPath      *string `json:"db_path,omitempty"`
	LogInterval *string `json:"log_interval,omitempty"`
	LogLevel    *string `json:"log_level,omitempty"`
	LogFile     *string `json:"log_file,omitempty"`
}

// Frame name suffixes appended to the tf prefix.
const (
	SensorFrameName = "os_sensor"
	IMUFrameName    = "imu_1"
	LidarFrameName  = "lidar_0"
)

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// DefaultDriverConfig returns a config with every field populated with its
// default value.
func DefaultDriverConfig() *DriverConfig {
	return &DriverConfig{
		UDPAddr:            ptrString("0.0.0.0"),
		LidarPort:          ptrInt(7502),
		IMUPort:            ptrInt(7503),
		RcvBuf:             ptrInt(4 << 20),
		ForwardAddr:        ptrString(""),
		LidarQueue:         ptrInt(2048),
		IMUQueue:           ptrInt(100),
		MetadataPath:       ptrString(""),
		MetadataURL:        ptrString(""),
		TFPrefix:           ptrString(""),
		InvalidRangePolicy: ptrString("origin"),
		MaxSampleAge:       ptrString("2s"),
		MinSamples:         ptrInt(1),
		EpochPeriod:        ptrString("1s"),
		UnsyncedPolicy:     ptrString("pass_through"),
		WindowStart:        ptrString("300ms"),
		WindowEnd:          ptrString("500ms"),
		HandshakeTarget:    ptrString(""),
		SerialPort:         ptrString(""),
		SerialBaud:         ptrInt(115200),
		GRPCListen:         ptrString(":50061"),
		HTTPListen:         ptrString(":8082"),
		DBPath:             ptrString("scanbridge.db"),
		LogInterval:        ptrString("1m"),
		LogLevel:           ptrString("info"),
		LogFile:            ptrString(""),
	}
}

// LoadDriverConfig loads a DriverConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &DriverConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *DriverConfig) Validate() error {
	for _, p := range []struct {
		name string
		v    *int
	}{{"lidar_port", c.LidarPort}, {"imu_port", c.IMUPort}} {
		if p.v != nil && (*p.v <= 0 || *p.v > 65535) {
			return fmt.Errorf("%s must be in 1..65535, got %d", p.name, *p.v)
		}
	}
	if c.LidarQueue != nil && *c.LidarQueue <= 0 {
		return fmt.Errorf("lidar_queue must be positive, got %d", *c.LidarQueue)
	}
	if c.IMUQueue != nil && *c.IMUQueue <= 0 {
		return fmt.Errorf("imu_queue must be positive, got %d", *c.IMUQueue)
	}
	if c.MinSamples != nil && *c.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1, got %d", *c.MinSamples)
	}

	for _, d := range []struct {
		name string
		v    *string
	}{
		{"max_sample_age", c.MaxSampleAge},
		{"epoch_period", c.EpochPeriod},
		{"window_start", c.WindowStart},
		{"window_end", c.WindowEnd},
		{"log_interval", c.LogInterval},
	} {
		if err := validDuration(d.name, d.v); err != nil {
			return err
		}
	}
	if c.GetMaxSampleAge() <= 0 {
		return fmt.Errorf("max_sample_age must be positive")
	}
	if start, end := c.GetWindowStart(), c.GetWindowEnd(); start >= end || end > time.Second {
		return fmt.Errorf("sync window must satisfy start < end <= 1s, got (%s, %s)", start, end)
	}

	if c.UnsyncedPolicy != nil {
		switch *c.UnsyncedPolicy {
		case "", "pass_through", "withhold":
		default:
			return fmt.Errorf("unsynced_policy must be pass_through or withhold, got %q", *c.UnsyncedPolicy)
		}
	}
	if c.InvalidRangePolicy != nil {
		switch *c.InvalidRangePolicy {
		case "", "origin", "omit":
		default:
			return fmt.Errorf("invalid_range_policy must be origin or omit, got %q", *c.InvalidRangePolicy)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (c *DriverConfig) GetUDPAddr() string     { return stringOr(c.UDPAddr, "0.0.0.0") }
func (c *DriverConfig) GetLidarPort() int      { return intOr(c.LidarPort, 7502) }
func (c *DriverConfig) GetIMUPort() int        { return intOr(c.IMUPort, 7503) }
func (c *DriverConfig) GetRcvBuf() int         { return intOr(c.RcvBuf, 4<<20) }
func (c *DriverConfig) GetForwardAddr() string { return stringOr(c.ForwardAddr, "") }
func (c *DriverConfig) GetLidarQueue() int     { return intOr(c.LidarQueue, 2048) }
func (c *DriverConfig) GetIMUQueue() int       { return intOr(c.IMUQueue, 100) }
func (c *DriverConfig) GetMetadataPath() string {
	return stringOr(c.MetadataPath, "")
}
func (c *DriverConfig) GetMetadataURL() string { return stringOr(c.MetadataURL, "") }

// GetInvalidRangePolicy returns "origin" or "omit".
func (c *DriverConfig) GetInvalidRangePolicy() string {
	return stringOr(c.InvalidRangePolicy, "origin")
}

// GetMaxSampleAge returns the handshake deadline and largest accepted
// reference sample age.
func (c *DriverConfig) GetMaxSampleAge() time.Duration {
	return durationOr(c.MaxSampleAge, 2*time.Second)
}

func (c *DriverConfig) GetMinSamples() int { return intOr(c.MinSamples, 1) }

// GetEpochPeriod returns the device counter rollover period. Zero disables
// rollover handling.
func (c *DriverConfig) GetEpochPeriod() time.Duration {
	return durationOr(c.EpochPeriod, time.Second)
}

// GetUnsyncedPolicy returns "pass_through" or "withhold".
func (c *DriverConfig) GetUnsyncedPolicy() string {
	return stringOr(c.UnsyncedPolicy, "pass_through")
}

func (c *DriverConfig) GetWindowStart() time.Duration {
	return durationOr(c.WindowStart, 300*time.Millisecond)
}

func (c *DriverConfig) GetWindowEnd() time.Duration {
	return durationOr(c.WindowEnd, 500*time.Millisecond)
}

func (c *DriverConfig) GetHandshakeTarget() string { return stringOr(c.HandshakeTarget, "") }
func (c *DriverConfig) GetSerialPort() string      { return stringOr(c.SerialPort, "") }
func (c *DriverConfig) GetSerialBaud() int         { return intOr(c.SerialBaud, 115200) }
func (c *DriverConfig) GetGRPCListen() string      { return stringOr(c.GRPCListen, ":50061") }
func (c *DriverConfig) GetHTTPListen() string      { return stringOr(c.HTTPListen, ":8082") }

// GetDBPath returns the diagnostics journal path. An explicit empty string
// disables the journal.
func (c *DriverConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "scanbridge.db"
	}
	return *c.DBPath
}

func (c *DriverConfig) GetLogInterval() time.Duration {
	return durationOr(c.LogInterval, time.Minute)
}

func (c *DriverConfig) GetLogLevel() string { return stringOr(c.LogLevel, "info") }
func (c *DriverConfig) GetLogFile() string  { return stringOr(c.LogFile, "") }

// GetTFPrefix returns the frame prefix with a trailing slash, or "" when unset.
func (c *DriverConfig) GetTFPrefix() string {
	p := stringOr(c.TFPrefix, "")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// SensorFrame is the reference name stamped on point cloud frames.
func (c *DriverConfig) SensorFrame() string { return c.GetTFPrefix() + SensorFrameName }

// IMUFrame is the reference name stamped on inertial samples.
func (c *DriverConfig) IMUFrame() string { return c.GetTFPrefix() + IMUFrameName }

// LidarFrame is the child frame of the sensor-to-lidar transform.
func (c *DriverConfig) LidarFrame() string { return c.GetTFPrefix() + LidarFrameName }
