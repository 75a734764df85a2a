package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultDriverConfig(t *testing.T) {
	cfg := DefaultDriverConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.GetLidarPort() != 7502 || cfg.GetIMUPort() != 7503 {
		t.Errorf("ports = %d/%d, want 7502/7503", cfg.GetLidarPort(), cfg.GetIMUPort())
	}
	if cfg.GetMaxSampleAge() != 2*time.Second {
		t.Errorf("GetMaxSampleAge() = %v, want 2s", cfg.GetMaxSampleAge())
	}
	if cfg.GetMinSamples() != 1 {
		t.Errorf("GetMinSamples() = %d, want 1", cfg.GetMinSamples())
	}
	if cfg.GetWindowStart() != 300*time.Millisecond || cfg.GetWindowEnd() != 500*time.Millisecond {
		t.Errorf("window = (%v, %v), want (300ms, 500ms)", cfg.GetWindowStart(), cfg.GetWindowEnd())
	}
	if cfg.GetLidarQueue() != 2048 || cfg.GetIMUQueue() != 100 {
		t.Errorf("queues = %d/%d, want 2048/100", cfg.GetLidarQueue(), cfg.GetIMUQueue())
	}
}

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	cfg := &DriverConfig{}
	if cfg.GetUnsyncedPolicy() != "pass_through" {
		t.Errorf("GetUnsyncedPolicy() = %q", cfg.GetUnsyncedPolicy())
	}
	if cfg.GetInvalidRangePolicy() != "origin" {
		t.Errorf("GetInvalidRangePolicy() = %q", cfg.GetInvalidRangePolicy())
	}
	if cfg.GetEpochPeriod() != time.Second {
		t.Errorf("GetEpochPeriod() = %v", cfg.GetEpochPeriod())
	}
	if cfg.GetDBPath() != "scanbridge.db" {
		t.Errorf("GetDBPath() = %q", cfg.GetDBPath())
	}
}

func TestFrameNames(t *testing.T) {
	tests := []struct {
		prefix string
		sensor string
		imu    string
		lidar  string
	}{
		{"", "os_sensor", "imu_1", "lidar_0"},
		{"left", "left/os_sensor", "left/imu_1", "left/lidar_0"},
		{"left/", "left/os_sensor", "left/imu_1", "left/lidar_0"},
	}
	for _, tt := range tests {
		cfg := &DriverConfig{TFPrefix: ptrString(tt.prefix)}
		if got := cfg.SensorFrame(); got != tt.sensor {
			t.Errorf("prefix %q: SensorFrame() = %q, want %q", tt.prefix, got, tt.sensor)
		}
		if got := cfg.IMUFrame(); got != tt.imu {
			t.Errorf("prefix %q: IMUFrame() = %q, want %q", tt.prefix, got, tt.imu)
		}
		if got := cfg.LidarFrame(); got != tt.lidar {
			t.Errorf("prefix %q: LidarFrame() = %q, want %q", tt.prefix, got, tt.lidar)
		}
	}
}

func TestLoadDriverConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.json")
	body := `{
  "lidar_port": 17502,
  "max_sample_age": "750ms",
  "unsynced_policy": "withhold",
  "invalid_range_policy": "omit",
  "db_path": ""
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDriverConfig(path)
	if err != nil {
		t.Fatalf("LoadDriverConfig: %v", err)
	}
	if cfg.GetLidarPort() != 17502 {
		t.Errorf("GetLidarPort() = %d", cfg.GetLidarPort())
	}
	if cfg.GetIMUPort() != 7503 {
		t.Errorf("unset imu_port should default, got %d", cfg.GetIMUPort())
	}
	if cfg.GetMaxSampleAge() != 750*time.Millisecond {
		t.Errorf("GetMaxSampleAge() = %v", cfg.GetMaxSampleAge())
	}
	if cfg.GetUnsyncedPolicy() != "withhold" || cfg.GetInvalidRangePolicy() != "omit" {
		t.Errorf("policies = %q/%q", cfg.GetUnsyncedPolicy(), cfg.GetInvalidRangePolicy())
	}
	if cfg.GetDBPath() != "" {
		t.Errorf("explicit empty db_path should disable the journal, got %q", cfg.GetDBPath())
	}
}

func TestLoadDriverConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("driver.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(dir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"bad port", write("port.json", `{"lidar_port": 70000}`), "lidar_port"},
		{"bad policy", write("policy.json", `{"unsynced_policy": "guess"}`), "unsynced_policy"},
		{"bad range policy", write("range.json", `{"invalid_range_policy": "nan"}`), "invalid_range_policy"},
		{"inverted window", write("window.json", `{"window_start": "600ms"}`), "sync window"},
		{"bad duration", write("dur.json", `{"max_sample_age": "soon"}`), "max_sample_age"},
		{"zero samples", write("samples.json", `{"min_samples": 0}`), "min_samples"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDriverConfig(tt.path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDriverConfig_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(path, make([]byte, 2*1024*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDriverConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}
