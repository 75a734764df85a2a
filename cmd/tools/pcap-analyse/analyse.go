package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/network"
	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

// Config holds configuration for the analysis.
type Config struct {
	PCAPFile     string
	MetadataPath string
	LidarPort    int
	IMUPort      int
	InvalidRange string
	Speed        float64

	OutputDir   string
	ExportEvery int // export every Nth rotation, 0 disables
}

// AnalysisResult holds the results of a replay.
type AnalysisResult struct {
	PCAPFile          string    `json:"pcap_file"`
	Profile           string    `json:"profile"`
	Width             int       `json:"width"`
	Height            int       `json:"height"`
	Packets           int       `json:"packets"`
	LidarPackets      int       `json:"lidar_packets"`
	IMUPackets        int       `json:"imu_packets"`
	SkippedPackets    int       `json:"skipped_packets"`
	Rotations         uint64    `json:"rotations"`
	DroppedPackets    uint64    `json:"dropped_packets"`
	SkippedColumns    uint64    `json:"skipped_columns"`
	FramesPerReturn   []int     `json:"frames_per_return"`
	AvgPointsPerFrame []float64 `json:"avg_points_per_frame"`
	TotalPoints       int       `json:"total_points"`
	IMUSamples        int       `json:"imu_samples"`
	DeviceSpanSecs    float64   `json:"device_span_secs"`
	RotationRateHz    float64   `json:"rotation_rate_hz"`
	ProcessingTimeMs  int64     `json:"processing_time_ms"`
	Exported          int       `json:"exported,omitempty"`
	ExportErrors      []string  `json:"export_errors,omitempty"`
}

// collector tallies what the pipeline publishes. The pipeline calls it from
// the replay goroutine only.
type collector struct {
	cfg    Config
	res    *AnalysisResult
	points []int

	firstTs, lastTs uint64
	haveTs          bool
}

func (c *collector) PublishFrame(f *l2frames.PointCloudFrame) {
	c.res.FramesPerReturn[f.ReturnIndex]++
	c.points[f.ReturnIndex] += len(f.Points)
	c.res.TotalPoints += len(f.Points)

	if f.ReturnIndex == 0 {
		if !c.haveTs {
			c.firstTs, c.haveTs = f.DeviceTimestamp, true
		}
		c.lastTs = f.DeviceTimestamp
	}

	if c.cfg.ExportEvery <= 0 || (c.res.FramesPerReturn[f.ReturnIndex]-1)%c.cfg.ExportEvery != 0 {
		return
	}
	if err := exportFrame(c.cfg.OutputDir, f); err != nil {
		c.res.ExportErrors = append(c.res.ExportErrors, err.Error())
		return
	}
	c.res.Exported++
}

func (c *collector) PublishIMU(pipeline.ImuSample) { c.res.IMUSamples++ }

func exportFrame(dir string, f *l2frames.PointCloudFrame) error {
	path := filepath.Join(dir, fmt.Sprintf("frame-%06d-r%d.pcd", f.ScanFrameID, f.ReturnIndex))
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := l2frames.WritePCD(out, f); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

func loadMetadata(ctx context.Context, path string) (*sensor.Info, error) {
	if path == "" {
		return sensor.EmbeddedSource{}.Fetch(ctx)
	}
	return sensor.FileSource{Path: path}.Fetch(ctx)
}

// analyse replays cfg.PCAPFile through a pipeline with no time authority, so
// frames carry device time.
func analyse(ctx context.Context, cfg Config) (*AnalysisResult, error) {
	info, err := loadMetadata(ctx, cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	policy, err := l2frames.ParseInvalidRangePolicy(cfg.InvalidRange)
	if err != nil {
		return nil, err
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	returns := info.Returns().Count()
	res := &AnalysisResult{
		PCAPFile:          cfg.PCAPFile,
		Profile:           string(info.Format.UDPProfileLidar),
		Width:             info.Width(),
		Height:            info.Height(),
		FramesPerReturn:   make([]int, returns),
		AvgPointsPerFrame: make([]float64, returns),
	}
	c := &collector{cfg: cfg, res: res, points: make([]int, returns)}

	p, err := pipeline.New(pipeline.Config{
		Info:         info,
		InvalidRange: policy,
		Frames:       c,
		IMU:          c,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rr, err := network.ReadPCAPFile(ctx, cfg.PCAPFile, network.ReplayConfig{
		LidarPort: cfg.LidarPort,
		IMUPort:   cfg.IMUPort,
		Lidar: func(pkt []byte) bool {
			p.HandleLidarPacket(ctx, pkt)
			return true
		},
		IMU:   p.HandleIMUPacket,
		Speed: cfg.Speed,
	})
	if err != nil {
		return nil, err
	}
	res.ProcessingTimeMs = time.Since(start).Milliseconds()

	res.Packets = rr.Frames
	res.LidarPackets = rr.LidarPayload
	res.IMUPackets = rr.IMUPayload
	res.SkippedPackets = rr.Skipped

	st := p.Status()
	res.Rotations = st.Batcher.Scans
	res.DroppedPackets = st.Batcher.Dropped
	res.SkippedColumns = st.Batcher.SkippedColumns

	for i, n := range res.FramesPerReturn {
		if n > 0 {
			res.AvgPointsPerFrame[i] = float64(c.points[i]) / float64(n)
		}
	}
	if c.haveTs && c.lastTs > c.firstTs {
		res.DeviceSpanSecs = float64(c.lastTs-c.firstTs) / 1e9
		res.RotationRateHz = float64(res.FramesPerReturn[0]-1) / res.DeviceSpanSecs
	}
	return res, nil
}
