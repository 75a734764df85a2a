// Command pcap-analyse replays a sensor capture through the frame pipeline
// offline and reports what the driver would have published: rotations,
// frames per return, point counts, IMU samples and dropped packets.
// Frames can be exported as binary PCD for inspection.
//
// Usage:
//
//	go run ./cmd/tools/pcap-analyse -pcap capture.pcapng [flags]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
)

func main() {
	var cfg Config
	flag.StringVar(&cfg.PCAPFile, "pcap", "", "Capture to analyse (required)")
	flag.StringVar(&cfg.MetadataPath, "metadata", "", "Sensor metadata JSON (default: bundled OS1-64 legacy)")
	flag.IntVar(&cfg.LidarPort, "lidar-port", 7502, "UDP port of the lidar stream")
	flag.IntVar(&cfg.IMUPort, "imu-port", 7503, "UDP port of the IMU stream")
	flag.StringVar(&cfg.OutputDir, "out", "", "Directory for exported PCD frames")
	flag.IntVar(&cfg.ExportEvery, "export-every", 0, "Export every Nth rotation as PCD (0 disables)")
	flag.StringVar(&cfg.InvalidRange, "invalid-range", "origin", "Invalid range policy: origin or omit")
	flag.Float64Var(&cfg.Speed, "speed", 0, "Replay speed multiplier (0 is as fast as possible)")
	jsonOut := flag.String("json", "", "Write the result as JSON to this file ('-' for stdout)")
	flag.Parse()

	if cfg.PCAPFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}
	if cfg.ExportEvery > 0 && cfg.OutputDir == "" {
		log.Fatal("Error: -export-every needs -out")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := analyse(ctx, cfg)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	log.Printf("%s: %s packets (%s lidar, %s imu, %s skipped) in %dms",
		res.PCAPFile, humanize.Comma(int64(res.Packets)), humanize.Comma(int64(res.LidarPackets)),
		humanize.Comma(int64(res.IMUPackets)), humanize.Comma(int64(res.SkippedPackets)), res.ProcessingTimeMs)
	log.Printf("%d rotations at %.2f Hz over %.1fs, %s points, %d dropped packets, %d skipped columns",
		res.Rotations, res.RotationRateHz, res.DeviceSpanSecs, humanize.Comma(int64(res.TotalPoints)),
		res.DroppedPackets, res.SkippedColumns)
	for i, n := range res.FramesPerReturn {
		log.Printf("return %d: %d frames, %.0f points/frame", i, n, res.AvgPointsPerFrame[i])
	}
	if res.Exported > 0 {
		log.Printf("exported %d PCD frames to %s", res.Exported, cfg.OutputDir)
	}

	if *jsonOut == "" {
		return
	}
	out := os.Stdout
	if *jsonOut != "-" {
		f, err := os.Create(*jsonOut)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *jsonOut, err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
}
