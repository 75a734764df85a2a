// Command fake-sensor streams synthetic lidar and IMU packets over UDP so the
// driver can be exercised without hardware.
//
// The scene is a cylindrical wall around the sensor. Device time starts at
// zero when the tool starts, like a sensor that has just booted.
//
// Usage:
//
//	go run ./cmd/tools/fake-sensor [flags]
//
// Flags:
//
//	-target    Driver host (default: 127.0.0.1)
//	-lidar-port, -imu-port
//	-metadata  Metadata JSON to emulate (default: bundled OS1-64 legacy)
//	-rate      Rotations per second (default: 10)
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
)

func main() {
	target := flag.String("target", "127.0.0.1", "Driver host")
	lidarPort := flag.Int("lidar-port", 7502, "Destination port for lidar packets")
	imuPort := flag.Int("imu-port", 7503, "Destination port for IMU packets")
	metadata := flag.String("metadata", "", "Metadata JSON to emulate")
	rate := flag.Float64("rate", 10, "Rotations per second")
	wall := flag.Float64("wall", 12, "Wall distance in metres")
	imuRate := flag.Int("imu-rate", 100, "IMU packets per second")
	flag.Parse()

	var src sensor.Source = sensor.EmbeddedSource{}
	if *metadata != "" {
		src = sensor.FileSource{Path: *metadata}
	}
	info, err := src.Fetch(context.Background())
	if err != nil {
		log.Fatalf("Failed to load metadata: %v", err)
	}
	if *rate <= 0 || *imuRate <= 0 {
		log.Fatal("-rate and -imu-rate must be positive")
	}

	lidarConn, err := net.Dial("udp", net.JoinHostPort(*target, strconv.Itoa(*lidarPort)))
	if err != nil {
		log.Fatalf("Failed to dial lidar port: %v", err)
	}
	defer lidarConn.Close()
	imuConn, err := net.Dial("udp", net.JoinHostPort(*target, strconv.Itoa(*imuPort)))
	if err != nil {
		log.Fatalf("Failed to dial imu port: %v", err)
	}
	defer imuConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := newScene(info, *wall)
	period := time.Duration(float64(time.Second) / *rate)
	log.Printf("Emulating %s %dx%d %s at %.1f Hz to %s",
		info.ProductLine, info.Width(), info.Height(), info.Format.UDPProfileLidar, *rate, *target)

	go streamIMU(ctx, imuConn, time.Second/time.Duration(*imuRate))

	start := time.Now()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var sent, bytes uint64
	statsAt := start
	for frameID := uint16(0); ; frameID++ {
		deviceTs := uint64(time.Since(start))
		pkts, err := s.rotation(frameID, deviceTs, period)
		if err != nil {
			log.Fatalf("Failed to encode rotation: %v", err)
		}
		for _, pkt := range pkts {
			if _, err := lidarConn.Write(pkt); err != nil {
				log.Printf("lidar write: %v", err)
				continue
			}
			sent++
			bytes += uint64(len(pkt))
		}
		if time.Since(statsAt) >= 10*time.Second {
			log.Printf("sent %s packets (%s)", humanize.Comma(int64(sent)), humanize.Bytes(bytes))
			statsAt = time.Now()
		}

		select {
		case <-ctx.Done():
			log.Printf("Stopped after %d rotations", int(frameID)+1)
			return
		case <-ticker.C:
		}
	}
}

func streamIMU(ctx context.Context, conn net.Conn, every time.Duration) {
	start := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ts := uint64(time.Since(start))
		pkt := parse.EncodeIMU(parse.IMUPacket{
			SysTimestamp:   ts,
			AccelTimestamp: ts,
			GyroTimestamp:  ts,
			Accel:          [3]float32{0, 0, 1},
		})
		if _, err := conn.Write(pkt); err != nil {
			log.Printf("imu write: %v", err)
		}
	}
}
