package main

import (
	"fmt"

	"github.com/banshee-data/scanbridge/internal/config"
	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/rpc"
	"github.com/banshee-data/scanbridge/internal/lidar/sensor"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// applyFlag copies an explicitly set flag onto cfg.
func applyFlag(cfg *config.DriverConfig, name string) {
	str := func(v string) *string { return &v }
	num := func(v int) *int { return &v }
	switch name {
	case "udp-addr":
		cfg.UDPAddr = str(*udpAddr)
	case "lidar-port":
		cfg.LidarPort = num(*lidarPort)
	case "imu-port":
		cfg.IMUPort = num(*imuPort)
	case "rcvbuf":
		cfg.RcvBuf = num(*rcvBuf)
	case "forward":
		cfg.ForwardAddr = str(*forwardAddr)
	case "metadata":
		cfg.MetadataPath = str(*metadataPath)
	case "metadata-url":
		cfg.MetadataURL = str(*metadataURL)
	case "tf-prefix":
		cfg.TFPrefix = str(*tfPrefix)
	case "pps-target":
		cfg.HandshakeTarget = str(*handshake)
	case "serial":
		cfg.SerialPort = str(*serialPort)
	case "unsynced":
		cfg.UnsyncedPolicy = str(*unsynced)
	case "grpc-listen":
		cfg.GRPCListen = str(*grpcListen)
	case "listen":
		cfg.HTTPListen = str(*httpListen)
	case "db":
		cfg.DBPath = str(*dbFile)
	case "log-level":
		cfg.LogLevel = str(*logLevel)
	case "log-file":
		cfg.LogFile = str(*logFile)
	case "log-interval":
		cfg.LogInterval = str(logInterval.String())
	}
}

// metadataSource picks where sensor metadata comes from. A file wins over
// a URL; with neither, the bundled development document is used.
func metadataSource(cfg *config.DriverConfig) sensor.Source {
	if path := cfg.GetMetadataPath(); path != "" {
		return sensor.FileSource{Path: path}
	}
	if url := cfg.GetMetadataURL(); url != "" {
		return sensor.HTTPSource{URL: url}
	}
	monitoring.Warnf("no sensor metadata configured, using bundled %s", sensor.DefaultEmbeddedConfig)
	return sensor.EmbeddedSource{}
}

// openAuthority connects the PPS handshake. The gRPC counter service wins
// over a serial board. With neither, frames keep device time.
func openAuthority(cfg *config.DriverConfig) (timesync.TimeAuthority, func() error, error) {
	noop := func() error { return nil }
	if target := cfg.GetHandshakeTarget(); target != "" {
		c, err := rpc.DialPpsCounter(target)
		if err != nil {
			return nil, noop, err
		}
		monitoring.Logf("pps handshakes via %s", target)
		return c, c.Close, nil
	}
	if path := cfg.GetSerialPort(); path != "" {
		port, err := timesync.OpenSerialPort(path, cfg.GetSerialBaud())
		if err != nil {
			return nil, noop, err
		}
		a := timesync.NewSerialAuthority(port)
		monitoring.Logf("pps handshakes via serial %s at %d baud", path, cfg.GetSerialBaud())
		return a, a.Close, nil
	}
	monitoring.Warnf("no pps authority configured, timestamps stay in device time")
	return nil, noop, nil
}

// pipelineConfig maps the driver config onto the pipeline. Sinks and the
// authority are left for the caller.
func pipelineConfig(cfg *config.DriverConfig, info *sensor.Info) (pipeline.Config, error) {
	invalid, err := l2frames.ParseInvalidRangePolicy(cfg.GetInvalidRangePolicy())
	if err != nil {
		return pipeline.Config{}, err
	}
	fallback, err := timesync.ParseFallbackPolicy(cfg.GetUnsyncedPolicy())
	if err != nil {
		return pipeline.Config{}, err
	}
	if start, end := cfg.GetWindowStart(), cfg.GetWindowEnd(); start >= end {
		return pipeline.Config{}, fmt.Errorf("sync window start %s is not before end %s", start, end)
	}
	return pipeline.Config{
		Info:         info,
		SensorFrame:  cfg.SensorFrame(),
		IMUFrame:     cfg.IMUFrame(),
		LidarFrame:   cfg.LidarFrame(),
		InvalidRange: invalid,
		Translator: timesync.TranslatorConfig{
			MaxSampleAge: cfg.GetMaxSampleAge(),
			MinSamples:   cfg.GetMinSamples(),
			EpochPeriod:  cfg.GetEpochPeriod(),
			Fallback:     fallback,
		},
		Window: timesync.CoordinatorConfig{
			WindowStart: cfg.GetWindowStart(),
			WindowEnd:   cfg.GetWindowEnd(),
		},
	}, nil
}
