package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/scanbridge/internal/config"
	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/network"
	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/parse"
	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/monitor"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/publish"
	"github.com/banshee-data/scanbridge/internal/lidar/rpc"
	"github.com/banshee-data/scanbridge/internal/lidar/storage/sqlite"
	"github.com/banshee-data/scanbridge/internal/monitoring"
	"github.com/banshee-data/scanbridge/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to a JSON driver config; flags override its values")

	udpAddr     = flag.String("udp-addr", "0.0.0.0", "UDP bind address")
	lidarPort   = flag.Int("lidar-port", 7502, "UDP port for lidar packets")
	imuPort     = flag.Int("imu-port", 7503, "UDP port for IMU packets")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	forwardAddr = flag.String("forward", "", "Relay raw lidar packets to host:port")

	metadataPath = flag.String("metadata", "", "Sensor metadata JSON file")
	metadataURL  = flag.String("metadata-url", "", "Sensor metadata HTTP endpoint, used when -metadata is empty")
	tfPrefix     = flag.String("tf-prefix", "", "Prefix for reference frame names")

	handshake  = flag.String("pps-target", "", "gRPC address of the PPS counter service")
	serialPort = flag.String("serial", "", "Serial timing board, used when -pps-target is empty")
	unsynced   = flag.String("unsynced", "pass_through", "Unsynced policy: pass_through or withhold")

	grpcListen = flag.String("grpc-listen", ":50061", "gRPC listen address")
	httpListen = flag.String("listen", ":8082", "HTTP monitor listen address")
	dbFile     = flag.String("db", "scanbridge.db", "Path to the SQLite journal; empty disables it")

	pcapFile  = flag.String("pcap", "", "Replay a capture instead of listening on UDP")
	pcapSpeed = flag.Float64("pcap-speed", 1, "Replay speed multiplier; 0 replays as fast as possible")

	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile     = flag.String("log-file", "", "Also write JSON logs to this file, rotated by size")
	logInterval = flag.Duration("log-interval", time.Minute, "Statistics logging interval")

	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("scanbridge", version.String())
		return
	}

	cfg := config.DefaultDriverConfig()
	if *configFile != "" {
		loaded, err := config.LoadDriverConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) { applyFlag(cfg, f.Name) })
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := monitoring.NewLogger(monitoring.Options{
		Level: cfg.GetLogLevel(),
		File:  cfg.GetLogFile(),
		Name:  "scanbridge",
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	monitoring.Install(logger)
	if cfg.GetLogLevel() == "debug" {
		w := monitoring.DebugWriter(logger)
		parse.SetDebugLogger(w)
		l2frames.SetDebugLogger(w)
		pipeline.SetLogWriters(nil, nil, w)
	}
	monitoring.Logf("scanbridge %s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		monitoring.Fatalf("scanbridge: %v", err)
	}
	monitoring.Logf("graceful shutdown complete")
}

// run wires the driver together and blocks until ctx is cancelled or a
// replay finishes.
func run(ctx context.Context, cfg *config.DriverConfig) (err error) {
	metaCtx, cancelMeta := context.WithTimeout(ctx, 15*time.Second)
	info, err := metadataSource(cfg).Fetch(metaCtx)
	cancelMeta()
	if err != nil {
		return fmt.Errorf("load sensor metadata: %w", err)
	}
	monitoring.Logf("sensor %s %s, %dx%d %s", info.ProductLine, info.SerialNumber, info.Width(), info.Height(), info.Format.UDPProfileLidar)

	authority, closeAuthority, err := openAuthority(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeAuthority()) }()

	var (
		journal  *sqlite.DB
		recorder *sqlite.Recorder
		runID    string
	)
	if path := cfg.GetDBPath(); path != "" {
		journal, err = sqlite.Open(path)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, journal.Close()) }()

		source := "udp"
		if *pcapFile != "" {
			source = "pcap:" + *pcapFile
		}
		runID, err = journal.StartRun(ctx, sqlite.RunInfo{
			Profile:     string(info.Format.UDPProfileLidar),
			Width:       info.Width(),
			Height:      info.Height(),
			SensorFrame: cfg.SensorFrame(),
			Source:      source,
		}, time.Now())
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, journal.EndRun(context.Background(), runID, time.Now()))
		}()
		recorder = sqlite.NewRecorder(journal, runID, sqlite.DefaultRecorderConfig())
		monitoring.Logf("journal %s, run %s", path, runID)
	}

	pubCfg := publish.DefaultConfig()
	pubCfg.StatsInterval = cfg.GetLogInterval()
	pub := publish.New(pubCfg)
	if err := pub.Start(); err != nil {
		return err
	}
	defer pub.Stop()

	pcfg, err := pipelineConfig(cfg, info)
	if err != nil {
		return err
	}
	pcfg.Authority = authority
	pcfg.Frames = pub
	pcfg.IMU = pub
	if recorder != nil {
		pcfg.SyncRecorder = recorder
		pcfg.FrameRecorder = recorder
	}
	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	if err := p.AnnounceTransforms(pipeline.LogTransformSink{}); err != nil {
		monitoring.Warnf("announce transforms: %v", err)
	}

	rt := pipeline.NewRuntime(p, cfg.GetLidarQueue(), cfg.GetIMUQueue())
	lidarStats := network.NewPacketStats("lidar", nil)
	imuStats := network.NewPacketStats("imu", nil)

	var forwarder *network.PacketForwarder
	if addr := cfg.GetForwardAddr(); addr != "" {
		forwarder, err = newForwarder(addr, lidarStats, cfg.GetLogInterval())
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, forwarder.Close()) }()
		monitoring.Logf("forwarding lidar packets to %s", forwarder.Address())
	}

	grpcServer := rpc.NewServer(rpc.NewDriver(p, pub))
	if _, err := grpcServer.ListenAndServe(cfg.GetGRPCListen()); err != nil {
		return err
	}
	defer grpcServer.Stop(2 * time.Second)

	ws, err := monitor.NewWebServer(monitor.WebServerConfig{
		Address:        cfg.GetHTTPListen(),
		Driver:         p,
		RuntimeStats:   rt.Stats,
		PublisherStats: pub.Stats,
		PacketStats:    []*network.PacketStats{lidarStats, imuStats},
		Journal:        journal,
		RunID:          runID,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	fail := func(e error) {
		errMu.Lock()
		err = multierr.Append(err, e)
		errMu.Unlock()
		cancel()
	}

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx); err != nil {
				fail(fmt.Errorf("journal recorder: %w", err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = rt.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			fail(err)
		}
	}()

	lidarHandler := func(pkt []byte) bool { return rt.Submit(pipeline.ChannelLidar, pkt) }
	imuHandler := func(pkt []byte) bool { return rt.Submit(pipeline.ChannelIMU, pkt) }

	if *pcapFile != "" {
		if forwarder != nil {
			forwarder.Start(ctx)
		}
		res, rerr := network.ReadPCAPFile(ctx, *pcapFile, network.ReplayConfig{
			LidarPort:  cfg.GetLidarPort(),
			IMUPort:    cfg.GetIMUPort(),
			Lidar:      lidarHandler,
			IMU:        imuHandler,
			LidarStats: lidarStats,
			IMUStats:   imuStats,
			Forwarder:  forwarder,
			Speed:      *pcapSpeed,
		})
		if rerr != nil && ctx.Err() == nil {
			fail(fmt.Errorf("replay %s: %w", *pcapFile, rerr))
		} else {
			monitoring.Logf("replay finished: %d frames, %d lidar, %d imu, %d skipped in %s",
				res.Frames, res.LidarPayload, res.IMUPayload, res.Skipped, res.Elapsed.Round(time.Millisecond))
		}
		cancel()
	} else {
		for _, lc := range []network.UDPListenerConfig{
			{Port: cfg.GetLidarPort(), Handler: lidarHandler, Stats: lidarStats, Forwarder: forwarder},
			{Port: cfg.GetIMUPort(), Handler: imuHandler, Stats: imuStats},
		} {
			lc.Address = cfg.GetUDPAddr()
			lc.RcvBuf = cfg.GetRcvBuf()
			lc.LogInterval = cfg.GetLogInterval()
			l, lerr := network.NewUDPListener(lc)
			if lerr != nil {
				cancel()
				wg.Wait()
				return multierr.Append(err, lerr)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.Start(ctx); err != nil && ctx.Err() == nil {
					fail(err)
				}
			}()
		}
		<-ctx.Done()
	}

	monitoring.Logf("shutting down")
	wg.Wait()
	if recorder != nil {
		monitoring.Logf("journal wrote %d rows, dropped %d", recorder.Written(), recorder.Dropped())
	}
	return err
}

func newForwarder(addr string, stats *network.PacketStats, interval time.Duration) (*network.PacketForwarder, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid forward address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid forward port %q: %w", portStr, err)
	}
	return network.NewPacketForwarder(host, port, stats, interval)
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nBridges an Ouster-style lidar onto gRPC point cloud and IMU streams.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
