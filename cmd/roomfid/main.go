package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/roomfi/roomfi/pkg/collector"
	"github.com/roomfi/roomfi/pkg/health"
	"github.com/roomfi/roomfi/pkg/localizer"
	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/metrics"
	"github.com/roomfi/roomfi/pkg/mqtt"
	"github.com/roomfi/roomfi/pkg/outbox"
	"github.com/roomfi/roomfi/pkg/retry"
	"github.com/roomfi/roomfi/pkg/scan"
	"github.com/roomfi/roomfi/pkg/sigserver"
	"github.com/roomfi/roomfi/pkg/spatial"
	"github.com/roomfi/roomfi/pkg/stats"
	"github.com/roomfi/roomfi/pkg/telem"
	"github.com/roomfi/roomfi/pkg/uci"
)

var version = "1.0.0-dev"

const appName = "roomfid"

func main() {
	// Command line flags
	var (
		configFile  = flag.String("config", "/etc/config/roomfi", "UCI config file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
		verbose     = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	boot := logx.New("info")
	cfg, err := uci.Load(ctx, *configFile, boot)
	if err != nil {
		boot.Error("Failed to load UCI config", "error", err, "config_file", *configFile)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if *verbose {
		level = "debug"
	}
	logger, closeLog, err := newLogger(cfg, level)
	if err != nil {
		boot.Error("Failed to open log file", "error", err, "log_file", cfg.LogFile)
		os.Exit(1)
	}
	defer closeLog()

	if !cfg.Enable {
		logger.Info("roomfi disabled in config, exiting", "config", *configFile)
		return
	}

	logger.Info("starting roomfi daemon",
		"version", version,
		"config", *configFile,
		"log_level", level,
		"server", cfg.ServerURL,
		"interface", cfg.ScanInterface,
	)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("roomfi daemon stopped")
}

func newLogger(cfg *uci.Config, level string) (*logx.Logger, func(), error) {
	var w io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closeFn = func() { f.Close() }
	}
	logger := logx.NewWithWriter(w, level)
	if cfg.Syslog {
		logger.EnableSyslog(appName)
	}
	return logger, closeFn, nil
}

// countingSink counts binds on their way into the outbox.
type countingSink struct {
	box     *outbox.Outbox
	metrics *metrics.Server
}

func (s *countingSink) Enqueue(location string, payload []byte) (string, error) {
	id, err := s.box.Enqueue(location, payload)
	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordBind("error")
		} else {
			s.metrics.RecordBind("queued")
		}
	}
	return id, err
}

func run(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	server, err := sigserver.New(cfg.Server(), logger.With("component", "sigserver"))
	if err != nil {
		return err
	}

	cache, err := spatial.NewDiskCache(filepath.Join(cfg.DataDir, "areas"), logger.With("component", "cache"))
	if err != nil {
		return err
	}

	box, err := outbox.Open(
		filepath.Join(cfg.DataDir, "binds.db"),
		retry.NewRunner(retry.Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second}),
		logger.With("component", "outbox"),
	)
	if err != nil {
		return err
	}
	defer box.Close()
	box.SetMaxAttempts(cfg.BindMaxAttempts)

	history := telem.NewStore(cfg.History())
	st := stats.New(stats.DefaultAlpha)

	publisher := mqtt.NewClient(cfg.MQTT(), logger.With("component", "mqtt"))
	if err := publisher.Connect(); err != nil {
		logger.Warn("MQTT unavailable, continuing without it", "error", err)
	}
	defer publisher.Disconnect()

	sink := &countingSink{box: box}
	loc, err := localizer.New(cfg.Localizer(), localizer.Deps{
		Service:   server,
		Publisher: publisher,
		Binds:     sink,
		Cache:     cache,
		History:   history,
		Stats:     st,
	}, logger.With("component", "localizer"))
	if err != nil {
		return err
	}
	if err := loc.LoadCache(); err != nil {
		logger.Warn("area cache not loaded", "error", err)
	}
	// binds queued by a previous run keep their areas alive until delivered
	if leftover, err := box.Pending(0); err != nil {
		logger.Warn("pending binds not read", "error", err)
	} else {
		for _, e := range leftover {
			loc.TrackPendingBind(e.Location)
		}
	}
	box.OnSettled(func(e outbox.Entry, delivered bool) {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := loc.Do(sctx, func() { loc.BindSettled(e.Location, delivered) }); err != nil {
			logger.Warn("bind settlement dropped", "location", e.Location, "error", err)
		}
	})

	publisher.OnMotion(func(m scan.Motion) {
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := loc.Do(mctx, func() { loc.HandleMotionChange(m) }); err != nil {
			logger.Warn("motion change dropped", "motion", m.String(), "error", err)
		}
	})

	var metricsServer *metrics.Server
	if cfg.MetricsListener {
		metricsServer = metrics.NewServer(metrics.Sources{
			Stats:    st,
			Estimate: loc,
			History:  history,
			Outbox:   box,
		}, version, logger.With("component", "metrics"))
		sink.metrics = metricsServer
		if err := metricsServer.Start(cfg.MetricsAddr); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	if cfg.HealthListener {
		hs := health.NewServer(loc, history, publisher, version, logger.With("component", "health"))
		if err := hs.Start(cfg.HealthAddr); err != nil {
			return err
		}
		defer hs.Stop()
	}

	scanner := collector.NewWiFiScanner(collector.WiFiConfig{Interface: cfg.ScanInterface},
		retry.NewRunner(retry.Config{MaxAttempts: 2, InitialDelay: 500 * time.Millisecond}),
		logger.With("component", "collector"))
	scans := collector.NewLoop(scanner, loc, time.Duration(cfg.ScanIntervalS)*time.Second,
		func(n int, accepted bool, err error) {
			if metricsServer == nil {
				return
			}
			if err != nil {
				metricsServer.RecordScanError()
				return
			}
			metricsServer.RecordScan()
		}, logger.With("component", "collector"))

	var wg sync.WaitGroup
	start := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Debug("worker stopped", "worker", name)
		}()
	}

	start("localizer", func() { _ = loc.Run(ctx) })
	start("outbox", func() { box.Run(ctx, server, time.Duration(cfg.BindFlushS)*time.Second) })
	start("collector", func() { _ = scans.Run(ctx) })
	start("housekeeping", func() {
		housekeeping(ctx, cfg, history, box, publisher, st, logger)
	})

	logger.Info("roomfi daemon started successfully")
	<-ctx.Done()
	logger.Info("shutdown requested")
	wg.Wait()
	return nil
}

// housekeeping publishes stats and trims the history and the outbox.
func housekeeping(ctx context.Context, cfg *uci.Config, history *telem.Store, box *outbox.Outbox,
	publisher *mqtt.Client, st *stats.Stats, logger *logx.Logger) {
	statsEvery := time.Duration(cfg.MQTTStatsIntervalS) * time.Second
	if statsEvery <= 0 {
		statsEvery = time.Minute
	}
	statsTicker := time.NewTicker(statsEvery)
	defer statsTicker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			if err := publisher.PublishStats(st.Snapshot()); err != nil {
				logger.Warn("publish stats failed", "error", err)
			}
		case <-cleanup.C:
			history.Cleanup()
			cutoff := time.Now().Add(-time.Duration(cfg.RetentionHours) * time.Hour)
			if n, err := box.Prune(cutoff); err != nil {
				logger.Warn("prune delivered binds failed", "error", err)
			} else if n > 0 {
				logger.Debug("pruned delivered binds", "count", n)
			}
		}
	}
}
