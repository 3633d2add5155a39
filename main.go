// ABOUTME: Entry point for the capture monitor
// ABOUTME: Loads configuration, wires transport, playback and meters, and runs the TUI or headless loop
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/capture-monitor/internal/app"
	"github.com/harperreed/capture-monitor/internal/client"
	"github.com/harperreed/capture-monitor/internal/config"
	"github.com/harperreed/capture-monitor/internal/control"
	"github.com/harperreed/capture-monitor/internal/discovery"
	"github.com/harperreed/capture-monitor/internal/logging"
	"github.com/harperreed/capture-monitor/internal/meter"
	"github.com/harperreed/capture-monitor/internal/metrics"
	"github.com/harperreed/capture-monitor/internal/player"
	"github.com/harperreed/capture-monitor/internal/session"
	"github.com/harperreed/capture-monitor/internal/ui"
	"github.com/harperreed/capture-monitor/internal/version"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "capture-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	src, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if src.ShowVersion() {
		fmt.Println(version.String())
		return nil
	}

	if path := src.WriteConfigPath(); path != "" {
		return writeConfig(path)
	}

	cfg, err := src.Config()
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.Logging.Level)
	logger, err := logging.New(logging.Config{
		Level:  level,
		File:   cfg.Logging.File,
		Stdout: !cfg.UI.TUI,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	logger.Info("Starting", slog.String("version", version.String()), slog.String("config", src.File()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	if cfg.Metrics.Addr != "" {
		go m.Serve(ctx, cfg.Metrics.Addr, logger.Logger)
		advertise(cfg.Metrics.Addr, logger.Logger)
	}

	serverAddr, wsPath, err := resolveServer(ctx, cfg.Server, logger.Logger)
	if err != nil {
		return err
	}

	transport := client.NewClient(client.Config{
		ServerAddr:     serverAddr,
		TLS:            cfg.Server.TLS,
		Path:           wsPath,
		ClientID:       uuid.New().String(),
		ReconnectDelay: cfg.Server.ReconnectDelay,
	}, logger.Logger, m)

	sink, err := player.NewSink(cfg.Audio.Backend, time.Duration(cfg.Audio.BufferMs)*time.Millisecond, logger.Logger)
	if err != nil {
		return err
	}

	scheduler := player.NewScheduler(sink, player.Config{
		SampleRate:    player.SampleRate,
		LatencyBuffer: cfg.Audio.LatencyBuffer,
		MaxLead:       cfg.Audio.MaxLead,
	}, logger.Logger, m)
	defer func() { _ = scheduler.Close() }()
	scheduler.SetVolume(cfg.Audio.Volume)

	meters := meter.NewEngine(cfg.Meter.Decay)
	store := session.NewStore()
	ctrl := control.NewClient(serverAddr, cfg.Server.TLS, cfg.Server.ControlTimeout)

	var observer *ui.Observer
	if cfg.UI.TUI {
		observer = ui.NewObserver()
	}

	monitor := app.New(app.Config{
		ServerAddr:     serverAddr,
		MeterFPS:       cfg.Meter.FPS,
		ControlTimeout: cfg.Server.ControlTimeout,
		AutoMonitor:    !cfg.UI.TUI,
	}, transport, ctrl, scheduler, meters, store, observerOrNil(observer), logger.Logger, m)

	src.Watch(logger.Logger, cfg, func(prev, next *config.Config) {
		applyReload(prev, next, logger, monitor)
	})

	go func() {
		if err := transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Transport stopped", slog.String("error", err.Error()))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = monitor.Run(ctx)
	}()

	if observer != nil {
		program := ui.NewProgram(monitor)
		go observer.Run(ctx, program)
		go func() {
			<-ctx.Done()
			program.Quit()
		}()

		if _, err := program.Run(); err != nil {
			logger.Error("TUI failed", slog.String("error", err.Error()))
		}
		logger.Info("Received quit from TUI")
	} else {
		monitor.RefreshStatus()
		monitor.RefreshDevices()
		<-ctx.Done()
		logger.Info("Shutdown signal received")
	}

	stop()
	<-done
	logger.Info("Monitor stopped")
	return nil
}

// applyReload applies the live-tunable settings that changed in the file.
// Unchanged values are left alone so TUI adjustments survive unrelated edits.
func applyReload(prev, next *config.Config, logger *logging.Logger, monitor interface{ SetVolume(int) }) {
	if next.Logging.Level != prev.Logging.Level {
		if lvl, err := config.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		}
	}
	if next.Audio.Volume != prev.Audio.Volume {
		monitor.SetVolume(next.Audio.Volume)
	}
}

// observerOrNil keeps a nil *ui.Observer from becoming a non-nil interface
func observerOrNil(o *ui.Observer) app.Observer {
	if o == nil {
		return nil
	}
	return o
}

// resolveServer returns the configured address and path, or discovers
// them via mDNS
func resolveServer(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (string, string, error) {
	if cfg.Addr != "" {
		return cfg.Addr, cfg.Path, nil
	}
	if !cfg.Discover {
		return "", "", client.ErrNoServer
	}

	logger.Info("Starting server discovery", slog.Duration("timeout", cfg.DiscoverTimeout))
	disc := discovery.NewManager(discovery.Config{}, logger)
	server, err := disc.Find(ctx, cfg.DiscoverTimeout)
	if err != nil {
		return "", "", fmt.Errorf("server discovery failed: %w", err)
	}

	path := server.ResolvePath(cfg.Path, client.DefaultPath)
	logger.Info("Using discovered server",
		slog.String("name", server.Name),
		slog.String("addr", server.Addr()),
		slog.String("path", path))
	return server.Addr(), path, nil
}

// advertise announces the metrics endpoint so scrapers can find this monitor
func advertise(addr string, logger *slog.Logger) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Warn("Not advertising metrics", slog.String("addr", addr), slog.String("error", err.Error()))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		logger.Warn("Not advertising metrics", slog.String("addr", addr))
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	disc := discovery.NewManager(discovery.Config{
		ServiceName: hostname + "-capture-monitor",
		Port:        port,
	}, logger)
	if err := disc.Advertise(); err != nil {
		logger.Warn("mDNS advertise failed", slog.String("error", err.Error()))
	}
}

func writeConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := config.WriteDefault(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
