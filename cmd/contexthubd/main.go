// Package main implements the context hub daemon: it hosts the event loop
// runtime with simulated platform drivers, serves the host bridge socket,
// and exposes the HTTP monitor service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/c360/contexthub/config"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/eventloop"
	"github.com/c360/contexthub/health"
	"github.com/c360/contexthub/hostbridge"
	"github.com/c360/contexthub/hostbridge/protocol"
	"github.com/c360/contexthub/metric"
	"github.com/c360/contexthub/platform/sim"
	"github.com/c360/contexthub/runtime"
	"github.com/c360/contexthub/service"
	"github.com/c360/contexthub/storage"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, debug.Stack())
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to JSON or YAML configuration")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
		validate   = flag.Bool("validate", false, "validate configuration and exit")
	)
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *validate {
		logger.Info("configuration is valid")
		return nil
	}

	metrics := metric.NewRegistry()
	healthMonitor := health.NewMonitor()

	var calStore *storage.CalibrationStore
	if cfg.Storage.CalibrationDBPath != "" {
		calStore, err = storage.Open(cfg.Storage.CalibrationDBPath, logger)
		if err != nil {
			return err
		}
		healthMonitor.UpdateHealthy("storage", "calibration store open")
	}

	// Monitor service first so the loop can feed its websocket tap.
	var monitor *service.Monitor
	loopOpts := []eventloop.Option{
		eventloop.WithEventPool(event.NewPool(cfg.EventLoop.EventPoolSize)),
		eventloop.WithInboundCapacity(cfg.EventLoop.InboundQueueSize),
		eventloop.WithQueueCapacity(cfg.EventLoop.PerAppQueueSize),
		eventloop.WithMetrics(metrics),
	}
	if cfg.Monitor.Enabled {
		monitor = service.NewMonitor(cfg.Monitor.Addr, healthMonitor, metrics, logger)
		loopOpts = append(loopOpts, eventloop.WithEventObserver(monitor.ObserveEvent))
	}

	sensorDriver := sim.NewSensorDriver(logger)
	wifiDriver := sim.NewWifiDriver(10*time.Millisecond, logger)

	rtOpts := []runtime.Option{runtime.WithLogger(logger)}
	if calStore != nil {
		rtOpts = append(rtOpts, runtime.WithCalibrationStore(calStore))
	}
	rt, err := runtime.New(sensorDriver, wifiDriver, loopOpts, rtOpts...)
	if err != nil {
		return err
	}
	wifiDriver.Bind(rt.Wifi())

	// Host bridge: socket server plus the runtime-side comms manager. The
	// server's message callback closes over the manager assigned below.
	var hostManager *hostbridge.Manager
	server := hostbridge.NewServer(func(clientID uint16, msg protocol.Message) {
		hostManager.HandleClientMessage(clientID, msg)
	}, logger)
	hostManager = hostbridge.NewManager(rt.Loop(), server, hubInfoFromConfig(cfg), logger)
	rt.SetHostManager(hostManager)

	if err := server.Listen(cfg.Socket.Path()); err != nil {
		return err
	}
	defer os.Remove(cfg.Socket.Path())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go hostManager.Run(ctx)
	rt.Start()
	healthMonitor.UpdateHealthy("eventloop", "running")
	healthMonitor.UpdateHealthy("hostbridge", "listening")

	if monitor != nil {
		if err := monitor.Start(); err != nil {
			return err
		}
	}

	logger.Info("context hub daemon started",
		"socket", cfg.Socket.Path(), "hub", cfg.Hub.Name)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("socket server failed", "error", err)
		}
	}

	// Ordered shutdown: stop accepting host traffic, drain the loop, then
	// the observability surface.
	server.Close()
	sensorDriver.Stop()
	if err := rt.Stop(5 * time.Second); err != nil {
		logger.Error("runtime drain failed", "error", err)
	}
	if monitor != nil {
		if err := monitor.Stop(2 * time.Second); err != nil {
			logger.Error("monitor stop failed", "error", err)
		}
	}

	logger.Info("context hub daemon exiting")
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func hubInfoFromConfig(cfg *config.Config) protocol.HubInfoResponse {
	return protocol.HubInfoResponse{
		Name:                   cfg.Hub.Name,
		Vendor:                 cfg.Hub.Vendor,
		Toolchain:              cfg.Hub.Toolchain,
		LegacyPlatformVersion:  cfg.Hub.LegacyPlatformVersion,
		LegacyToolchainVersion: cfg.Hub.LegacyToolchainVersion,
		PeakMips:               cfg.Hub.PeakMips,
		StoppedPowerMw:         cfg.Hub.StoppedPowerMw,
		SleepPowerMw:           cfg.Hub.SleepPowerMw,
		PeakPowerMw:            cfg.Hub.PeakPowerMw,
		MaxMessageLen:          protocol.MaxMessageLen,
		PlatformID:             cfg.Hub.PlatformID,
		Version:                cfg.Hub.Version,
	}
}
