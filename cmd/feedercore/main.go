// Package main implements the entry point for the feeder core, the
// background service that correlates pet-feeder telemetry from the bus,
// tracks dispensation sessions, and raises threshold alerts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/alert"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/config"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/device"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/metric"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/session"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/supervisor"
	"github.com/SoraidaMedina/ProyectoIoT-sub000/telemetry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "feedercore"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printUsage()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting feeder core",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := metric.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(cfg, metrics, logger)
	if err != nil {
		return err
	}
	if err := sup.Connect(ctx); err != nil {
		return err
	}

	devices := device.NewStore(sup.Devices(), device.Settings{
		TargetGrams: cfg.Feeder.DeviceTargetGrams,
		LowLevel:    cfg.Feeder.DeviceLowLevel,
		Capacity:    cfg.Feeder.DeviceCapacity,
	}, logger.With("component", "device-store"))

	resolver := device.NewResolver(devices, logger)
	resolver.Seed(ctx)

	alertStore := alert.NewStore(sup.Alerts(), logger.With("component", "alert-store"))
	emitter := alert.NewEmitter(alertStore, alert.Thresholds{
		HighTemperature: cfg.Feeder.HighTemperature,
		LowBattery:      float64(cfg.Feeder.LowBattery),
	}, cfg.Feeder.AlertCooldown.Std(), metrics, logger.With("component", "alert-emitter"))

	sessions := session.NewStore(sup.Sessions(), logger.With("component", "session-store"))
	machine := session.NewMachine(sessions, devices, emitter, session.Policy{
		CompletionDelta: cfg.Feeder.CompletionDelta,
		Timeout:         cfg.Feeder.SessionTimeout.Std(),
		SweepInterval:   cfg.Feeder.SweepInterval.Std(),
	}, metrics, logger.With("component", "session-machine"))

	pipeline := telemetry.NewPipeline(resolver, devices, machine, emitter,
		sup.StoreReady, cfg.Subjects.Root, metrics, logger.With("component", "pipeline"))

	// Subscriptions do not survive a NATS reconnect, so re-attach on
	// every (re)connection. The Unsubscribe call makes the race between
	// the first connect and callback registration harmless.
	resubscribe := func() {
		sup.Bus().Unsubscribe()
		if err := pipeline.Subscribe(ctx, sup.Bus()); err != nil {
			logger.Error("could not subscribe to telemetry", "error", err)
		}
	}
	sup.OnBusReconnect(resubscribe)
	if sup.BusReady() {
		resubscribe()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := machine.RunSweeper(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return runMetricsServer(groupCtx, cfg.Metrics.Addr, registry, logger)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	err = group.Wait()
	shutdown(cfg, sup, resolver, devices, emitter, logger)
	return err
}

// shutdown flushes a best-effort disconnect marker and closes both
// transports, never blocking past the grace timer.
func shutdown(cfg *config.Config, sup *supervisor.Supervisor, resolver *device.Resolver, devices *device.Store, emitter *alert.Emitter, logger *slog.Logger) {
	logger.Info("shutting down", "grace", cfg.Feeder.ShutdownGrace)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Feeder.ShutdownGrace.Std())
	defer cancel()

	if mac := resolver.LastAnnounced(); mac != "" && sup.StoreReady() {
		if err := devices.SetConnected(ctx, mac, false); err != nil {
			logger.Warn("could not flush disconnect marker", "mac", mac, "error", err)
		}
		emitter.ConnectivityChanged(ctx, mac, false)
	}

	if err := sup.Close(ctx); err != nil {
		logger.Warn("transport close reported errors", "error", err)
	}
	logger.Info("shutdown complete")
}

func runMetricsServer(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
