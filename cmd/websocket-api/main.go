// Package main is the entry point of the websocket-api server: the
// real-time event-distribution service for the energy-monitoring
// platform. It wires the connection registry, the hardware link
// supervisor, the NATS backplane and the HTTP gateway together and
// supervises them until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/config"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/gateway"
	"github.com/electricautomaticchile/Websocket-api/handlers"
	"github.com/electricautomaticchile/Websocket-api/hardware"
	"github.com/electricautomaticchile/Websocket-api/health"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/natsclient"
	"github.com/electricautomaticchile/Websocket-api/pkg/ratelimit"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

const (
	Version = "0.1.0"
	appName = "websocket-api"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	validate := flag.Bool("validate", false, "validate the configuration and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("starting", "config_path", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *metric.MetricsRegistry
	if cfg.MetricsEnabled {
		metrics = metric.NewMetricsRegistry()
	}

	// Backplane is optional; without it there is no cross-instance mirror
	// and no durable snapshot store
	var backplane *natsclient.Client
	var snapshots *natsclient.SnapshotStore
	if cfg.NATS.Enabled {
		backplane, err = natsclient.NewClient(cfg.NATS.URL,
			natsclient.WithClientName(appName),
			natsclient.WithLogger(logger),
			natsclient.WithMetricsRegistry(metrics))
		if err != nil {
			return err
		}
		if err := backplane.Connect(ctx); err != nil {
			logger.Warn("backplane unavailable, continuing without it", "error", err)
			backplane = nil
		} else {
			defer backplane.Close(context.Background())
			snapshots, err = backplane.NewSnapshotStore(ctx)
			if err != nil {
				logger.Warn("snapshot store unavailable", "error", err)
			}
		}
	}

	roomOpts := []registry.Option{
		registry.WithBackplane(backplane),
		registry.WithMetricsRegistry(metrics),
		registry.WithLogger(logger),
	}
	if cfg.Throttle.Enabled {
		roomOpts = append(roomOpts, registry.WithThrottling(cfg.Throttle.ThrottlerConfig,
			event.VoltageUpdate, event.CurrentUpdate, event.PowerUpdate, event.MetricsUpdate))
	}
	rooms := registry.New(roomOpts...)
	rooms.Start(ctx)
	defer rooms.CloseAll()

	supervisor, err := hardware.New(cfg.Hardware, rooms,
		hardware.WithSnapshotStore(snapshots),
		hardware.WithMetricsRegistry(metrics),
		hardware.WithLogger(logger))
	if err != nil {
		return err
	}

	gate, err := auth.NewGate(cfg.Auth, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	limiter.Start(ctx)
	defer limiter.Stop()

	reporter := handlers.NewReporter(rooms, deviceReportGenerator(supervisor),
		cfg.Reports.Workers, cfg.Reports.QueueSize, metrics,
		handlers.WithReporterLogger(logger))

	dispatcher := handlers.New(rooms,
		handlers.WithCommandLink(supervisor),
		handlers.WithDeviceResolver(supervisor.Devices()),
		handlers.WithReporter(reporter),
		handlers.WithMetricsRegistry(metrics),
		handlers.WithLogger(logger))

	wsServer := registry.NewServer(rooms, gate, limiter, dispatcher, metrics, logger)

	checker := health.NewChecker()
	checker.Register("registry", health.RegistryProbe(rooms))
	checker.Register("hardware-link", health.LinkProbe(supervisor))
	checker.Register("link-breaker", health.BreakerProbe("link-breaker", supervisor.Breaker()))
	checker.Register("backplane", health.BackplaneProbe(backplane))

	gw, err := gateway.New(cfg.HTTP, rooms, dispatcher, gate,
		gateway.WithWebsocket(wsServer),
		gateway.WithChecker(checker),
		gateway.WithMetricsRegistry(metrics),
		gateway.WithLogger(logger))
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := reporter.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		return reporter.Stop(cfg.ShutdownTimeout)
	})
	group.Go(func() error {
		if err := supervisor.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		return supervisor.Stop(cfg.ShutdownTimeout)
	})
	group.Go(func() error {
		if err := gw.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		return gw.Stop(cfg.ShutdownTimeout)
	})

	logger.Info("serving", "addr", cfg.HTTP.Addr)
	return group.Wait()
}

// deviceReportGenerator summarizes the last-known readings in the
// requester's scope. Heavier analytics belong to an external service
// implementing handlers.ReportGenerator.
func deviceReportGenerator(supervisor *hardware.Supervisor) handlers.ReportGenerator {
	return handlers.GeneratorFunc(func(_ context.Context, job handlers.ReportJob) (map[string]any, error) {
		devices := make([]map[string]any, 0)
		for _, state := range supervisor.Devices().Snapshot() {
			if !jobOwnsDevice(job, state.Ownership.CustomerID, state.Ownership.OrganizationID) {
				continue
			}
			devices = append(devices, map[string]any{
				"deviceId":    state.Ownership.DeviceID,
				"energy":      state.LastReading.Energy,
				"cost":        state.LastReading.Cost,
				"activePower": state.LastReading.ActivePower,
				"lastSeen":    state.LastSeen.UnixMilli(),
			})
		}
		return map[string]any{
			"kind":    job.Request.Kind,
			"devices": devices,
		}, nil
	})
}

func jobOwnsDevice(job handlers.ReportJob, customerID, organizationID string) bool {
	switch job.Claims.Role {
	case auth.RoleOperator:
		return true
	case auth.RoleOrganization:
		return organizationID == job.Claims.OrganizationID
	default:
		return customerID == job.Claims.CustomerID
	}
}
