package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/api"
	"github.com/markus-lassfolk/ons/pkg/audit"
	"github.com/markus-lassfolk/ons/pkg/controller"
	"github.com/markus-lassfolk/ons/pkg/decision"
	"github.com/markus-lassfolk/ons/pkg/logx"
	"github.com/markus-lassfolk/ons/pkg/metrics"
	"github.com/markus-lassfolk/ons/pkg/mqtt"
	"github.com/markus-lassfolk/ons/pkg/pidfile"
	"github.com/markus-lassfolk/ons/pkg/platform/sim"
	"github.com/markus-lassfolk/ons/pkg/scan"
	"github.com/markus-lassfolk/ons/pkg/service"
	"github.com/markus-lassfolk/ons/pkg/store"
	"github.com/markus-lassfolk/ons/pkg/telem"
	"github.com/markus-lassfolk/ons/pkg/tracing"
	"github.com/markus-lassfolk/ons/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "/tmp/onsd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	scenario   = flag.String("scenario", "", "Override simulator scenario file")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	dryRun     = flag.Bool("dry-run", false, "Dry run mode - log switches and modem changes without applying them")
	checkOnly  = flag.Bool("check-config", false, "Validate configuration and exit")
)

const (
	AppName    = "onsd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *verbose {
		cfg.LogLevel = "trace"
	}
	if *scenario != "" {
		cfg.Platform.Scenario = *scenario
	}
	if *dryRun {
		cfg.DryRun = true
	}

	if *checkOnly {
		fmt.Printf("configuration %s is valid\n", *configPath)
		return
	}

	logger := logx.NewLoggerWithFile(cfg.LogLevel, AppName, logx.FileOptions{
		Path:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Acquire(); err != nil {
		logger.Error("Failed to acquire PID file", "error", err, "path", *pidPath)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Close()
		os.Exit(1)
	}

	logger.Info("Starting opportunistic network selection daemon",
		"version", AppVersion, "pid", os.Getpid(), "config", *configPath, "dry_run", cfg.DryRun)

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon failed", "error", err)
		cleanup(pidFile, logger)
		os.Exit(1)
	}
	logger.Info("Daemon stopped")
	cleanup(pidFile, logger)
}

// cleanup removes the PID file and flushes the log file. Safe to call twice.
func cleanup(pidFile *pidfile.PIDFile, logger *logx.Logger) {
	if err := pidFile.Release(); err != nil {
		logger.Error("Failed to remove PID file", "error", err, "path", pidFile.Path())
	}
	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to close log file: %v\n", err)
	}
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	platform, err := newPlatform(cfg.Platform, logger)
	if err != nil {
		return err
	}

	// Persistence and event sinks
	state, err := store.Open(cfg.StateDB, logger)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer state.Close()

	history, err := audit.NewHistory(audit.Config{
		DatabasePath:   cfg.HistoryDB,
		RetentionHours: cfg.HistoryRetentionHours,
		PruneSchedule:  cfg.PruneSchedule,
	}, logger.With("subsystem", "audit"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()
	if err := history.StartPruner(); err != nil {
		return err
	}

	events, err := telem.NewStore(cfg.EventBuffer, cfg.HistoryRetentionHours)
	if err != nil {
		return fmt.Errorf("init event buffer: %w", err)
	}

	publisher := mqtt.NewPublisher(&mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
		Retain:      cfg.MQTT.Retain,
		Enabled:     cfg.MQTT.Enabled,
	}, logger.With("subsystem", "mqtt"))
	if err := publisher.Connect(); err != nil {
		logger.Warn("MQTT unavailable, continuing without event publishing", "error", err)
	}
	defer publisher.Close()

	// Selection pipeline
	scanner := scan.NewController(scan.Config{
		Periodicity:          cfg.Scan.Periodicity(),
		MaxSearch:            cfg.Scan.MaxSearch(),
		IncrementalPeriod:    cfg.Scan.IncrementalPeriod(),
		RestartDelay:         cfg.Scan.RestartDelay(),
		DefaultRSRPThreshold: cfg.Scan.RSRPThreshold,
	}, platform, platform, logger.With("subsystem", "scan"), m)
	defer scanner.Close()

	ctrl := controller.NewController(platform, platform, logger.With("subsystem", "controller"), m)

	selector := decision.NewSelector(decision.Config{
		SwitchTimeout: cfg.Scan.SwitchTimeout(),
		TieBreak:      cfg.Scan.TieBreak,
	}, platform, ctrl, scanner, logger.With("subsystem", "selector"), m)
	defer selector.Close()
	scanner.SetListener(selector)
	history.SetPerformance(selector.Performance())
	selector.SetEventSink(pkg.NewMultiSink(events, state, history, publisher))

	svc := service.New(platform, selector, state, logger.With("subsystem", "service"), nil)
	svc.SetDefaultEnabled(cfg.Enable)

	if cfg.DryRun {
		ctrl.SetDryRun(true, svc.OnSubSwitchComplete)
		logger.Info("Dry-run mode enabled: switches and modem changes are only logged")
	}
	ctrl.AddSwitchCallback(func(subID int, err error) error {
		return publisher.PublishStatus(map[string]interface{}{
			"event":  "switch_completed",
			"sub_id": subID,
			"ok":     err == nil,
		})
	})

	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(api.Config{
			Host:            cfg.API.ListenHost,
			Port:            cfg.API.Port,
			AuthKey:         cfg.API.AuthKey,
			ResponseTimeout: time.Duration(cfg.API.ResponseTimeoutS) * time.Second,
		}, svc, events, history, m.Handler(), logger.With("subsystem", "api"))
		server.AddDiagnostics("controller", func() interface{} { return ctrl.GetControllerInfo() })
		server.AddDiagnostics("scan", func() interface{} { return scanner.Status() })
		server.AddDiagnostics("performance", func() interface{} { return selector.Performance().GetAllMetrics() })
		server.AddDiagnostics("events", func() interface{} { return events.GetStats() })
		server.AddDiagnostics("mqtt", func() interface{} {
			sent, dropped := publisher.Stats()
			return map[string]interface{}{"connected": publisher.IsConnected(), "sent": sent, "dropped": dropped}
		})
		if err := server.Start(); err != nil {
			return err
		}
	}

	logger.Info("Daemon running", "api", cfg.API.Enabled, "mqtt", cfg.MQTT.Enabled, "tracing", cfg.Tracing.Enabled)
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown failed", "error", err)
		}
	}
	return nil
}

// newPlatform builds the telephony backend named in the configuration
func newPlatform(cfg uci.PlatformConfig, logger *logx.Logger) (*sim.Platform, error) {
	switch cfg.Backend {
	case "", "sim":
		sc, err := sim.LoadScenario(cfg.Scenario)
		if err != nil {
			return nil, err
		}
		logger.Info("Using simulated telephony platform", "scenario", cfg.Scenario,
			"subscriptions", len(sc.Subscriptions), "phones", sc.PhoneCount)
		return sim.New(sc, logger.With("subsystem", "sim")), nil
	default:
		return nil, errors.New("unsupported platform backend: " + cfg.Backend)
	}
}
