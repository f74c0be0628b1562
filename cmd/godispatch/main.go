// godispatch runs the job execution engine: one long-lived background
// agent, durable job state, cron schedules and an HTTP/WebSocket
// gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/audit"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/cron"
	"github.com/basket/go-dispatch/internal/executor"
	"github.com/basket/go-dispatch/internal/gateway"
	otelx "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/telemetry"
	"github.com/basket/go-dispatch/internal/wire"
	"github.com/basket/go-dispatch/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the engine with gateway and scheduler

SUBCOMMANDS:
  %s submit [options] <json>  Run one job in-process and print the result
                              <json> may be @file to read the payload from disk
                              Options: -mode local|remote, -timeout, -retries
  %s status                   Query a running daemon's /healthz
  %s doctor                   Run environment diagnostics
  %s set-endpoint <url>       Write the remote endpoint into config.yaml

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GODISPATCH_HOME             Data directory (default: ~/.godispatch)
  GODISPATCH_REMOTE_ENDPOINT  Override remote.endpoint
  GODISPATCH_AUTH_TOKEN       Override gateway.auth_token
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx))
		case "doctor":
			os.Exit(runDoctorCommand(ctx))
		case "set-endpoint":
			os.Exit(runSetEndpointCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)
	if cfg.FirstRun {
		if err := config.Save(cfg.HomeDir, cfg); err != nil {
			logger.Warn("could not write initial config.yaml", "error", err)
		} else {
			logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		}
	}

	otelProvider, err := otelx.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
		return 1
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit trail unavailable", "error", err)
	}
	defer audit.Close()

	eventBus := bus.New()
	audit.Attach(ctx, eventBus)
	audit.Record("daemon.start", "", Version)
	defer audit.Record("daemon.stop", "", "")

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "godispatch.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
		return 1
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eng, err := buildEngine(ctx, cfg, store, eventBus, metrics, otelProvider, logger)
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
		return 1
	}
	defer eng.Shutdown("daemon exit")

	recovered, err := eng.RecoverInterruptedJobs(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
		return 1
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "interrupted", len(recovered))

	for _, sched := range cfg.Schedules {
		mode := persistence.ModeLocal
		if sched.Mode == string(persistence.ModeRemote) {
			mode = persistence.ModeRemote
		}
		if err := store.EnsureSchedule(ctx, sched.ID, sched.Cron, mode, json.RawMessage(sched.Payload), sched.Enabled); err != nil {
			logger.Error("could not register schedule", "scheduleId", sched.ID, "error", err)
		}
	}

	cronSched := cron.NewScheduler(cron.Config{
		Store:  store,
		Engine: eng,
		Bus:    eventBus,
		Logger: logger,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go reloadLoop(ctx, cfg, watcher, eng, &fingerprint, logger)
	}

	gw := gateway.New(gateway.Config{
		Engine:       eng,
		Store:        store,
		Bus:          eventBus,
		AuthToken:    cfg.Gateway.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		Fingerprint: func() string {
			s, _ := fingerprint.Load().(string)
			return s
		},
		Logger: logger,
	})

	if cfg.Gateway.Enabled {
		logger.Info("startup phase", "phase", "gateway_starting", "addr", cfg.Gateway.BindAddr)
		if err := gw.Start(ctx, cfg.Gateway.BindAddr); err != nil {
			fatalStartup(logger, "E_GATEWAY", err)
			return 1
		}
	} else {
		logger.Info("gateway disabled, running headless")
		<-ctx.Done()
	}

	logger.Info("shutdown complete")
	return 0
}

// buildEngine assembles manager, validator and executor from config.
func buildEngine(ctx context.Context, cfg config.Config, store *persistence.Store, eventBus *bus.Bus, metrics *otelx.Metrics, provider *otelx.Provider, logger *slog.Logger) (*executor.Engine, error) {
	spawn := func(context.Context) (*worker.Worker, error) {
		// Agents outlive the dispatch that triggered their creation,
		// so they are bound to the daemon context.
		return worker.Spawn(ctx, worker.Config{
			Runner:     worker.Builtins(),
			QueueDepth: cfg.Agent.QueueDepth,
			Logger:     logger,
		})
	}
	manager := agent.NewManager(agent.Config{
		Spawn:             spawn,
		Bus:               eventBus,
		MaxLifetime:       cfg.Agent.MaxLifetime(),
		HandshakeTimeout:  cfg.Agent.HandshakeTimeout(),
		TerminateAfterJob: cfg.Agent.TerminateAfterJob,
		Logger:            logger,
	})

	var validator *executor.PayloadValidator
	if cfg.Jobs.PayloadSchema != "" {
		schemaPath := cfg.Jobs.PayloadSchema
		if !filepath.IsAbs(schemaPath) {
			schemaPath = filepath.Join(cfg.HomeDir, schemaPath)
		}
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("read payload schema: %w", err)
		}
		validator, err = executor.NewPayloadValidator(data)
		if err != nil {
			return nil, err
		}
		logger.Info("payload schema loaded", "path", schemaPath)
	}

	return executor.New(executor.Config{
		Manager: manager,
		Store:   store,
		Bus:     eventBus,
		Defaults: executor.Defaults{
			Timeout:     cfg.Jobs.Timeout(),
			Retries:     cfg.Jobs.Retries,
			RetryDelay:  cfg.Jobs.RetryDelay(),
			SettleDelay: cfg.Remote.SettleDelay(),
		},
		RemoteConfig: wire.ConfigPayload{
			Endpoint: cfg.Remote.Endpoint,
			Headers:  cfg.Remote.Headers,
		},
		Validator: validator,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    provider.Tracer,
	})
}

// reloadLoop applies runtime-safe settings on config file changes. The
// fingerprint it maintains is the one /healthz reports.
func reloadLoop(ctx context.Context, current config.Config, watcher *config.Watcher, eng *executor.Engine, fingerprint *atomic.Value, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			nf := next.Fingerprint()
			if prev, _ := fingerprint.Load().(string); nf == prev {
				continue
			}
			eng.SetDefaults(executor.Defaults{
				Timeout:     next.Jobs.Timeout(),
				Retries:     next.Jobs.Retries,
				RetryDelay:  next.Jobs.RetryDelay(),
				SettleDelay: next.Remote.SettleDelay(),
			})
			eng.UpdateRemoteConfig(wire.ConfigPayload{
				Endpoint: next.Remote.Endpoint,
				Headers:  next.Remote.Headers,
			})
			eng.SetTerminateAfterJob(next.Agent.TerminateAfterJob)
			fingerprint.Store(nf)
			logger.Info("config reloaded", "fingerprint", nf)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"godispatch","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
}
