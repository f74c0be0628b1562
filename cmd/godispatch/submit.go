package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/executor"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/telemetry"
	"github.com/basket/go-dispatch/internal/wire"
	"github.com/basket/go-dispatch/internal/worker"
)

// submitOptions are the parsed arguments of the submit subcommand.
type submitOptions struct {
	mode    string
	timeout time.Duration
	retries int
	persist bool
	payload json.RawMessage
}

func parseSubmitArgs(args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	opts := submitOptions{}
	fs.StringVar(&opts.mode, "mode", "local", "execution mode: local or remote")
	fs.DurationVar(&opts.timeout, "timeout", 0, "per-attempt timeout (default from config)")
	fs.IntVar(&opts.retries, "retries", -1, "retry count (default from config)")
	fs.BoolVar(&opts.persist, "persist", true, "write the job to the durable store")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		return opts, errors.New("submit requires exactly one JSON payload argument")
	}
	raw := []byte(fs.Arg(0))
	if strings.HasPrefix(fs.Arg(0), "@") {
		data, err := os.ReadFile(fs.Arg(0)[1:])
		if err != nil {
			return opts, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return opts, errors.New("payload is not valid JSON")
	}
	if opts.mode != string(persistence.ModeLocal) && opts.mode != string(persistence.ModeRemote) {
		return opts, fmt.Errorf("invalid mode %q", opts.mode)
	}
	opts.payload = raw
	return opts, nil
}

// runSubmitCommand executes one job in-process and prints the Result
// as JSON. It uses the same engine wiring as the daemon, minus
// gateway and scheduler.
func runSubmitCommand(ctx context.Context, args []string) int {
	opts, err := parseSubmitArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return 1
	}
	defer closer.Close()

	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "godispatch.db"), eventBus)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		return 1
	}
	defer store.Close()

	manager := agent.NewManager(agent.Config{
		Spawn: func(context.Context) (*worker.Worker, error) {
			return worker.Spawn(ctx, worker.Config{
				Runner:     worker.Builtins(),
				QueueDepth: cfg.Agent.QueueDepth,
				Logger:     logger,
			})
		},
		Bus:              eventBus,
		HandshakeTimeout: cfg.Agent.HandshakeTimeout(),
		Logger:           logger,
	})
	eng, err := executor.New(executor.Config{
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
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "build engine:", err)
		return 1
	}
	defer eng.Shutdown("submit done")

	res := eng.ExecuteJob(ctx, executor.Options{
		Mode:         persistence.JobMode(opts.mode),
		Payload:      opts.payload,
		Timeout:      opts.timeout,
		Retries:      opts.retries,
		PersistState: opts.persist,
	})

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if res.Status != persistence.JobCompleted {
		return 1
	}
	return 0
}
