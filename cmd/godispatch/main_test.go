package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/executor"
	"github.com/basket/go-dispatch/internal/worker"
)

func TestParseSubmitArgs(t *testing.T) {
	opts, err := parseSubmitArgs([]string{"-mode", "remote", "-timeout", "5s", "-retries", "0", `{"type":"noop"}`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.mode != "remote" {
		t.Errorf("mode = %q", opts.mode)
	}
	if opts.timeout != 5*time.Second {
		t.Errorf("timeout = %v", opts.timeout)
	}
	if opts.retries != 0 {
		t.Errorf("retries = %d", opts.retries)
	}
	if string(opts.payload) != `{"type":"noop"}` {
		t.Errorf("payload = %s", opts.payload)
	}
}

func TestParseSubmitArgs_Rejects(t *testing.T) {
	cases := [][]string{
		{},                               // no payload
		{`{"a":1}`, "extra"},             // too many args
		{`{not json`},                    // malformed payload
		{"-mode", "sideways", `{"a":1}`}, // unknown mode
	}
	for _, args := range cases {
		if _, err := parseSubmitArgs(args); err == nil {
			t.Errorf("parseSubmitArgs(%v) accepted", args)
		}
	}
}

func TestRunSetEndpointCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GODISPATCH_HOME", home)

	if code := runSetEndpointCommand([]string{"https://worker.example.com"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "https://worker.example.com") {
		t.Errorf("config.yaml missing endpoint:\n%s", data)
	}
}

func TestRunSetEndpointCommand_RejectsBadArgs(t *testing.T) {
	if code := runSetEndpointCommand(nil); code != 2 {
		t.Errorf("no args: code = %d", code)
	}
	if code := runSetEndpointCommand([]string{"ftp://nope"}); code != 2 {
		t.Errorf("bad scheme: code = %d", code)
	}
}

func TestReloadLoop_RefreshesHealthFingerprint(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GODISPATCH_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := config.Save(home, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := agent.NewManager(agent.Config{
		Spawn: func(context.Context) (*worker.Worker, error) {
			return worker.Spawn(context.Background(), worker.Config{Runner: worker.Builtins()})
		},
		Logger: logger,
	})
	eng, err := executor.New(executor.Config{Manager: manager, Logger: logger})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	defer eng.Shutdown("test done")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher := config.NewWatcher(home, logger)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())
	before := fingerprint.Load().(string)
	go reloadLoop(ctx, cfg, watcher, eng, &fingerprint, logger)

	// The endpoint edit changes the fingerprint; /healthz readers see
	// the new value through the shared atomic.
	if err := config.SetRemoteEndpoint(home, "https://worker.example.com"); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fingerprint.Load().(string) == before {
		if time.Now().After(deadline) {
			t.Fatal("fingerprint not refreshed after config change")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
