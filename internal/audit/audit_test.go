package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/bus"
)

func readTrail(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("job.aborted", "job-1", "caller requested abort")
	Record("agent.terminated", "", "max lifetime reached")

	entries := readTrail(t, home)
	if len(entries) < 2 {
		t.Fatalf("expected at least two entries, got %d", len(entries))
	}
	if entries[0]["action"] != "job.aborted" || entries[0]["jobId"] != "job-1" {
		t.Fatalf("unexpected first entry: %#v", entries[0])
	}
	if _, ok := entries[0]["timestamp"]; !ok {
		t.Fatalf("entry missing timestamp: %#v", entries[0])
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("config.updated", "", "api_key=sk-verysecretvalue123456")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "sk-verysecretvalue123456") {
		t.Fatalf("secret leaked into audit trail: %s", raw)
	}
}

func TestTrailIsAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("job.complete", "a", "")
	Record("job.complete", "b", "")

	path := filepath.Join(home, "logs", "audit.jsonl")
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record("job.complete", "c", "")

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	if after.Size() <= before.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", before.Size(), after.Size())
	}
	if entries := readTrail(t, home); len(entries) < 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestAttachRecordsBusEvents(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()
	Attach(ctx, b)

	start := Count()
	b.Publish(bus.TopicJobComplete, bus.JobEvent{JobID: "job-9", Status: "completed", Mode: "local"})
	b.Publish(bus.TopicAgentTerminated, bus.AgentEvent{Reason: "job finished"})

	deadline := time.Now().Add(2 * time.Second)
	for Count() < start+2 {
		if time.Now().After(deadline) {
			t.Fatalf("bus events not recorded, count=%d", Count()-start)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries := readTrail(t, home)
	var found bool
	for _, e := range entries {
		if e["action"] == "job.complete" && e["jobId"] == "job-9" {
			found = true
		}
	}
	if !found {
		t.Fatalf("job.complete entry not found: %#v", entries)
	}
}
