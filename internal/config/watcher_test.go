package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_EmitsOnWrite(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, home, "log_level: debug\n")

	select {
	case ev := <-w.Events():
		if ev.Path == "" {
			t.Fatal("event missing path")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after config write")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(home+"/scratch.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	home := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
