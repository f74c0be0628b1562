// Package audit keeps an append-only trail of lifecycle operations in
// <home>/logs/audit.jsonl. It is fed from the event bus, so every job
// and agent transition lands in the trail regardless of which surface
// triggered it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/telemetry"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	JobID     string `json:"jobId,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu       sync.Mutex
	file     *os.File
	recorded atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of entries recorded since startup.
func Count() int64 {
	return recorded.Load()
}

// Record appends one entry. Detail is redacted before it is persisted.
func Record(action, jobID, detail string) {
	recorded.Add(1)
	detail = telemetry.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		JobID:     jobID,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Attach subscribes to every bus topic and records each event until
// ctx is canceled.
func Attach(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				record(ev)
			}
		}
	}()
}

func record(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.JobEvent:
		detail := p.Status
		if p.Error != "" {
			detail = fmt.Sprintf("%s: %s", p.Status, p.Error)
		}
		Record(ev.Topic, p.JobID, detail)
	case bus.JobProgressEvent:
		Record(ev.Topic, p.JobID, fmt.Sprintf("%d%%", p.Percent))
	case bus.AgentEvent:
		detail := p.WorkerID
		if p.Reason != "" {
			detail = p.Reason
		}
		Record(ev.Topic, "", detail)
	case bus.ScheduleEvent:
		Record(ev.Topic, p.JobID, p.ScheduleID)
	default:
		Record(ev.Topic, "", "")
	}
}
