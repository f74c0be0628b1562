package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/wire"
)

func spawnTestWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := Spawn(context.Background(), Config{Runner: Builtins()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

// recv pulls outbound messages until match returns true, failing the
// test after the deadline.
func recv(t *testing.T, w *Worker, match func(wire.Message) bool) wire.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-w.Messages():
			if !ok {
				t.Fatal("worker closed before expected message")
			}
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timeout waiting for worker message")
		}
	}
}

func TestSpawn_RequiresRunner(t *testing.T) {
	if _, err := Spawn(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without runner")
	}
}

func TestHandshake_IDResponse(t *testing.T) {
	w := spawnTestWorker(t)
	if err := w.Send(wire.Message{Type: wire.TypeGetID}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeIDResponse })
	if msg.WorkerID == "" {
		t.Fatal("ID_RESPONSE missing worker identity")
	}

	// A second worker must have a distinct identity.
	w2 := spawnTestWorker(t)
	_ = w2.Send(wire.Message{Type: wire.TypeGetID})
	msg2 := recv(t, w2, func(m wire.Message) bool { return m.Type == wire.TypeIDResponse })
	if msg2.WorkerID == msg.WorkerID {
		t.Fatal("two workers share one identity")
	}
}

func TestPingPong(t *testing.T) {
	w := spawnTestWorker(t)
	_ = w.Send(wire.Message{Type: wire.TypePing})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypePong })
}

func TestJob_FibonacciResult(t *testing.T) {
	w := spawnTestWorker(t)
	_ = w.Send(wire.Message{
		Type:    wire.TypeJob,
		JobID:   "j1",
		Payload: json.RawMessage(`{"type":"fibonacci","n":10}`),
	})
	msg := recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeResult && m.JobID == "j1" })
	var n int
	if err := json.Unmarshal(msg.Payload, &n); err != nil || n != 55 {
		t.Fatalf("fib(10) payload = %s, err %v", msg.Payload, err)
	}
}

func TestJob_UnknownRunnerYieldsError(t *testing.T) {
	w := spawnTestWorker(t)
	_ = w.Send(wire.Message{Type: wire.TypeJob, JobID: "j2", Payload: json.RawMessage(`{"type":"nope"}`)})
	msg := recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeError && m.JobID == "j2" })
	if msg.ErrorMessage() == "" {
		t.Fatal("ERROR should carry a message")
	}
}

func TestJob_SleepEmitsProgress(t *testing.T) {
	w := spawnTestWorker(t)
	_ = w.Send(wire.Message{Type: wire.TypeJob, JobID: "j3", Payload: json.RawMessage(`{"type":"sleep","millis":40}`)})

	sawProgress := false
	recv(t, w, func(m wire.Message) bool {
		if m.Type == wire.TypeProgress && m.JobID == "j3" {
			sawProgress = true
		}
		return m.Type == wire.TypeResult && m.JobID == "j3"
	})
	if !sawProgress {
		t.Fatal("expected at least one PROGRESS before RESULT")
	}
}

func TestConfigThenRemoteJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "sekrit" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req remoteJobRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(rw).Encode(map[string]string{"remoteJob": req.JobID})
	}))
	defer srv.Close()

	w := spawnTestWorker(t)
	cfg, _ := json.Marshal(wire.ConfigPayload{Endpoint: srv.URL, Headers: map[string]string{"X-Api-Key": "sekrit"}})
	_ = w.Send(wire.Message{Type: wire.TypeConfig, Payload: cfg})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeConfigUpdated })

	_ = w.Send(wire.Message{Type: wire.TypeAPIJob, JobID: "r1", Payload: json.RawMessage(`{"kind":"export"}`)})
	msg := recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeResult && m.JobID == "r1" })
	var body map[string]string
	if err := json.Unmarshal(msg.Payload, &body); err != nil || body["remoteJob"] != "r1" {
		t.Fatalf("remote result = %s, err %v", msg.Payload, err)
	}
}

func TestRemoteJob_WithoutEndpointFails(t *testing.T) {
	w := spawnTestWorker(t)
	_ = w.Send(wire.Message{Type: wire.TypeAPIJob, JobID: "r2", Payload: json.RawMessage(`{}`)})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeError && m.JobID == "r2" })
}

func TestPreflightCheck_All(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/jobs" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = rw.Write([]byte(`[{"jobId":"r9","status":"running"}]`))
	}))
	defer srv.Close()

	w := spawnTestWorker(t)
	cfg, _ := json.Marshal(wire.ConfigPayload{Endpoint: srv.URL})
	_ = w.Send(wire.Message{Type: wire.TypeConfig, Payload: cfg})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeConfigUpdated })

	_ = w.Send(wire.Message{Type: wire.TypePreflightCheck, Payload: json.RawMessage(`{"jobId":"all"}`)})
	msg := recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypePreflightResult })
	var list []map[string]string
	if err := json.Unmarshal(msg.Payload, &list); err != nil || len(list) != 1 {
		t.Fatalf("preflight payload = %s, err %v", msg.Payload, err)
	}
}

func TestTerminateRemoteJob(t *testing.T) {
	var gotCancel bool
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/jobs/r5/cancel" {
			gotCancel = true
		}
		_, _ = rw.Write([]byte(`{}`))
	}))
	defer srv.Close()

	w := spawnTestWorker(t)
	cfg, _ := json.Marshal(wire.ConfigPayload{Endpoint: srv.URL})
	_ = w.Send(wire.Message{Type: wire.TypeConfig, Payload: cfg})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeConfigUpdated })

	body, _ := json.Marshal(wire.TerminatePayload{JobID: "r5"})
	_ = w.Send(wire.Message{Type: wire.TypeTerminateRemoteJob, Payload: body})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeTerminateRemoteJob+"_RESULT" })
	if !gotCancel {
		t.Fatal("remote cancel endpoint was not called")
	}
}

func TestClose_SendFailsAndChannelCloses(t *testing.T) {
	w, err := Spawn(context.Background(), Config{Runner: Builtins()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	w.Close()

	if err := w.Send(wire.Message{Type: wire.TypePing}); err != ErrClosed {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
	select {
	case _, ok := <-w.Messages():
		if ok {
			t.Fatal("no message should be delivered after close")
		}
	case <-time.After(time.Second):
		t.Fatal("outbound channel should be closed")
	}
}

func TestPreflightCheck_FailureUsesResultType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "status backend down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := spawnTestWorker(t)
	cfg, _ := json.Marshal(wire.ConfigPayload{Endpoint: srv.URL})
	_ = w.Send(wire.Message{Type: wire.TypeConfig, Payload: cfg})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeConfigUpdated })

	_ = w.Send(wire.Message{Type: wire.TypePreflightCheck, Payload: json.RawMessage(`{"jobId":"r7"}`)})
	msg := recv(t, w, func(m wire.Message) bool {
		if m.Type == wire.TypeError {
			t.Fatal("side-call failure emitted as ERROR")
		}
		return m.Type == wire.TypePreflightResult
	})
	if got := wire.CallFailure(msg.Payload); !strings.Contains(got, "500") {
		t.Fatalf("failure = %q, want the remote 500 detail", got)
	}
}

func TestTerminateRemoteJob_FailureUsesResultType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "cancel backend down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := spawnTestWorker(t)
	cfg, _ := json.Marshal(wire.ConfigPayload{Endpoint: srv.URL})
	_ = w.Send(wire.Message{Type: wire.TypeConfig, Payload: cfg})
	recv(t, w, func(m wire.Message) bool { return m.Type == wire.TypeConfigUpdated })

	body, _ := json.Marshal(wire.TerminatePayload{JobID: "r8"})
	_ = w.Send(wire.Message{Type: wire.TypeTerminateRemoteJob, Payload: body})
	msg := recv(t, w, func(m wire.Message) bool {
		if m.Type == wire.TypeError {
			t.Fatal("side-call failure emitted as ERROR")
		}
		return m.Type == wire.TypeTerminateRemoteJob+"_RESULT"
	})
	if got := wire.CallFailure(msg.Payload); !strings.Contains(got, "cancel backend down") {
		t.Fatalf("failure = %q, want the remote cancel detail", got)
	}
	if msg.JobID != "r8" {
		t.Fatalf("reply jobId = %q, want r8", msg.JobID)
	}
}

func TestTerminateRemoteJob_MissingJobIDUsesResultType(t *testing.T) {
	w := spawnTestWorker(t)
	_ = w.Send(wire.Message{Type: wire.TypeTerminateRemoteJob, Payload: json.RawMessage(`{}`)})
	msg := recv(t, w, func(m wire.Message) bool {
		if m.Type == wire.TypeError {
			t.Fatal("side-call failure emitted as ERROR")
		}
		return m.Type == wire.TypeTerminateRemoteJob+"_RESULT"
	})
	if wire.CallFailure(msg.Payload) == "" {
		t.Fatalf("payload = %s, want a failure marker", msg.Payload)
	}
}
