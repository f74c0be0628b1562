package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basket/go-dispatch/internal/wire"
)

// maxRemoteBody bounds how much of a remote reply is read.
const maxRemoteBody = 1 << 20

// remoteJobRequest is the body POSTed to the remote jobs endpoint.
type remoteJobRequest struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// runRemoteJob proxies an API_JOB to the configured remote endpoint.
// The reply becomes RESULT or ERROR for the same jobId; the caller's
// hard timeout, not this method, guards against a stuck link.
func (w *Worker) runRemoteJob(msg wire.Message) {
	cfg := w.remoteConfig()
	if cfg.Endpoint == "" {
		w.emit(wire.NewError(msg.JobID, "remote endpoint not configured"))
		return
	}

	body, err := json.Marshal(remoteJobRequest{JobID: msg.JobID, Payload: msg.Payload})
	if err != nil {
		w.emit(wire.NewError(msg.JobID, "encode remote job: "+err.Error()))
		return
	}

	resp, err := w.remoteDo(http.MethodPost, cfg, "/jobs", bytes.NewReader(body))
	if err != nil {
		w.emit(wire.NewError(msg.JobID, err.Error()))
		return
	}
	w.emit(wire.Message{Type: wire.TypeResult, JobID: msg.JobID, Payload: resp})
}

// terminateRemoteJob proxies a cooperative cancellation to the remote
// system. Replies always use the suffix-matched result type, failures
// included: a bare ERROR carrying this jobId would be claimed by a
// concurrently running job's waiter.
func (w *Worker) terminateRemoteJob(msg wire.Message) {
	reply := wire.TypeTerminateRemoteJob + "_RESULT"
	var target wire.TerminatePayload
	if err := unmarshalPayload(msg.Payload, &target); err != nil || target.JobID == "" {
		w.emitCallFailure(reply, "", "TERMINATE_REMOTE_JOB requires a jobId")
		return
	}
	cfg := w.remoteConfig()
	if cfg.Endpoint == "" {
		w.emitCallFailure(reply, target.JobID, "remote endpoint not configured")
		return
	}
	if _, err := w.remoteDo(http.MethodPost, cfg, "/jobs/"+target.JobID+"/cancel", nil); err != nil {
		w.emitCallFailure(reply, target.JobID, err.Error())
		return
	}
	ok, _ := json.Marshal(map[string]bool{"ok": true})
	w.emit(wire.Message{Type: reply, JobID: target.JobID, Payload: ok})
}

// preflightCheck asks the remote system for job status. An empty or
// "all" target lists every remote job; otherwise one jobId is queried.
func (w *Worker) preflightCheck(msg wire.Message) {
	var target wire.TerminatePayload
	_ = unmarshalPayload(msg.Payload, &target)

	cfg := w.remoteConfig()
	if cfg.Endpoint == "" {
		w.emitCallFailure(wire.TypePreflightResult, target.JobID, "remote endpoint not configured")
		return
	}

	path := "/jobs"
	if target.JobID != "" && target.JobID != "all" {
		path = "/jobs/" + target.JobID
	}
	resp, err := w.remoteDo(http.MethodGet, cfg, path, nil)
	if err != nil {
		w.emitCallFailure(wire.TypePreflightResult, target.JobID, err.Error())
		return
	}
	w.emit(wire.Message{Type: wire.TypePreflightResult, JobID: target.JobID, Payload: resp})
}

// emitCallFailure reports a failed side call on its own correlated
// reply type. Only JOB and API_JOB handlers may emit ERROR frames.
func (w *Worker) emitCallFailure(replyType, jobID, detail string) {
	payload, _ := json.Marshal(wire.CallStatus{OK: new(bool), Error: detail})
	w.emit(wire.Message{Type: replyType, JobID: jobID, Payload: payload})
}

func (w *Worker) remoteDo(method string, cfg wire.ConfigPayload, path string, body io.Reader) (json.RawMessage, error) {
	url := strings.TrimRight(cfg.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(w.ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, fmt.Errorf("read remote reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	if !json.Valid(data) {
		return nil, errors.New("remote reply is not valid JSON")
	}
	return data, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}
