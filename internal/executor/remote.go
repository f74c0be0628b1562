package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/bus"
	otelx "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/wire"
)

const (
	remoteConfigTimeout = 2 * time.Second
	remoteQueryTimeout  = 10 * time.Second
)

// remoteExecutor proxies jobs through the agent to an external API.
// Its retry policy assumes the agent itself may be the problem: a
// failed attempt terminates the agent and a fresh one is created for
// the next attempt after a settle delay.
type remoteExecutor struct {
	*env

	mu     sync.RWMutex
	config wire.ConfigPayload
}

func (r *remoteExecutor) setConfig(cfg wire.ConfigPayload) {
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
}

func (r *remoteExecutor) configPayload() (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.config.Endpoint == "" {
		return nil, errors.New("remote endpoint is not configured")
	}
	return json.Marshal(r.config)
}

// assertConfig pushes the remote endpoint to the agent. Retried
// attempts may be talking to a brand-new agent that never saw the
// config, so this runs at the top of every attempt. Failure to confirm
// is logged and tolerated; the dispatch itself will surface a real
// problem.
func (r *remoteExecutor) assertConfig(ctx context.Context, h *agent.Handle, payload json.RawMessage, jobID string) {
	_, ok := h.SendAndAwait(ctx, wire.Message{Type: wire.TypeConfig, Payload: payload}, remoteConfigTimeout)
	if !ok {
		r.logger.Warn("remote config not confirmed by agent", "jobId", jobID)
	}
}

func (r *remoteExecutor) run(ctx context.Context, opts Options) Result {
	jobID := opts.JobID
	start := time.Now()

	cfgPayload, cfgErr := r.configPayload()
	if cfgErr != nil {
		return Result{JobID: jobID, Status: persistence.JobFailed,
			Err: &JobError{ErrInvalidPayload, cfgErr.Error()}}
	}

	abort, err := r.aborts.register(jobID)
	if err != nil {
		return Result{JobID: jobID, Status: persistence.JobFailed,
			Err: &JobError{ErrDuplicateJob, err.Error()}}
	}
	defer r.aborts.resolve(jobID)

	if r.metrics != nil {
		r.metrics.ActiveJobs.Add(ctx, 1)
		defer r.metrics.ActiveJobs.Add(ctx, -1)
	}

	rec := persistence.JobRecord{
		JobID:     jobID,
		Status:    persistence.JobPending,
		Mode:      persistence.ModeRemote,
		Payload:   opts.Payload,
		Metadata:  opts.Metadata,
		StartTime: start,
	}
	r.persist(ctx, opts, rec)

	var lastErr *JobError
	attempts := 0
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		attempts++
		actx, span := otelx.StartSpan(ctx, r.tracer, "job.remote.attempt",
			otelx.AttrJobID.String(jobID),
			otelx.AttrJobMode.String(string(persistence.ModeRemote)),
			otelx.AttrAttempt.Int(attempt+1),
		)

		h, aerr := r.manager.EnsureForDispatch(actx)
		if aerr != nil {
			lastErr = &JobError{ErrAgentCreation, aerr.Error()}
			r.countAttempt(actx, span, persistence.ModeRemote, attemptOutcome{err: lastErr})
			span.End()
			if attempt < opts.Retries && !sleepOrAbort(ctx, opts.RetryDelay, abort) {
				lastErr = &JobError{ErrAborted, "aborted by caller"}
				break
			}
			continue
		}

		r.assertConfig(actx, h, cfgPayload, jobID)

		rec.Status = persistence.JobRunning
		r.persist(actx, opts, rec)

		msg := wire.Message{Type: wire.TypeAPIJob, JobID: jobID, Payload: opts.Payload, Debug: opts.Debug}
		out := r.awaitReply(actx, h, msg, opts.Timeout, abort, func(p wire.ProgressPayload) {
			r.reportProgress(actx, opts, &rec, p)
		})
		r.countAttempt(actx, span, persistence.ModeRemote, out)
		span.End()

		if out.err == nil {
			return r.finish(ctx, opts, &rec, start, attempts, persistence.JobCompleted, out.data, nil)
		}
		lastErr = out.err
		if out.err.Category == ErrAborted {
			break
		}
		r.logger.Warn("remote attempt failed, recycling agent",
			"jobId", jobID, "attempt", attempt+1, "category", out.err.Category, "error", out.err.Message)
		r.manager.Terminate("remote attempt failed")
		if r.metrics != nil {
			r.metrics.AgentRestarts.Add(ctx, 1)
		}
		if attempt < opts.Retries && !sleepOrAbort(ctx, r.defaults.SettleDelay+opts.RetryDelay, abort) {
			lastErr = &JobError{ErrAborted, "aborted by caller"}
			break
		}
	}

	status := persistence.JobFailed
	if lastErr != nil && lastErr.Category == ErrAborted {
		status = persistence.JobAborted
	}
	return r.finish(ctx, opts, &rec, start, attempts, status, nil, lastErr)
}

// RemoteStatus is one entry of a merged status view.
type RemoteStatus struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Source string          `json:"source"` // "remote" or "local"
	Raw    json.RawMessage `json:"raw,omitempty"`
}

type remoteStatusEntry struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// queryStatus asks the agent to proxy a status query against the
// remote API and merges the answer with locally durable pending or
// running remote jobs. The remote view wins on conflicts. target
// narrows the query to one job; empty means all.
func (r *remoteExecutor) queryStatus(ctx context.Context, target string) ([]RemoteStatus, error) {
	h, err := r.manager.EnsureForDispatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("query remote status: %w", err)
	}
	if cfg, cerr := r.configPayload(); cerr == nil {
		r.assertConfig(ctx, h, cfg, target)
	}

	body, _ := json.Marshal(map[string]string{"jobId": target})
	reply, ok := h.SendAndAwait(ctx, wire.Message{Type: wire.TypePreflightCheck, Payload: body}, remoteQueryTimeout)
	if !ok {
		return nil, errors.New("remote status query timed out")
	}
	if msg := wire.CallFailure(reply.Payload); msg != "" {
		return nil, errors.New("remote status query failed: " + msg)
	}

	merged := make([]RemoteStatus, 0, 8)
	seen := make(map[string]struct{})
	for _, raw := range splitStatusList(reply.Payload) {
		var entry remoteStatusEntry
		if jerr := json.Unmarshal(raw, &entry); jerr != nil || entry.JobID == "" {
			continue
		}
		merged = append(merged, RemoteStatus{JobID: entry.JobID, Status: entry.Status, Source: "remote", Raw: raw})
		seen[entry.JobID] = struct{}{}
	}

	if r.store != nil {
		local, lerr := r.store.ListJobs(ctx, persistence.JobFilter{
			Statuses: []persistence.JobStatus{persistence.JobPending, persistence.JobRunning},
			Mode:     persistence.ModeRemote,
		})
		if lerr != nil {
			return merged, fmt.Errorf("list local remote jobs: %w", lerr)
		}
		for _, rec := range local {
			if target != "" && rec.JobID != target {
				continue
			}
			if _, dup := seen[rec.JobID]; dup {
				continue
			}
			merged = append(merged, RemoteStatus{JobID: rec.JobID, Status: string(rec.Status), Source: "local"})
		}
	}
	return merged, nil
}

// splitStatusList accepts either a JSON array of entries or a single
// object and returns the individual items.
func splitStatusList(payload json.RawMessage) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err == nil {
		return items
	}
	if len(payload) > 0 {
		return []json.RawMessage{payload}
	}
	return nil
}

// requestTermination asks the remote API, through the agent, to cancel
// a job. On confirmation the local record, if any, is marked aborted.
func (r *remoteExecutor) requestTermination(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, errors.New("terminate remote job: jobId is required")
	}
	h, err := r.manager.EnsureForDispatch(ctx)
	if err != nil {
		return false, fmt.Errorf("terminate remote job: %w", err)
	}
	if cfg, cerr := r.configPayload(); cerr == nil {
		r.assertConfig(ctx, h, cfg, jobID)
	}

	body, _ := json.Marshal(wire.TerminatePayload{JobID: jobID})
	reply, ok := h.SendAndAwait(ctx, wire.Message{Type: wire.TypeTerminateRemoteJob, Payload: body}, remoteQueryTimeout)
	if !ok {
		return false, errors.New("remote termination not confirmed")
	}
	if msg := wire.CallFailure(reply.Payload); msg != "" {
		return false, errors.New("remote termination rejected: " + msg)
	}

	if r.store != nil {
		rec, gerr := r.store.GetJob(ctx, jobID)
		if gerr == nil && rec != nil && !rec.Status.IsTerminal() {
			rec.Status = persistence.JobAborted
			rec.Error = "terminated at remote"
			if serr := r.store.SaveJob(ctx, *rec); serr != nil && !errors.Is(serr, persistence.ErrTerminalJob) {
				r.logger.Warn("marking remote job aborted failed", "jobId", jobID, "error", serr)
			}
		}
	}
	r.bus.Publish(bus.TopicJobAborted, bus.JobEvent{
		JobID: jobID, Status: string(persistence.JobAborted), Mode: string(persistence.ModeRemote),
	})
	return true, nil
}
