package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/bus"
	otelx "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/wire"
)

// env is the shared state behind both executors. The engine owns one
// and hands it to its local and remote halves.
type env struct {
	manager  *agent.Manager
	store    *persistence.Store
	bus      *bus.Bus
	aborts   *abortRegistry
	defaults Defaults
	logger   *slog.Logger
	metrics  *otelx.Metrics
	tracer   trace.Tracer
}

// attemptOutcome is what one dispatch attempt resolves to. err is nil
// on success.
type attemptOutcome struct {
	data []byte
	err  *JobError
}

// awaitReply sends msg and waits for the attempt to resolve: a RESULT
// or ERROR correlated to the job, the per-attempt timer firing, or an
// abort. PROGRESS frames are reported through onProgress and keep the
// timer running; the timeout is an absolute window, not an idle one.
func (e *env) awaitReply(ctx context.Context, h *agent.Handle, msg wire.Message, timeout time.Duration, abort <-chan struct{}, onProgress func(wire.ProgressPayload)) attemptOutcome {
	sub := h.Listen(msg)
	defer sub.Close()

	if err := h.Send(msg); err != nil {
		return attemptOutcome{err: &JobError{ErrAgentCreation, "agent unavailable: " + err.Error()}}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply, ok := <-sub.Ch():
			if !ok {
				return attemptOutcome{err: &JobError{ErrAgentCreation, "agent terminated while awaiting reply"}}
			}
			switch reply.Type {
			case wire.TypeProgress:
				if onProgress != nil {
					var p wire.ProgressPayload
					if err := json.Unmarshal(reply.Payload, &p); err != nil {
						e.logger.Debug("dropping malformed progress frame", "jobId", msg.JobID, "error", err)
						continue
					}
					onProgress(p)
				}
			case wire.TypeError:
				return attemptOutcome{err: &JobError{ErrDomain, reply.ErrorMessage()}}
			default:
				return attemptOutcome{data: reply.Payload}
			}
		case <-timer.C:
			return attemptOutcome{err: &JobError{ErrDispatchTimeout, fmt.Sprintf("no reply within %s", timeout)}}
		case <-abort:
			return attemptOutcome{err: &JobError{ErrAborted, "aborted by caller"}}
		case <-ctx.Done():
			return attemptOutcome{err: &JobError{ErrAborted, "context canceled: " + ctx.Err().Error()}}
		}
	}
}

// persist writes the record if the job opted into durability. Terminal
// conflicts are expected when an abort races a late save and are
// logged, not propagated.
func (e *env) persist(ctx context.Context, opts Options, rec persistence.JobRecord) {
	if !opts.PersistState || e.store == nil {
		return
	}
	if err := e.store.SaveJob(ctx, rec); err != nil {
		if errors.Is(err, persistence.ErrTerminalJob) {
			e.logger.Debug("skipping save for terminal job", "jobId", rec.JobID, "status", rec.Status)
			return
		}
		e.logger.Warn("job state save failed", "jobId", rec.JobID, "error", err)
	}
}

// reportProgress applies one progress frame: it updates the durable
// record, notifies the bus and, when enabled, the caller's callback.
func (e *env) reportProgress(ctx context.Context, opts Options, rec *persistence.JobRecord, p wire.ProgressPayload) {
	rec.Progress = p.Percent
	e.persist(ctx, opts, *rec)
	e.bus.Publish(bus.TopicJobProgress, bus.JobProgressEvent{JobID: rec.JobID, Percent: p.Percent})
	if opts.EnableProgress && opts.OnProgress != nil {
		opts.OnProgress(Progress{JobID: rec.JobID, Percent: p.Percent, Detail: p.Detail})
	}
}

// finish resolves the run: it persists the terminal record, emits the
// lifecycle event and metric, honors terminate-after-job and builds the
// Result.
func (e *env) finish(ctx context.Context, opts Options, rec *persistence.JobRecord, start time.Time, attempts int, status persistence.JobStatus, data []byte, jobErr *JobError) Result {
	rec.Status = status
	rec.Result = data
	if jobErr != nil {
		rec.Error = jobErr.Error()
	}
	e.persist(ctx, opts, *rec)

	ev := bus.JobEvent{JobID: rec.JobID, Status: string(status), Mode: string(rec.Mode)}
	switch status {
	case persistence.JobCompleted:
		e.bus.Publish(bus.TopicJobComplete, ev)
	case persistence.JobAborted:
		e.bus.Publish(bus.TopicJobAborted, ev)
	default:
		ev.Error = rec.Error
		e.bus.Publish(bus.TopicJobError, ev)
	}

	if e.metrics != nil {
		e.metrics.JobDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otelx.AttrJobMode.String(string(rec.Mode)),
			attribute.String("status", string(status)),
		))
	}
	e.logger.Info("job resolved",
		"jobId", rec.JobID, "mode", rec.Mode, "status", status,
		"attempts", attempts, "duration", time.Since(start).Round(time.Millisecond))

	e.manager.JobFinished()

	return Result{JobID: rec.JobID, Status: status, Data: data, Err: jobErr, Attempts: attempts}
}

// sleepOrAbort waits out a retry delay. It returns false when the wait
// was cut short by an abort or context cancellation.
func sleepOrAbort(ctx context.Context, d time.Duration, abort <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-abort:
		return false
	case <-ctx.Done():
		return false
	}
}

// countAttempt records the attempt metric and annotates the span.
func (e *env) countAttempt(ctx context.Context, span trace.Span, mode persistence.JobMode, out attemptOutcome) {
	if e.metrics != nil {
		e.metrics.JobAttempts.Add(ctx, 1, metric.WithAttributes(otelx.AttrJobMode.String(string(mode))))
	}
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Message)
		span.SetAttributes(attribute.String("error.category", string(out.err.Category)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
