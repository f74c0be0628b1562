package executor

import (
	"context"
	"time"

	otelx "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/wire"
)

// localExecutor runs jobs in place: retries go back to the same agent,
// which is only replaced if acquiring it failed in the first place.
type localExecutor struct {
	*env
}

func (l *localExecutor) run(ctx context.Context, opts Options) Result {
	jobID := opts.JobID
	start := time.Now()

	abort, err := l.aborts.register(jobID)
	if err != nil {
		return Result{JobID: jobID, Status: persistence.JobFailed,
			Err: &JobError{ErrDuplicateJob, err.Error()}}
	}
	defer l.aborts.resolve(jobID)

	if l.metrics != nil {
		l.metrics.ActiveJobs.Add(ctx, 1)
		defer l.metrics.ActiveJobs.Add(ctx, -1)
	}

	rec := persistence.JobRecord{
		JobID:     jobID,
		Status:    persistence.JobPending,
		Mode:      persistence.ModeLocal,
		Payload:   opts.Payload,
		Metadata:  opts.Metadata,
		StartTime: start,
	}
	l.persist(ctx, opts, rec)

	var lastErr *JobError
	attempts := 0
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		attempts++
		actx, span := otelx.StartSpan(ctx, l.tracer, "job.local.attempt",
			otelx.AttrJobID.String(jobID),
			otelx.AttrJobMode.String(string(persistence.ModeLocal)),
			otelx.AttrAttempt.Int(attempt+1),
		)

		h, aerr := l.manager.EnsureForDispatch(actx)
		if aerr != nil {
			lastErr = &JobError{ErrAgentCreation, aerr.Error()}
			l.countAttempt(actx, span, persistence.ModeLocal, attemptOutcome{err: lastErr})
			span.End()
			if attempt < opts.Retries && !sleepOrAbort(ctx, opts.RetryDelay, abort) {
				lastErr = &JobError{ErrAborted, "aborted by caller"}
				break
			}
			continue
		}

		rec.Status = persistence.JobRunning
		l.persist(actx, opts, rec)

		msg := wire.Message{Type: wire.TypeJob, JobID: jobID, Payload: opts.Payload, Debug: opts.Debug}
		out := l.awaitReply(actx, h, msg, opts.Timeout, abort, func(p wire.ProgressPayload) {
			l.reportProgress(actx, opts, &rec, p)
		})
		l.countAttempt(actx, span, persistence.ModeLocal, out)
		span.End()

		if out.err == nil {
			return l.finish(ctx, opts, &rec, start, attempts, persistence.JobCompleted, out.data, nil)
		}
		lastErr = out.err
		if out.err.Category == ErrAborted {
			break
		}
		l.logger.Warn("local attempt failed",
			"jobId", jobID, "attempt", attempt+1, "category", out.err.Category, "error", out.err.Message)
		if attempt < opts.Retries && !sleepOrAbort(ctx, opts.RetryDelay, abort) {
			lastErr = &JobError{ErrAborted, "aborted by caller"}
			break
		}
	}

	status := persistence.JobFailed
	if lastErr != nil && lastErr.Category == ErrAborted {
		status = persistence.JobAborted
	}
	return l.finish(ctx, opts, &rec, start, attempts, status, nil, lastErr)
}
