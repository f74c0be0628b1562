package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/bus"
	otelx "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/persistence"
	"github.com/basket/go-dispatch/internal/wire"
)

// Config wires an Engine.
type Config struct {
	Manager      *agent.Manager
	Store        *persistence.Store // nil disables durability
	Bus          *bus.Bus
	Defaults     Defaults
	RemoteConfig wire.ConfigPayload
	Validator    *PayloadValidator // nil skips payload validation
	Logger       *slog.Logger
	Metrics      *otelx.Metrics
	Tracer       trace.Tracer
}

// Engine is the single entry point for job execution. It routes each
// submission to the local or remote executor and exposes the agent
// lifecycle and abort controls.
type Engine struct {
	env     *env
	local   *localExecutor
	remote  *remoteExecutor
	checker *PayloadValidator
}

func New(cfg Config) (*Engine, error) {
	if cfg.Manager == nil {
		return nil, errors.New("executor: manager is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otelx.TracerName)
	}

	e := &env{
		manager:  cfg.Manager,
		store:    cfg.Store,
		bus:      cfg.Bus,
		aborts:   newAbortRegistry(),
		defaults: cfg.Defaults.normalized(),
		logger:   cfg.Logger.With("component", "executor"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	eng := &Engine{
		env:     e,
		local:   &localExecutor{env: e},
		remote:  &remoteExecutor{env: e, config: cfg.RemoteConfig},
		checker: cfg.Validator,
	}
	return eng, nil
}

// ExecuteJob runs one job to a terminal state. It never returns a
// non-terminal status and never panics across this boundary; failures
// come back as Result.Err.
func (e *Engine) ExecuteJob(ctx context.Context, opts Options) Result {
	opts = e.env.defaults.apply(opts)
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Mode == "" {
		opts.Mode = persistence.ModeLocal
	}

	if e.checker != nil {
		if err := e.checker.Validate(opts.Payload); err != nil {
			res := Result{JobID: opts.JobID, Status: persistence.JobFailed,
				Err: &JobError{ErrInvalidPayload, err.Error()}}
			e.env.persist(ctx, opts, persistence.JobRecord{
				JobID:   opts.JobID,
				Status:  persistence.JobFailed,
				Mode:    opts.Mode,
				Payload: opts.Payload,
				Error:   res.Err.Error(),
			})
			e.env.bus.Publish(bus.TopicJobError, bus.JobEvent{
				JobID: opts.JobID, Status: string(persistence.JobFailed),
				Mode: string(opts.Mode), Error: res.Err.Error(),
			})
			return res
		}
	}

	if opts.Mode == persistence.ModeRemote {
		return e.remote.run(ctx, opts)
	}
	return e.local.run(ctx, opts)
}

// AbortJob signals a running job. An empty id aborts every active job.
// Returns false when nothing was signaled, including aborts that
// arrive after the job resolved.
func (e *Engine) AbortJob(jobID string) bool {
	if jobID == "" {
		return e.env.aborts.abortAll() > 0
	}
	return e.env.aborts.abort(jobID)
}

// JobActive reports whether a job currently holds an abort token.
func (e *Engine) JobActive(jobID string) bool {
	return e.env.aborts.active(jobID)
}

// JobState returns the durable record for a job, nil when unknown.
func (e *Engine) JobState(ctx context.Context, jobID string) (*persistence.JobRecord, error) {
	if e.env.store == nil {
		return nil, errors.New("durability is disabled")
	}
	return e.env.store.GetJob(ctx, jobID)
}

// PendingJobs lists durable jobs that have not reached a terminal
// state.
func (e *Engine) PendingJobs(ctx context.Context) ([]persistence.JobRecord, error) {
	if e.env.store == nil {
		return nil, nil
	}
	return e.env.store.ListJobs(ctx, persistence.JobFilter{
		Statuses: []persistence.JobStatus{persistence.JobPending, persistence.JobRunning},
	})
}

// RecoverInterruptedJobs surfaces jobs left pending or running by a
// previous process. They are reported, not re-executed; resumption is
// the caller's decision.
func (e *Engine) RecoverInterruptedJobs(ctx context.Context) ([]persistence.JobRecord, error) {
	recs, err := e.PendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		e.env.logger.Info("recovered interrupted job",
			"jobId", rec.JobID, "mode", rec.Mode, "status", rec.Status)
		e.env.bus.Publish(bus.TopicJobRecovered, bus.JobEvent{
			JobID: rec.JobID, Status: string(rec.Status), Mode: string(rec.Mode),
		})
	}
	return recs, nil
}

// QueryRemoteStatus merges the remote API's job list with local
// durable remote jobs. target narrows to one job id; empty means all.
func (e *Engine) QueryRemoteStatus(ctx context.Context, target string) ([]RemoteStatus, error) {
	return e.remote.queryStatus(ctx, target)
}

// TerminateRemoteJob asks the remote API to cancel a job.
func (e *Engine) TerminateRemoteJob(ctx context.Context, jobID string) (bool, error) {
	return e.remote.requestTermination(ctx, jobID)
}

// UpdateRemoteConfig swaps the endpoint pushed to agents before remote
// dispatch. Applied on the next attempt.
func (e *Engine) UpdateRemoteConfig(cfg wire.ConfigPayload) {
	e.remote.setConfig(cfg)
}

// SetDefaults replaces the engine-wide fallbacks, used by config hot
// reload.
func (e *Engine) SetDefaults(d Defaults) {
	e.env.defaults = d.normalized()
}

// InitAgent creates the agent eagerly.
func (e *Engine) InitAgent(ctx context.Context) error {
	return e.env.manager.InitAgent(ctx)
}

// TerminateAgent tears the agent down; in-flight waits resolve as
// not-delivered.
func (e *Engine) TerminateAgent(reason string) {
	e.env.manager.Terminate(reason)
}

// SetTerminateAfterJob flips the dispose-after-every-job policy.
func (e *Engine) SetTerminateAfterJob(v bool) {
	e.env.manager.SetTerminateAfterJob(v)
}

// AgentIdentity returns the live agent's handshake identity, empty
// when no agent exists.
func (e *Engine) AgentIdentity() string {
	h := e.env.manager.Current()
	if h == nil {
		return ""
	}
	return h.WorkerID()
}

// SendDirectMessage passes an arbitrary message to the agent and waits
// for its correlated reply. It goes through the policy-gated acquire:
// without an explicit InitAgent or an active terminate-after-job
// policy, no agent is created and the send reports not-delivered.
func (e *Engine) SendDirectMessage(ctx context.Context, msg wire.Message, timeout time.Duration) (wire.Message, bool) {
	h, err := e.env.manager.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, agent.ErrNoAgent) {
			e.env.logger.Warn("direct message dropped", "type", msg.Type, "error", err)
		}
		return wire.Message{}, false
	}
	return h.SendAndAwait(ctx, msg, timeout)
}

// Shutdown aborts every active job and terminates the agent.
func (e *Engine) Shutdown(reason string) {
	if n := e.env.aborts.abortAll(); n > 0 {
		e.env.logger.Info("aborted active jobs on shutdown", "count", n)
	}
	e.env.manager.Terminate(reason)
}
