// Package executor runs jobs end-to-end against the single background
// agent. It carries two named retry policies: the local executor
// retries in place on the same agent, the remote executor tears the
// agent down and recreates it between attempts.
package executor

import (
	"encoding/json"
	"time"

	"github.com/basket/go-dispatch/internal/persistence"
)

// ErrorCategory classifies job failures.
type ErrorCategory string

const (
	ErrAgentCreation   ErrorCategory = "agent_creation_failure"
	ErrDispatchTimeout ErrorCategory = "dispatch_timeout"
	ErrDomain          ErrorCategory = "domain_error"
	ErrAborted         ErrorCategory = "aborted_by_caller"
	ErrInvalidPayload  ErrorCategory = "invalid_payload"
	ErrDuplicateJob    ErrorCategory = "duplicate_job"
)

// JobError is the failure detail attached to a Result. It is carried
// as a value, never thrown across the ExecuteJob boundary.
type JobError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

func (e *JobError) Error() string {
	return string(e.Category) + ": " + e.Message
}

// Progress is delivered to a job's OnProgress callback. Percent is the
// last observed value and may arrive out of order.
type Progress struct {
	JobID   string
	Percent int
	Detail  json.RawMessage
}

// Options configures one job submission.
type Options struct {
	Payload        json.RawMessage
	JobID          string              // generated if empty
	Mode           persistence.JobMode // defaults to local
	Timeout        time.Duration       // absolute per-attempt window; 0 = default
	EnableProgress bool
	Retries        int           // negative = default; 0 = no retries
	RetryDelay     time.Duration // 0 = default
	PersistState   bool
	OnProgress     func(Progress)
	Metadata       map[string]string
	Debug          bool
}

// Result is what every run resolves to. Status is always terminal.
type Result struct {
	JobID    string                `json:"jobId"`
	Status   persistence.JobStatus `json:"status"`
	Data     json.RawMessage       `json:"data,omitempty"`
	Err      *JobError             `json:"error,omitempty"`
	Attempts int                   `json:"attempts"`
}

// Defaults are the engine-wide fallbacks applied to zero Options
// fields.
type Defaults struct {
	Timeout     time.Duration // default 30s
	Retries     int           // negative = 2; zero means no retries
	RetryDelay  time.Duration // default 500ms
	SettleDelay time.Duration // remote recreate settle; default 250ms
}

func (d Defaults) normalized() Defaults {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.Retries < 0 {
		d.Retries = 2
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = 500 * time.Millisecond
	}
	if d.SettleDelay <= 0 {
		d.SettleDelay = 250 * time.Millisecond
	}
	return d
}

// apply fills Options from the defaults.
func (d Defaults) apply(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = d.Retries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	return opts
}
