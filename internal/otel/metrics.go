package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	JobDuration   metric.Float64Histogram
	JobAttempts   metric.Int64Counter
	ActiveJobs    metric.Int64UpDownCounter
	AgentRestarts metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("godispatch.job.duration",
		metric.WithDescription("End-to-end job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.JobAttempts, err = meter.Int64Counter("godispatch.job.attempts",
		metric.WithDescription("Dispatch attempts, including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("godispatch.jobs.active",
		metric.WithDescription("Jobs currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRestarts, err = meter.Int64Counter("godispatch.agent.restarts",
		metric.WithDescription("Agent recreations forced by the remote retry policy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
