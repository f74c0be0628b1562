package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Runner executes a JOB payload. Progress reports are optional; percent
// values are forwarded as-is and may arrive out of order.
type Runner interface {
	Run(ctx context.Context, payload json.RawMessage, progress func(percent int, detail []byte)) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, payload json.RawMessage, progress func(int, []byte)) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, payload json.RawMessage, progress func(int, []byte)) (json.RawMessage, error) {
	return f(ctx, payload, progress)
}

// Registry dispatches payloads by their "type" field to named runners.
type Registry struct {
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a payload type to a runner. Later registrations for
// the same type win.
func (r *Registry) Register(payloadType string, runner Runner) {
	r.runners[payloadType] = runner
}

func (r *Registry) Run(ctx context.Context, payload json.RawMessage, progress func(int, []byte)) (json.RawMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	runner, ok := r.runners[head.Type]
	if !ok {
		return nil, fmt.Errorf("no runner registered for payload type %q", head.Type)
	}
	return runner.Run(ctx, payload, progress)
}

// Builtins returns a registry with the stock runners used by the CLI:
// echo, sleep, and fibonacci.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("echo", RunnerFunc(runEcho))
	r.Register("sleep", RunnerFunc(runSleep))
	r.Register("fibonacci", RunnerFunc(runFibonacci))
	return r
}

func runEcho(_ context.Context, payload json.RawMessage, _ func(int, []byte)) (json.RawMessage, error) {
	var p struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if len(p.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return p.Data, nil
}

func runSleep(ctx context.Context, payload json.RawMessage, progress func(int, []byte)) (json.RawMessage, error) {
	var p struct {
		Millis int `json:"millis"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	total := time.Duration(p.Millis) * time.Millisecond
	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(total / time.Duration(steps)):
		}
		if progress != nil {
			progress(i*100/steps, nil)
		}
	}
	return json.Marshal(map[string]int{"sleptMs": p.Millis})
}

func runFibonacci(ctx context.Context, payload json.RawMessage, progress func(int, []byte)) (json.RawMessage, error) {
	var p struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.N < 0 {
		return nil, fmt.Errorf("fibonacci: n must be >= 0, got %d", p.N)
	}
	a, b := 0, 1
	for i := 0; i < p.N; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a, b = b, a+b
		if progress != nil && p.N > 0 {
			progress((i+1)*100/p.N, nil)
		}
	}
	return json.Marshal(a)
}
