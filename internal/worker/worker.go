// Package worker implements the background execution agent: a message
// loop reachable only through asynchronous message passing. Job
// payloads run through a caller-provided Runner; API_JOB traffic is
// proxied to a remote HTTP endpoint configured via CONFIG.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-dispatch/internal/wire"
)

// ErrClosed is returned by Send after the worker has been closed.
var ErrClosed = errors.New("worker closed")

const defaultQueueDepth = 64

// Config holds the collaborators a worker needs.
type Config struct {
	Runner     Runner       // executes JOB payloads; required
	HTTPClient *http.Client // remote proxy client; defaults to a 30s-timeout client
	QueueDepth int          // inbound/outbound channel buffer; defaults to 64
	Logger     *slog.Logger
}

// Worker is a single background agent. All communication happens over
// Send and the Messages channel; no other state is shared with callers.
type Worker struct {
	id     string
	runner Runner
	client *http.Client
	logger *slog.Logger

	in  chan wire.Message
	out chan wire.Message

	mu     sync.Mutex
	remote wire.ConfigPayload

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Spawn starts a worker loop. The worker assigns itself an identity at
// spawn time and reveals it only through the GET_ID handshake.
func Spawn(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Runner == nil {
		return nil, errors.New("spawn worker: runner is required")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		id:     uuid.NewString(),
		runner: cfg.Runner,
		client: client,
		logger: logger,
		in:     make(chan wire.Message, depth),
		out:    make(chan wire.Message, depth),
		ctx:    wctx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Send queues a message for the worker. It never blocks indefinitely:
// a full inbound queue after close returns ErrClosed.
func (w *Worker) Send(msg wire.Message) error {
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.in <- msg:
		return nil
	case <-w.ctx.Done():
		return ErrClosed
	}
}

// Messages returns the worker's outbound stream. The channel is closed
// once the worker shuts down; after that no message for any job is
// delivered again.
func (w *Worker) Messages() <-chan wire.Message {
	return w.out
}

// Close stops the loop. In-flight job goroutines are cancelled via the
// worker context; their replies are dropped.
func (w *Worker) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.cancel()
	w.wg.Wait()
	close(w.out)
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.in:
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg wire.Message) {
	switch msg.Type {
	case wire.TypeGetID:
		w.emit(wire.Message{Type: wire.TypeIDResponse, WorkerID: w.id})
	case wire.TypePing:
		w.emit(wire.Message{Type: wire.TypePong})
	case wire.TypeConfig:
		w.applyConfig(msg)
	case wire.TypeJob:
		w.spawnHandler(msg, w.runJob)
	case wire.TypeAPIJob:
		w.spawnHandler(msg, w.runRemoteJob)
	case wire.TypeTerminateRemoteJob:
		w.spawnHandler(msg, w.terminateRemoteJob)
	case wire.TypePreflightCheck:
		w.spawnHandler(msg, w.preflightCheck)
	default:
		w.logger.Warn("worker received unknown message type", "type", msg.Type, "job_id", msg.JobID)
	}
}

// spawnHandler runs a message handler in its own goroutine so multiple
// jobs stay in flight concurrently. The WaitGroup keeps Close from
// closing the outbound channel while a handler may still emit; the
// loop goroutine holds a count, so Add here never races Wait.
func (w *Worker) spawnHandler(msg wire.Message, fn func(wire.Message)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(msg)
	}()
}

// emit delivers a message to the outbound stream, dropping it if the
// worker is shutting down. The ctx guard guarantees that a closed
// worker never surfaces another message.
func (w *Worker) emit(msg wire.Message) {
	select {
	case w.out <- msg:
	case <-w.ctx.Done():
	}
}

func (w *Worker) applyConfig(msg wire.Message) {
	var cfg wire.ConfigPayload
	if err := unmarshalPayload(msg.Payload, &cfg); err != nil {
		w.emit(wire.NewError("", "invalid CONFIG payload: "+err.Error()))
		return
	}
	w.mu.Lock()
	w.remote = cfg
	w.mu.Unlock()
	w.emit(wire.Message{Type: wire.TypeConfigUpdated})
}

func (w *Worker) remoteConfig() wire.ConfigPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote
}

func (w *Worker) runJob(msg wire.Message) {
	progress := func(percent int, detail []byte) {
		w.emit(wire.NewProgress(msg.JobID, percent, detail))
	}
	result, err := w.runner.Run(w.ctx, msg.Payload, progress)
	if err != nil {
		w.emit(wire.NewError(msg.JobID, err.Error()))
		return
	}
	w.emit(wire.Message{Type: wire.TypeResult, JobID: msg.JobID, Payload: result})
}
