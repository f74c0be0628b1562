// Package agent owns the single background worker: its lifecycle
// (create, reuse, expire, terminate) and the correlation of inbound
// replies to the requests that caused them. No other package holds a
// durable reference to the worker; callers borrow a *Handle for the
// duration of one call.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/wire"
	"github.com/basket/go-dispatch/internal/worker"
)

const listenerBuffer = 16

// listener is one registered reply predicate. Fallback listeners only
// receive messages no other listener claimed.
type listener struct {
	id       int
	match    func(wire.Message) bool
	fallback bool
	ch       chan wire.Message
}

// Sub is a live reply subscription. Close unregisters it; a stray reply
// arriving afterwards is dropped by the pump.
type Sub struct {
	h *Handle
	l *listener
}

// Ch returns the subscription's delivery channel.
func (s *Sub) Ch() <-chan wire.Message {
	return s.l.ch
}

// Close removes the listener and closes its channel.
func (s *Sub) Close() {
	s.h.removeListener(s.l.id)
}

// Handle wraps a live worker with a listener registry. The pump
// goroutine fans the worker's outbound stream into matching listeners.
type Handle struct {
	worker    *worker.Worker
	createdAt time.Time
	logger    *slog.Logger

	workerID atomic.Pointer[string]
	alive    atomic.Bool

	mu        sync.Mutex
	listeners map[int]*listener
	nextID    int

	done chan struct{}
}

func newHandle(w *worker.Worker, logger *slog.Logger) *Handle {
	h := &Handle{
		worker:    w,
		createdAt: time.Now(),
		logger:    logger,
		listeners: make(map[int]*listener),
		done:      make(chan struct{}),
	}
	h.alive.Store(true)
	go h.pump()
	return h
}

// WorkerID returns the identity learned in the GET_ID handshake, or ""
// if the handshake timed out.
func (h *Handle) WorkerID() string {
	if p := h.workerID.Load(); p != nil {
		return *p
	}
	return ""
}

// CreatedAt returns when the underlying worker was spawned.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// Alive reports whether the handle has not been terminated.
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// Send forwards a message to the worker. Callers that expect replies
// register a listener first; registration before send is what makes
// the reply race-free.
func (h *Handle) Send(msg wire.Message) error {
	return h.worker.Send(msg)
}

// Listen registers a subscription for every reply correlated to the
// given outbound message. Used for JOB-family streams where PROGRESS
// precedes the terminal RESULT or ERROR.
func (h *Handle) Listen(out wire.Message) *Sub {
	return h.addListener(wire.ReplyMatcher(out), out.Type == "")
}

// SendAndAwait sends one request and waits for its correlated reply.
// A timeout yields (zero, false) — "no answer received" — never an
// error; callers must not conflate it with a domain failure.
func (h *Handle) SendAndAwait(ctx context.Context, msg wire.Message, timeout time.Duration) (wire.Message, bool) {
	sub := h.Listen(msg)
	defer sub.Close()

	if err := h.Send(msg); err != nil {
		h.logger.Warn("send to worker failed", "type", msg.Type, "error", err)
		return wire.Message{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-sub.Ch():
		if !ok {
			return wire.Message{}, false
		}
		return reply, true
	case <-timer.C:
		return wire.Message{}, false
	case <-ctx.Done():
		return wire.Message{}, false
	case <-h.done:
		return wire.Message{}, false
	}
}

func (h *Handle) addListener(match func(wire.Message) bool, fallback bool) *Sub {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	l := &listener{
		id:       h.nextID,
		match:    match,
		fallback: fallback,
		ch:       make(chan wire.Message, listenerBuffer),
	}
	h.listeners[l.id] = l
	return &Sub{h: h, l: l}
}

func (h *Handle) removeListener(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(l.ch)
	}
}

// pump routes worker messages to listeners. Delivery is non-blocking:
// a full listener drops the message rather than stalling the stream.
// Fallback listeners receive only messages no typed listener claimed.
func (h *Handle) pump() {
	defer close(h.done)
	for msg := range h.worker.Messages() {
		h.mu.Lock()
		claimed := false
		var fallbacks []*listener
		for _, l := range h.listeners {
			if l.fallback {
				fallbacks = append(fallbacks, l)
				continue
			}
			if l.match(msg) {
				claimed = true
				select {
				case l.ch <- msg:
				default:
					h.logger.Warn("listener queue full, dropping reply", "type", msg.Type, "job_id", msg.JobID)
				}
			}
		}
		if !claimed {
			delivered := false
			for _, l := range fallbacks {
				select {
				case l.ch <- msg:
					delivered = true
				default:
				}
			}
			if !delivered && len(fallbacks) == 0 {
				h.logger.Debug("unclaimed worker message", "type", msg.Type, "job_id", msg.JobID)
			}
		}
		h.mu.Unlock()
	}

	// Worker stream ended: close out every remaining listener so
	// waiters resolve instead of hanging.
	h.mu.Lock()
	for id, l := range h.listeners {
		delete(h.listeners, id)
		close(l.ch)
	}
	h.mu.Unlock()
}

// close tears down the worker. After it returns, no listener receives
// another message for any job.
func (h *Handle) close() {
	if !h.alive.CompareAndSwap(true, false) {
		return
	}
	h.worker.Close()
	<-h.done
}
