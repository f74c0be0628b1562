package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/wire"
	"github.com/basket/go-dispatch/internal/worker"
)

// ErrNoAgent is returned by Acquire when no agent is live and the
// active policy forbids auto-creation.
var ErrNoAgent = errors.New("no live agent and auto-create disabled")

const defaultHandshakeTimeout = 2 * time.Second

// SpawnFunc is the underlying agent-creation primitive, supplied by the
// embedder.
type SpawnFunc func(ctx context.Context) (*worker.Worker, error)

// Config wires a Manager.
type Config struct {
	Spawn             SpawnFunc
	Bus               *bus.Bus
	MaxLifetime       time.Duration // 0 = no expiry
	HandshakeTimeout  time.Duration // GET_ID bound; default 2s
	TerminateAfterJob bool
	Logger            *slog.Logger
}

// Manager owns the single agent handle. The raw worker reference never
// leaves this package; everything goes through Acquire/Terminate.
type Manager struct {
	spawn            SpawnFunc
	bus              *bus.Bus
	maxLifetime      time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger

	terminateAfterJob atomic.Bool

	mu           sync.Mutex
	handle       *Handle
	explicitInit bool
}

// NewManager creates a Manager. Spawn is required.
func NewManager(cfg Config) *Manager {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		spawn:            cfg.Spawn,
		bus:              cfg.Bus,
		maxLifetime:      cfg.MaxLifetime,
		handshakeTimeout: timeout,
		logger:           logger,
	}
	m.terminateAfterJob.Store(cfg.TerminateAfterJob)
	return m
}

// TerminateAfterJob reports the current reuse policy.
func (m *Manager) TerminateAfterJob() bool {
	return m.terminateAfterJob.Load()
}

// SetTerminateAfterJob flips the reuse policy at runtime.
func (m *Manager) SetTerminateAfterJob(v bool) {
	m.terminateAfterJob.Store(v)
}

// InitAgent explicitly creates the agent (idempotent) and enables
// auto-creation for later Acquire calls.
func (m *Manager) InitAgent(ctx context.Context) error {
	m.mu.Lock()
	m.explicitInit = true
	m.mu.Unlock()
	_, err := m.acquire(ctx, true)
	return err
}

// Acquire returns the live handle, creating one if the policy allows.
// An expired handle is terminated transparently first. When
// terminate-after-job is off and InitAgent was never called, Acquire
// does not auto-create and returns ErrNoAgent.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	return m.acquire(ctx, false)
}

// EnsureForDispatch is the executor path: job dispatch always gets an
// agent, regardless of the auto-create policy gate.
func (m *Manager) EnsureForDispatch(ctx context.Context) (*Handle, error) {
	return m.acquire(ctx, true)
}

func (m *Manager) acquire(ctx context.Context, force bool) (*Handle, error) {
	m.mu.Lock()

	if h := m.handle; h != nil && h.Alive() {
		if m.maxLifetime > 0 && time.Since(h.CreatedAt()) > m.maxLifetime {
			m.handle = nil
			m.mu.Unlock()
			m.destroy(h, "max lifetime exceeded")
			return m.acquire(ctx, force)
		}
		m.mu.Unlock()
		return h, nil
	}

	if !force && !m.terminateAfterJob.Load() && !m.explicitInit {
		m.mu.Unlock()
		return nil, ErrNoAgent
	}

	w, err := m.spawn(ctx)
	if err != nil {
		m.mu.Unlock()
		// No internal retry here; the executors own retry policy.
		return nil, fmt.Errorf("create agent: %w", err)
	}
	h := newHandle(w, m.logger)
	m.handle = h
	m.mu.Unlock()

	m.handshake(ctx, h)
	if m.bus != nil {
		m.bus.Publish(bus.TopicAgentCreated, bus.AgentEvent{WorkerID: h.WorkerID()})
	}
	m.logger.Info("agent created", "worker_id", h.WorkerID())
	return h, nil
}

// handshake performs the bounded GET_ID exchange. A timeout is logged
// and non-fatal; the agent remains usable without a known identity.
func (m *Manager) handshake(ctx context.Context, h *Handle) {
	reply, ok := h.SendAndAwait(ctx, wire.Message{Type: wire.TypeGetID}, m.handshakeTimeout)
	if !ok {
		m.logger.Warn("agent handshake timed out", "timeout", m.handshakeTimeout)
		return
	}
	id := reply.WorkerID
	h.workerID.Store(&id)
}

// Terminate detaches the internal reference before destroying the
// worker, so a re-entrant call or a racing Acquire never observes a
// half-torn-down handle.
func (m *Manager) Terminate(reason string) {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h == nil {
		return
	}
	m.destroy(h, reason)
}

func (m *Manager) destroy(h *Handle, reason string) {
	workerID := h.WorkerID()
	h.close()
	if m.bus != nil {
		m.bus.Publish(bus.TopicAgentTerminated, bus.AgentEvent{WorkerID: workerID, Reason: reason})
	}
	m.logger.Info("agent terminated", "worker_id", workerID, "reason", reason)
}

// JobFinished applies the reuse policy after a job reaches a terminal
// state: with terminate-after-job on, the agent is destroyed so the
// next dispatch gets a fresh identity.
func (m *Manager) JobFinished() {
	if m.terminateAfterJob.Load() {
		m.Terminate("terminate-after-job policy")
	}
}

// Current returns the live handle without creating one, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil && m.handle.Alive() {
		return m.handle
	}
	return nil
}
