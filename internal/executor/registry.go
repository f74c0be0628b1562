package executor

import (
	"fmt"
	"sync"
)

// abortRegistry tracks in-flight jobs by id so callers can abort them.
// A token lives from dispatch until the run resolves; aborting a job
// that already resolved is a no-op and reports false.
type abortRegistry struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{tokens: make(map[string]chan struct{})}
}

// register creates the abort channel for a job. A second active job
// with the same id is rejected.
func (r *abortRegistry) register(jobID string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[jobID]; ok {
		return nil, fmt.Errorf("job %s is already running", jobID)
	}
	ch := make(chan struct{})
	r.tokens[jobID] = ch
	return ch, nil
}

// resolve drops the token once the run reaches a terminal state.
func (r *abortRegistry) resolve(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, jobID)
}

// abort signals the job's run loop. Returns false when no live token
// exists, including when the job already resolved.
func (r *abortRegistry) abort(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.tokens[jobID]
	if !ok {
		return false
	}
	close(ch)
	delete(r.tokens, jobID)
	return true
}

// abortAll signals every live token and reports how many were hit.
func (r *abortRegistry) abortAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.tokens)
	for id, ch := range r.tokens {
		close(ch)
		delete(r.tokens, id)
	}
	return n
}

// active reports whether a job currently holds a token.
func (r *abortRegistry) active(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[jobID]
	return ok
}
