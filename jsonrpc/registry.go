package jsonrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type result struct {
	value json.RawMessage
	err   error
}

// PendingCall is a request waiting for its response. It is owned by the
// Registry until resolved, rejected, timed out or cancelled.
type PendingCall struct {
	ID       uint64
	Method   string
	Params   any
	Deadline time.Time

	timeout  time.Duration
	timer    *time.Timer
	done     chan result
	registry *Registry
}

// Wait blocks until the call is fulfilled or ctx is done. A cancelled
// context withdraws the call from the registry.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		return res.value, res.err
	case <-ctx.Done():
		if p.registry.Forget(p.ID) {
			return nil, ctx.Err()
		}
		// Fulfilled concurrently; the result is already buffered.
		res := <-p.done
		return res.value, res.err
	}
}

// Registry maps correlation ids to pending calls. All mutation happens
// under mu; nothing blocks while holding it.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*PendingCall

	onTimeout func(*PendingCall)
}

func NewRegistry() *Registry {
	return &Registry{
		nextID:  1,
		pending: make(map[uint64]*PendingCall),
	}
}

// OnTimeout installs a hook run (outside the lock) after a call expires.
func (r *Registry) OnTimeout(fn func(*PendingCall)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTimeout = fn
}

// Register allocates an id not used by any pending call and arms the
// call's deadline.
func (r *Registry) Register(method string, params any, timeout time.Duration) *PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	for {
		if _, inUse := r.pending[id]; !inUse && id != 0 {
			break
		}
		id++
	}
	r.nextID = id + 1

	call := &PendingCall{
		ID:       id,
		Method:   method,
		Params:   params,
		Deadline: time.Now().Add(timeout),
		timeout:  timeout,
		done:     make(chan result, 1),
		registry: r,
	}
	call.timer = time.AfterFunc(timeout, func() { r.expire(id) })
	r.pending[id] = call

	return call
}

// Resolve delivers a result. Unknown ids are ignored.
func (r *Registry) Resolve(id uint64, value json.RawMessage) bool {
	return r.complete(id, result{value: value})
}

// Reject fails a call. Unknown ids are ignored.
func (r *Registry) Reject(id uint64, err error) bool {
	return r.complete(id, result{err: err})
}

// Forget drops a call without notifying its waiter.
func (r *Registry) Forget(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	call.timer.Stop()
	return true
}

// CancelAll rejects every pending call with err and reports how many
// calls were cancelled.
func (r *Registry) CancelAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := len(r.pending)
	for id, call := range r.pending {
		delete(r.pending, id)
		call.timer.Stop()
		call.done <- result{err: err}
	}
	return count
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) complete(id uint64, res result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	call.timer.Stop()
	call.done <- res
	return true
}

func (r *Registry) expire(id uint64) {
	r.mu.Lock()
	call, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		call.done <- result{err: NewTimeoutError(call.Method, call.timeout)}
	}
	hook := r.onTimeout
	r.mu.Unlock()

	if ok && hook != nil {
		hook(call)
	}
}
