package websocket

import (
	"context"
	"encoding/json"
	"sync"
)

type eventKind int

const (
	eventState eventKind = iota
	eventNotification
	eventException
	eventFlush
)

type event struct {
	kind   eventKind
	state  State
	method string
	params json.RawMessage
	err    error
	done   chan struct{}
}

// eventQueue delivers events one at a time, in push order, on a goroutine
// that only exists while events are pending. push never blocks, so a
// callback may push (or disconnect the client) from inside a delivery.
type eventQueue struct {
	mu      sync.Mutex
	pending []event
	running bool
	deliver func(event)
}

func newEventQueue(deliver func(event)) *eventQueue {
	return &eventQueue{deliver: deliver}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending[0] = event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if ev.kind == eventFlush {
			close(ev.done)
			continue
		}
		q.deliver(ev)
	}
}

// flush waits until every event pushed before it has been delivered.
// It must not be called from inside a delivery.
func (q *eventQueue) flush(ctx context.Context) error {
	done := make(chan struct{})
	q.push(event{kind: eventFlush, done: done})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
