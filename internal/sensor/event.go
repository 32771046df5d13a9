package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind identifies the input signal an Event carries.
type Kind string

const (
	PointerMove Kind = "pointermove"
	TouchMove   Kind = "touchmove"
	Scroll      Kind = "scroll"
	KeyDown     Kind = "keydown"
	Focus       Kind = "focus"
	Blur        Kind = "blur"
)

// Event is one observed input signal. T is a monotonic timestamp in
// milliseconds; X and Y are only meaningful for move kinds.
type Event struct {
	Kind Kind    `json:"kind"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	T    float64 `json:"t"`
}

func (k Kind) valid() bool {
	switch k {
	case PointerMove, TouchMove, Scroll, KeyDown, Focus, Blur:
		return true
	}
	return false
}

// Source delivers events in the order they happened. The channel is closed
// when the source has nothing more to deliver.
type Source interface {
	Events() <-chan Event
}

var ErrQueueClosed = errors.New("sensor: queue closed")

// Queue is a bounded Source fed by Push. A full queue makes Push wait rather
// than drop the event.
type Queue struct {
	ch   chan Event
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	pushers sync.WaitGroup
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size), done: make(chan struct{})}
}

func (q *Queue) Events() <-chan Event { return q.ch }

// Push enqueues ev, waiting for room until ctx is done or the queue is
// closed.
func (q *Queue) Push(ctx context.Context, ev Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pushers.Add(1)
	q.mu.Unlock()
	defer q.pushers.Done()

	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("push %s: %w", ev.Kind, ctx.Err())
	}
}

// Close stops the queue and releases any Push still waiting for room.
// Events already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	// Waiting pushers see done and leave before the channel is closed.
	q.pushers.Wait()
	close(q.ch)
}

// Replay is a Source that plays back a recorded sequence once.
type Replay struct {
	ch chan Event
}

func NewReplay(events []Event) *Replay {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &Replay{ch: ch}
}

func (r *Replay) Events() <-chan Event { return r.ch }
