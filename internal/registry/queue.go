package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/monitoring"
)

// EventKind distinguishes the events a poll loop publishes.
type EventKind int

const (
	EventObserve EventKind = iota
	EventLiveness
)

// Event is a registry mutation produced by the poll loop.
type Event struct {
	Kind EventKind
	ID   string
	RSSI int
	At   time.Time
}

// ObserveEvent builds an EventObserve.
func ObserveEvent(id string, rssi int, at time.Time) Event {
	return Event{Kind: EventObserve, ID: id, RSSI: rssi, At: at}
}

// LivenessEvent builds an EventLiveness evaluated at now.
func LivenessEvent(now time.Time) Event {
	return Event{Kind: EventLiveness, At: now}
}

// Apply performs ev against the registry.
func (r *Registry) Apply(ev Event) {
	switch ev.Kind {
	case EventObserve:
		if r.Observe(ev.ID, ev.RSSI, ev.At) {
			monitoring.Logf("new device %s rssi=%d", ev.ID, ev.RSSI)
		}
	case EventLiveness:
		for _, id := range r.RecomputeLiveness(ev.At) {
			rec, err := r.Get(id)
			if err == nil {
				monitoring.Logf("device %s is now %s", id, rec.State)
			}
		}
	}
}

// Publish applies ev synchronously. It lets a Registry stand in wherever a
// Queue is accepted.
func (r *Registry) Publish(_ context.Context, ev Event) error {
	r.Apply(ev)
	return nil
}

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("registry queue closed")

// Queue carries events from a single producer (the poll loop) to the single
// goroutine that owns registry writes from the serial side. Events are
// applied in publish order. Annotation edits do not pass through the queue;
// they take the registry lock directly.
type Queue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Publish enqueues ev, blocking while the buffer is full.
func (q *Queue) Publish(ctx context.Context, ev Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue. Run drains whatever is buffered and returns.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Run applies events to r until ctx is cancelled or the queue is closed.
func (q *Queue) Run(ctx context.Context, r *Registry) error {
	for {
		select {
		case ev := <-q.ch:
			r.Apply(ev)
		case <-q.done:
			q.drain(r)
			return nil
		case <-ctx.Done():
			q.drain(r)
			return ctx.Err()
		}
	}
}

func (q *Queue) drain(r *Registry) {
	for {
		select {
		case ev := <-q.ch:
			r.Apply(ev)
		default:
			return
		}
	}
}
