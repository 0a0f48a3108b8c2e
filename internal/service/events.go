package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/logger"
)

const (
	// DefaultPublishTimeout bounds one event publish, independent of the
	// caller's request.
	DefaultPublishTimeout = 2 * time.Second

	eventQueueSize = 256
)

// eventQueue hands events to the publisher on a single goroutine so a slow
// broker never holds up a committed transition. Events keep their order;
// when the queue is full new events are dropped and logged.
type eventQueue struct {
	pub     client.EventPublisher
	timeout time.Duration
	log     *logger.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan *client.NotificationEvent
	pending sync.WaitGroup
	done    chan struct{}
}

func newEventQueue(pub client.EventPublisher, timeout time.Duration, log *logger.Logger) *eventQueue {
	q := &eventQueue{
		pub:     pub,
		timeout: timeout,
		log:     log,
		ch:      make(chan *client.NotificationEvent, eventQueueSize),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) enqueue(ev *client.NotificationEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.pending.Add(1)
	select {
	case q.ch <- ev:
	default:
		q.pending.Done()
		q.log.Warn().
			Str("event_type", ev.EventType).
			Str("resource_id", ev.ResourceID).
			Msg("Event queue full, dropping event")
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for ev := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		q.pub.Publish(ctx, ev)
		cancel()
		q.pending.Done()
	}
}

// wait blocks until every queued event has been handed to the publisher.
func (q *eventQueue) wait() { q.pending.Wait() }

// close drains the queue and stops the worker.
func (q *eventQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}
