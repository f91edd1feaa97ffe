// Package subutils holds bus.Subscriber decorators.
package subutils

import (
	"context"
	"errors"
	"sync"

	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("subscriber queue is full")
	ErrSubscriberClosed = errors.New("subscriber is closed")
)

type asyncOp int

const (
	opEvent asyncOp = iota
	opSubscribe
	opUnsubscribe
)

type asyncMessage struct {
	ctx    context.Context
	op     asyncOp
	topic  string
	env    protocol.Envelope
	fields map[string]string
}

// AsyncQueueingSubscriber hands calls to a wrapped subscriber through a
// buffered queue drained by one goroutine, so the bus never waits on it.
// Errors from the wrapped subscriber are logged.
type AsyncQueueingSubscriber struct {
	wrapped   bus.Subscriber
	logger    *zap.Logger
	queue     chan asyncMessage
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncQueueingSubscriber wraps a subscriber behind a queue of queueSize
// entries (100 if queueSize is not positive). Call Start before use and Close
// when finished.
func NewAsyncQueueingSubscriber(wrapped bus.Subscriber, queueSize int) *AsyncQueueingSubscriber {
	if queueSize <= 0 {
		queueSize = 100
	}

	return &AsyncQueueingSubscriber{
		wrapped: wrapped,
		logger:  zap.NewNop(),
		queue:   make(chan asyncMessage, queueSize),
		done:    make(chan struct{}),
	}
}

// WithLogger sets the logger used for errors from the wrapped subscriber.
func (a *AsyncQueueingSubscriber) WithLogger(logger *zap.Logger) *AsyncQueueingSubscriber {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// Start begins processing queued calls.
func (a *AsyncQueueingSubscriber) Start() *AsyncQueueingSubscriber {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncQueueingSubscriber) processMessage(msg asyncMessage) {
	var err error
	switch msg.op {
	case opSubscribe:
		err = a.wrapped.OnSubscribe(msg.ctx, msg.topic)
	case opUnsubscribe:
		err = a.wrapped.OnUnsubscribe(msg.ctx, msg.topic)
	case opEvent:
		err = a.wrapped.OnEvent(msg.ctx, msg.topic, msg.env, msg.fields)
	}

	if err != nil {
		a.logger.Error("Async subscriber call failed", zap.String("topic", msg.topic), zap.Error(err))
	}
}

func (a *AsyncQueueingSubscriber) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncQueueingSubscriber) drainQueue() {
	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		default:
			return
		}
	}
}

func (a *AsyncQueueingSubscriber) enqueue(msg asyncMessage) error {
	if a.IsClosed() {
		return ErrSubscriberClosed
	}

	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncQueueingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return a.enqueue(asyncMessage{ctx: ctx, op: opSubscribe, topic: topic})
}

func (a *AsyncQueueingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return a.enqueue(asyncMessage{ctx: ctx, op: opUnsubscribe, topic: topic})
}

func (a *AsyncQueueingSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	return a.enqueue(asyncMessage{ctx: ctx, op: opEvent, topic: topic, env: env, fields: fields})
}

// Close stops accepting calls, processes whatever is still queued and waits
// for the worker to exit.
func (a *AsyncQueueingSubscriber) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// QueueSize returns the number of queued calls.
func (a *AsyncQueueingSubscriber) QueueSize() int {
	return len(a.queue)
}

func (a *AsyncQueueingSubscriber) QueueCapacity() int {
	return cap(a.queue)
}

func (a *AsyncQueueingSubscriber) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
