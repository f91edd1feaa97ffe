// Package bus fans inbound envelopes out to any number of in-process
// subscribers. Topics are MQTT style ("wfm/orders/update"); subscriptions may
// use + and # wildcards and named extractions ("wfm/+kind/update").
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
)

var (
	ErrNotStarted     = errors.New("event bus not started")
	ErrAlreadyStarted = errors.New("event bus already started")
	ErrStopped        = errors.New("event bus stopped")
	ErrFull           = errors.New("event bus channel full")
)

type EventBus interface {
	Subscriber // an EventBus can be subscribed to another EventBus

	Start() error
	Stop() error

	Subscribe(ctx context.Context, subscriber Subscriber, topic string) error
	Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error
	UnsubscribeAll(ctx context.Context, subscriber Subscriber) error

	// Publish queues env for delivery and returns without waiting for subscribers.
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	// PublishSync delivers env and returns the first subscriber error.
	PublishSync(ctx context.Context, topic string, env protocol.Envelope) error
}

type messageType int

const (
	messageTypeEvent messageType = iota
	messageTypeEventSync
	messageTypeSubscribe
	messageTypeUnsubscribe
	messageTypeUnsubscribeAll
)

type busMessage struct {
	ctx        context.Context
	msgType    messageType
	topic      string
	env        protocol.Envelope
	subscriber Subscriber
	responseCh chan error
}

// basicEventBus owns its subscription table on a single goroutine; every
// operation is a message on ch.
type basicEventBus struct {
	ch            chan busMessage
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       int32
	subscriptions map[Subscriber]map[string]matcher
	logger        *zap.Logger
	name          string

	tracingProvider o11y.TracingProvider

	publishCounter     o11y.Counter
	publishSyncCounter o11y.Counter
	subscribeCounter   o11y.Counter
	unsubscribeCounter o11y.Counter
	errorCounter       o11y.Counter
	latencyHistogram   o11y.Histogram
	subscriberGauge    o11y.Gauge
}

func (b *basicEventBus) setupMetrics(provider o11y.MetricsProvider) {
	if provider == nil {
		return
	}
	b.publishCounter = provider.Counter("eventbus_messages_published_total")
	b.publishSyncCounter = provider.Counter("eventbus_messages_published_sync_total")
	b.subscribeCounter = provider.Counter("eventbus_subscriptions_total")
	b.unsubscribeCounter = provider.Counter("eventbus_unsubscriptions_total")
	b.errorCounter = provider.Counter("eventbus_errors_total")
	b.latencyHistogram = provider.Histogram("eventbus_publish_duration_seconds")
	b.subscriberGauge = provider.Gauge("eventbus_active_subscribers")
}

// Start begins the dispatch goroutine.
func (b *basicEventBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return ErrAlreadyStarted
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Info("EventBus started", zap.String("bus", b.name))

		for {
			select {
			case msg := <-b.ch:
				b.dispatch(msg)
			case <-b.ctx.Done():
				b.logger.Info("EventBus stopping", zap.String("bus", b.name))
				return
			}
		}
	}()

	return nil
}

func (b *basicEventBus) dispatch(msg busMessage) {
	var err error
	var op string

	switch msg.msgType {
	case messageTypeEvent:
		op = "on_event"
		err = b.deliver(msg)
	case messageTypeEventSync:
		op = "publish_sync"
		err = b.deliver(msg)
	case messageTypeSubscribe:
		op = "subscribe"
		err = b.doSubscribe(msg)
	case messageTypeUnsubscribe:
		op = "unsubscribe"
		err = b.doUnsubscribe(msg)
	case messageTypeUnsubscribeAll:
		op = "unsubscribe_all"
		err = b.doUnsubscribeAll(msg)
	default:
		b.logger.Debug("EventBus received unknown message type", zap.Int("msgType", int(msg.msgType)))
		return
	}

	if msg.responseCh != nil {
		msg.responseCh <- err
	}

	if err != nil {
		b.logger.Error("EventBus operation failed",
			zap.String("operation", op),
			zap.String("topic", msg.topic),
			zap.Error(err),
		)
		if b.errorCounter != nil {
			b.errorCounter.Add(msg.ctx, 1,
				o11y.Label{Key: "operation", Value: op},
				o11y.Label{Key: "topic", Value: msg.topic},
			)
		}
	}
}

// deliver calls every subscriber with a matching pattern once and returns the
// first error.
func (b *basicEventBus) deliver(msg busMessage) error {
	var first error
	for subscriber, patterns := range b.subscriptions {
		for _, match := range patterns {
			ok, fields := match(msg.topic)
			if !ok {
				continue
			}
			if err := subscriber.OnEvent(msg.ctx, msg.topic, msg.env, fields); err != nil {
				if first == nil {
					first = err
				} else {
					b.logger.Error("Error in OnEvent", zap.String("topic", msg.topic), zap.Error(err))
				}
			}
			break
		}
	}
	return first
}

func (b *basicEventBus) doSubscribe(msg busMessage) error {
	patterns, ok := b.subscriptions[msg.subscriber]
	if !ok {
		patterns = make(map[string]matcher)
		b.subscriptions[msg.subscriber] = patterns
	}
	patterns[msg.topic] = makeMatcher(msg.topic)
	b.updateGauge(msg.ctx)

	return msg.subscriber.OnSubscribe(msg.ctx, msg.topic)
}

func (b *basicEventBus) doUnsubscribe(msg busMessage) error {
	patterns, ok := b.subscriptions[msg.subscriber]
	if !ok {
		return nil
	}

	delete(patterns, msg.topic)
	if len(patterns) == 0 {
		delete(b.subscriptions, msg.subscriber)
	}
	b.updateGauge(msg.ctx)

	return msg.subscriber.OnUnsubscribe(msg.ctx, msg.topic)
}

func (b *basicEventBus) doUnsubscribeAll(msg busMessage) error {
	count := len(b.subscriptions[msg.subscriber])
	delete(b.subscriptions, msg.subscriber)
	b.updateGauge(msg.ctx)

	b.logger.Debug("UnsubscribeAll completed", zap.Int("subscription_count", count))
	return msg.subscriber.OnUnsubscribe(msg.ctx, "")
}

func (b *basicEventBus) updateGauge(ctx context.Context) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Set(ctx, float64(len(b.subscriptions)))
	}
}

func (b *basicEventBus) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	return b.accept(busMessage{ctx: ctx, msgType: messageTypeEvent, topic: topic, env: env})
}

func (b *basicEventBus) PublishSync(ctx context.Context, topic string, env protocol.Envelope) error {
	start := time.Now()
	err := b.request(ctx, "eventbus.publish_sync", b.publishSyncCounter, busMessage{
		msgType: messageTypeEventSync,
		topic:   topic,
		env:     env,
	})
	if b.latencyHistogram != nil {
		b.latencyHistogram.Record(context.Background(), time.Since(start).Seconds(), o11y.Label{Key: "topic", Value: topic})
	}
	return err
}

func (b *basicEventBus) Subscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(ctx, "eventbus.subscribe", b.subscribeCounter, busMessage{
		msgType:    messageTypeSubscribe,
		topic:      topic,
		subscriber: subscriber,
	})
}

func (b *basicEventBus) Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(ctx, "eventbus.unsubscribe", b.unsubscribeCounter, busMessage{
		msgType:    messageTypeUnsubscribe,
		topic:      topic,
		subscriber: subscriber,
	})
}

func (b *basicEventBus) UnsubscribeAll(ctx context.Context, subscriber Subscriber) error {
	return b.request(ctx, "eventbus.unsubscribe_all", b.unsubscribeCounter, busMessage{
		msgType:    messageTypeUnsubscribeAll,
		topic:      "*",
		subscriber: subscriber,
	})
}

// request sends msg to the dispatch goroutine and waits for its result.
func (b *basicEventBus) request(ctx context.Context, spanName string, counter o11y.Counter, msg busMessage) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, spanName)
		span.SetAttributes(o11y.Label{Key: "topic", Value: msg.topic})
		defer func() { o11y.EndSpan(span, err) }()
	}

	msg.ctx = ctx
	msg.responseCh = make(chan error, 1)

	if err = b.accept(msg); err == nil {
		select {
		case err = <-msg.responseCh:
		case <-b.ctx.Done():
			err = ErrStopped
		}
	}

	if counter != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		counter.Add(ctx, 1,
			o11y.Label{Key: "topic", Value: msg.topic},
			o11y.Label{Key: "status", Value: status},
		)
	}

	return err
}

// accept hands msg to the dispatch goroutine without blocking.
func (b *basicEventBus) accept(msg busMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		b.logger.Warn("Event bus not started, message ignored", zap.String("topic", msg.topic))
		return ErrNotStarted
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		b.logger.Debug("EventBus stopped, message ignored")
		return ErrStopped
	default:
		b.logger.Warn("Event bus channel full, message dropped", zap.String("topic", msg.topic))
		return ErrFull
	}
}

// Stop shuts the dispatch goroutine down. Queued messages are discarded.
func (b *basicEventBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return ErrNotStarted
	}

	b.cancel()
	b.wg.Wait()

	b.logger.Info("EventBus stopped", zap.String("bus", b.name))
	return nil
}

// OnEvent republishes events received from another bus.
func (b *basicEventBus) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	return b.Publish(ctx, topic, env)
}

func (b *basicEventBus) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *basicEventBus) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}
