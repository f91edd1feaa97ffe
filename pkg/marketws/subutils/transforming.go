package subutils

import (
	"context"

	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/transform"
)

// TransformingSubscriber runs events through transforms before handing them
// to the wrapped subscriber. Dropped events never reach it.
type TransformingSubscriber struct {
	wrapped    bus.Subscriber
	transforms []transform.MessageTransformFunc
}

func NewTransformingSubscriber(wrapped bus.Subscriber, transforms ...transform.MessageTransformFunc) *TransformingSubscriber {
	return &TransformingSubscriber{
		wrapped:    wrapped,
		transforms: transforms,
	}
}

func (t *TransformingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return t.wrapped.OnSubscribe(ctx, topic)
}

func (t *TransformingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return t.wrapped.OnUnsubscribe(ctx, topic)
}

func (t *TransformingSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	ev, _ := transform.ApplyTransforms(&bus.Event{Topic: topic, Envelope: env, Fields: fields}, t.transforms)
	if ev == nil {
		return nil
	}
	return t.wrapped.OnEvent(ctx, ev.Topic, ev.Envelope, ev.Fields)
}
