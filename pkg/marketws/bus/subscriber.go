package bus

import (
	"context"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

// Subscriber receives envelopes published on topics it subscribed to. fields
// holds named wildcards extracted from the subscription pattern, if any.
type Subscriber interface {
	OnSubscribe(ctx context.Context, topic string) error
	OnUnsubscribe(ctx context.Context, topic string) error
	OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error
}

// Event is one delivery, as seen by transforms.
type Event struct {
	Topic    string
	Envelope protocol.Envelope
	Fields   map[string]string
}

type BaseSubscriber struct{}

func (b *BaseSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	return nil
}

// EventFunc handles one delivered envelope.
type EventFunc func(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error

type funcSubscriber struct {
	BaseSubscriber
	fn EventFunc
}

// NewFuncSubscriber wraps fn as a Subscriber. Each call returns a distinct
// subscriber identity.
func NewFuncSubscriber(fn EventFunc) Subscriber {
	return &funcSubscriber{fn: fn}
}

func (s *funcSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	return s.fn(ctx, topic, env, fields)
}

type matcher func(topic string) (bool, map[string]string)

func makeMatcher(pattern string) matcher {
	if mqttpattern.HasExtractions(pattern) {
		return func(topic string) (bool, map[string]string) {
			if mqttpattern.Matches(pattern, topic) {
				return true, mqttpattern.Extract(pattern, topic)
			}
			return false, nil
		}
	}

	if !strings.ContainsAny(pattern, "+#") {
		return func(topic string) (bool, map[string]string) {
			return topic == pattern, nil
		}
	}

	return func(topic string) (bool, map[string]string) {
		return mqttpattern.Matches(pattern, topic), nil
	}
}
