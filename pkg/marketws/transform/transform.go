// Package transform rewrites or drops bus events before they reach a
// subscriber.
package transform

import (
	"sync"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

// MessageTransformFunc transforms one event. Returning nil drops the event;
// returning false stops any further transforms in a chain.
type MessageTransformFunc func(ev *bus.Event) (*bus.Event, bool)

// DropTopicPattern drops events whose topic matches the MQTT style pattern.
func DropTopicPattern(pattern string) MessageTransformFunc {
	return func(ev *bus.Event) (*bus.Event, bool) {
		if mqttpattern.Matches(pattern, ev.Topic) {
			return nil, false
		}
		return ev, true
	}
}

// OnlyTopicPattern keeps only events whose topic matches pattern.
func OnlyTopicPattern(pattern string) MessageTransformFunc {
	return func(ev *bus.Event) (*bus.Event, bool) {
		if !mqttpattern.Matches(pattern, ev.Topic) {
			return nil, false
		}
		return ev, true
	}
}

// OnlyRoute keeps only events whose envelope route has the same full path as
// route, parameter included. An invalid route keeps nothing.
func OnlyRoute(route string) MessageTransformFunc {
	want, err := protocol.ParseRoute(route)
	return func(ev *bus.Event) (*bus.Event, bool) {
		if err != nil {
			return nil, false
		}
		got, perr := protocol.ParseRoute(ev.Envelope.Route)
		if perr != nil || got.Protocol != want.Protocol || got.FullPath() != want.FullPath() {
			return nil, false
		}
		return ev, true
	}
}

// RateLimitByTopic lets at most one event per topic through every minInterval.
func RateLimitByTopic(minInterval time.Duration) MessageTransformFunc {
	var mu sync.Mutex
	lastSent := make(map[string]time.Time)

	return func(ev *bus.Event) (*bus.Event, bool) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if last, ok := lastSent[ev.Topic]; ok && now.Sub(last) < minInterval {
			return nil, false
		}
		lastSent[ev.Topic] = now
		return ev, true
	}
}

// ChainTransforms combines transforms into one, for building reusable
// pipelines.
func ChainTransforms(transforms ...MessageTransformFunc) MessageTransformFunc {
	return func(ev *bus.Event) (*bus.Event, bool) {
		return ApplyTransforms(ev, transforms)
	}
}

// ApplyTransforms runs ev through transforms in order, stopping when one drops
// the event or asks to stop.
func ApplyTransforms(ev *bus.Event, transforms []MessageTransformFunc) (*bus.Event, bool) {
	current := ev
	for _, transform := range transforms {
		if current == nil {
			return nil, false
		}

		next, cont := transform(current)
		current = next
		if current == nil || !cont {
			return current, cont
		}
	}
	return current, true
}
