package bus

import (
	"context"
	"strings"

	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
)

// Topic maps a route to its bus topic, "<protocol>/<base path>". The route
// parameter is not part of the topic; subscribers read it from the envelope.
func Topic(route string) (string, error) {
	r, err := protocol.ParseRoute(route)
	if err != nil {
		return "", err
	}
	return r.Protocol + "/" + strings.Trim(r.BasePath(), "/"), nil
}

// Forward returns a handler that publishes every envelope it receives onto eb.
// Publishing only queues the envelope, so slow subscribers never hold up the
// connection's read loop.
func Forward(eb EventBus) socket.Handler {
	return socket.HandlerFunc(func(env protocol.Envelope, _ socket.MessageSender) error {
		topic, err := Topic(env.Route)
		if err != nil {
			return err
		}
		return eb.Publish(context.Background(), topic, env)
	})
}

// ForwardRoutes is a route setup binding Forward(eb) to each route.
func ForwardRoutes(eb EventBus, routes ...string) socket.RouteSetup {
	return func(r *socket.Router) error {
		h := Forward(eb)
		for _, route := range routes {
			if err := r.Handle(route, h); err != nil {
				return err
			}
		}
		return nil
	}
}

// ForwardLifecycle is a route setup publishing the connected and disconnected
// lifecycle envelopes onto eb, under "internal/internal/connected" and
// "internal/internal/disconnected". Unlike Forward it waits for delivery, so a
// caller that stops eb after the disconnected envelope does not lose it.
func ForwardLifecycle(eb EventBus) socket.RouteSetup {
	return func(r *socket.Router) error {
		h := socket.HandlerFunc(func(env protocol.Envelope, _ socket.MessageSender) error {
			topic, err := Topic(env.Route)
			if err != nil {
				return err
			}
			return eb.PublishSync(context.Background(), topic, env)
		})
		r.OnConnected(h)
		r.OnDisconnected(h)
		return nil
	}
}
