package socket

import (
	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

// JSONHandler adapts fn to a Handler that decodes the payload into T first. An
// absent payload yields the zero T.
func JSONHandler[T any](fn func(v T, env protocol.Envelope, sender MessageSender) error) Handler {
	return HandlerFunc(func(env protocol.Envelope, sender MessageSender) error {
		var v T
		if err := env.DecodePayload(&v); err != nil {
			return err
		}
		return fn(v, env, sender)
	})
}

// HandleJSON binds a typed handler to route.
func HandleJSON[T any](r *Router, route string, fn func(v T, env protocol.Envelope, sender MessageSender) error) error {
	return r.Handle(route, JSONHandler(fn))
}
