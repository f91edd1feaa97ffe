package socket

import (
	"context"
	"weak"

	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

// Endpoint is a typed request route on a shared Client. It holds only a weak
// reference, so an Endpoint never keeps its Client alive; once the Client has
// been collected every call fails with protocol.ErrNotConnected.
type Endpoint[Req, Resp any] struct {
	route  string
	client weak.Pointer[Client]
}

// NewEndpoint validates route and binds it to c.
func NewEndpoint[Req, Resp any](c *Client, route string) (*Endpoint[Req, Resp], error) {
	if err := checkOutboundRoute(route); err != nil {
		return nil, err
	}
	return &Endpoint[Req, Resp]{route: route, client: weak.Make(c)}, nil
}

func (e *Endpoint[Req, Resp]) Route() string {
	return e.route
}

// Send enqueues req and returns the request id without waiting.
func (e *Endpoint[Req, Resp]) Send(req Req) (string, error) {
	c := e.client.Value()
	if c == nil {
		return "", protocol.ErrNotConnected
	}
	return c.SendRequest(e.route, req)
}

// Call sends req and decodes the correlated reply.
func (e *Endpoint[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var resp Resp
	c := e.client.Value()
	if c == nil {
		return resp, protocol.ErrNotConnected
	}
	env, err := c.Call(ctx, e.route, req)
	if err != nil {
		return resp, err
	}
	return e.Decode(env)
}

// Decode unmarshals a reply envelope into Resp.
func (e *Endpoint[Req, Resp]) Decode(env protocol.Envelope) (Resp, error) {
	var resp Resp
	err := env.DecodePayload(&resp)
	return resp, err
}
