package market

import (
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
)

// Handlers holds optional callbacks for the marketplace's push routes. Unset
// callbacks leave their route unbound.
type Handlers struct {
	OnOrderUpdate   func(OrderUpdate) error
	OnChatMessage   func(ChatMessage) error
	OnAuctionUpdate func(AuctionUpdate) error
	OnUserStatus    func(UserStatus) error

	OnConnected    func()
	OnDisconnected func(reason string)
}

// Bind registers every set callback on r. It has the shape of a
// socket.RouteSetup so it can be passed to ClientBuilder.WithRoutes.
func (h Handlers) Bind(r *socket.Router) error {
	if err := bind(r, RouteOrderUpdate, h.OnOrderUpdate); err != nil {
		return err
	}
	if err := bind(r, RouteChatMessage, h.OnChatMessage); err != nil {
		return err
	}
	if err := bind(r, RouteAuctionUpdate, h.OnAuctionUpdate); err != nil {
		return err
	}
	if err := bind(r, RouteUserStatus, h.OnUserStatus); err != nil {
		return err
	}

	if h.OnConnected != nil {
		r.OnConnected(socket.HandlerFunc(func(protocol.Envelope, socket.MessageSender) error {
			h.OnConnected()
			return nil
		}))
	}
	if h.OnDisconnected != nil {
		r.OnDisconnected(socket.HandlerFunc(func(env protocol.Envelope, _ socket.MessageSender) error {
			h.OnDisconnected(env.DisconnectReason())
			return nil
		}))
	}
	return nil
}

func bind[T any](r *socket.Router, route string, fn func(T) error) error {
	if fn == nil {
		return nil
	}
	return socket.HandleJSON(r, route, func(v T, _ protocol.Envelope, _ socket.MessageSender) error {
		return fn(v)
	})
}
