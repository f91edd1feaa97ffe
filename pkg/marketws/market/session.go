package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsarna/marketws/pkg/marketws/socket"
)

// Session groups the request endpoints of one shared client.
type Session struct {
	setStatus *socket.Endpoint[SetStatusRequest, Ack]
	sendChat  *socket.Endpoint[SendChatRequest, Ack]
}

func NewSession(c *socket.Client) (*Session, error) {
	setStatus, err := socket.NewEndpoint[SetStatusRequest, Ack](c, RouteSetStatus)
	if err != nil {
		return nil, err
	}
	sendChat, err := socket.NewEndpoint[SendChatRequest, Ack](c, RouteSendChat)
	if err != nil {
		return nil, err
	}
	return &Session{setStatus: setStatus, sendChat: sendChat}, nil
}

// SetStatus changes the user's presence and waits for the acknowledgement.
func (s *Session) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	ack, err := s.setStatus.Call(ctx, SetStatusRequest{Status: status})
	if err != nil {
		return err
	}
	return ack.Err()
}

// SendChat posts text to a chat and waits for the acknowledgement.
func (s *Session) SendChat(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return errors.New("chat id is required")
	}
	ack, err := s.sendChat.Call(ctx, SendChatRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	return ack.Err()
}

// Err converts a negative acknowledgement into an error.
func (a Ack) Err() error {
	if a.OK {
		return nil
	}
	if a.Error == "" {
		return errors.New("request rejected")
	}
	return fmt.Errorf("request rejected: %s", a.Error)
}
