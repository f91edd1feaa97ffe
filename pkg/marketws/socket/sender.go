package socket

import (
	"github.com/tsarna/marketws/pkg/marketws/protocol"
)

// MessageSender enqueues outbound envelopes for one connection. It is a small
// value; copies share the same queue, and messages submitted through any copy
// reach the transport in submission order. Sends never wait on the network.
type MessageSender struct {
	dialect protocol.Dialect
	queue   *outbox
}

func newMessageSender(d protocol.Dialect, queue *outbox) MessageSender {
	return MessageSender{dialect: d, queue: queue}
}

func (s MessageSender) Dialect() protocol.Dialect {
	return s.dialect
}

// SendMessage enqueues e as is. A released queue yields protocol.ErrSendFailed.
func (s MessageSender) SendMessage(e protocol.Envelope) error {
	if s.queue == nil {
		return protocol.ErrSendFailed
	}
	if e.Dialect == 0 {
		e.Dialect = s.dialect
	}
	return s.queue.push(e)
}

// SendRequest enqueues a new envelope and returns its id so the caller can
// correlate a later reply. No reply is awaited or tracked here.
func (s MessageSender) SendRequest(route string, payload any) (string, error) {
	e, err := protocol.NewEnvelope(route, payload, s.dialect)
	if err != nil {
		return "", err
	}
	if err := s.SendMessage(e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// SendResponse enqueues a new envelope answering the message whose id is refID.
func (s MessageSender) SendResponse(route string, payload any, refID string) error {
	e, err := protocol.NewResponse(route, payload, refID, s.dialect)
	if err != nil {
		return err
	}
	return s.SendMessage(e)
}
