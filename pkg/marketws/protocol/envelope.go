package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	InternalProtocol = "internal"

	// InternalID marks client-synthesized lifecycle envelopes. Caller ids are
	// random UUIDs and never take this value.
	InternalID = "INTERNAL"

	RouteConnected    = "@internal|internal/connected"
	RouteDisconnected = "@internal|internal/disconnected"
)

// Envelope is the normalized wire unit. Payload, ID and RefID are omitted from
// the wire when empty. Dialect is connection metadata and is never serialized.
type Envelope struct {
	Route   string
	Payload json.RawMessage
	ID      string
	RefID   string
	Dialect Dialect
}

// NewID mints a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// NewEnvelope builds an envelope with a freshly minted id. A nil payload is
// left absent; anything else is JSON encoded.
func NewEnvelope(route string, payload any, d Dialect) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode payload for %s: %w", route, err)
	}
	return Envelope{Route: route, Payload: raw, ID: NewID(), Dialect: d}, nil
}

// NewResponse builds an envelope answering the message whose id is refID.
func NewResponse(route string, payload any, refID string, d Dialect) (Envelope, error) {
	e, err := NewEnvelope(route, payload, d)
	if err != nil {
		return Envelope{}, err
	}
	e.RefID = refID
	return e, nil
}

// Connected is the lifecycle envelope routed locally once the socket opens.
func Connected(d Dialect) Envelope {
	return Envelope{
		Route:   RouteConnected,
		Payload: json.RawMessage(`{"status":"connected"}`),
		ID:      InternalID,
		Dialect: d,
	}
}

// Disconnected is the lifecycle envelope routed locally when the socket is lost.
func Disconnected(reason string, d Dialect) Envelope {
	raw, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{reason})
	return Envelope{
		Route:   RouteDisconnected,
		Payload: raw,
		ID:      InternalID,
		Dialect: d,
	}
}

// Unmarshal parses a frame received on a connection of dialect d. Failures are
// returned as *InvalidMessageError carrying the raw text.
func Unmarshal(data []byte, d Dialect) (Envelope, error) {
	e, err := decode(data, d)
	if err != nil {
		return Envelope{}, &InvalidMessageError{Raw: string(data), Err: err}
	}
	return e, nil
}

// Marshal serializes the envelope using its own dialect.
func (e Envelope) Marshal() ([]byte, error) {
	return e.MarshalFor(e.Dialect)
}

// MarshalFor serializes the envelope under dialect d.
func (e Envelope) MarshalFor(d Dialect) ([]byte, error) {
	return d.format().encode(e)
}

func (e Envelope) ParseRoute() (Route, error) {
	return ParseRoute(e.Route)
}

func (e Envelope) HasPayload() bool {
	return len(e.Payload) > 0
}

func (e Envelope) IsInternal() bool {
	return e.ID == InternalID
}

// DecodePayload unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if !e.HasPayload() {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of %s: %w", e.Route, err)
	}
	return nil
}

// DisconnectReason returns the reason carried by a disconnected lifecycle envelope.
func (e Envelope) DisconnectReason() string {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(e.Payload, &p)
	return p.Reason
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 || string(p) == "null" {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if string(raw) == "null" {
			return nil, nil
		}
		return raw, nil
	}
}
