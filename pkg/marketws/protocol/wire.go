package protocol

import (
	"encoding/json"
	"errors"
)

// wireFormat is the per-dialect serialization strategy. The only difference
// between dialects is the key name carrying the route.
type wireFormat interface {
	routeKey() string
	encode(e Envelope) ([]byte, error)
}

type legacyWire struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
	RefID   string          `json:"refId,omitempty"`
}

type currentWire struct {
	Route   string          `json:"route"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
	RefID   string          `json:"refId,omitempty"`
}

type legacyFormat struct{}

func (legacyFormat) routeKey() string { return "type" }

func (legacyFormat) encode(e Envelope) ([]byte, error) {
	return json.Marshal(legacyWire{Type: e.Route, Payload: e.Payload, ID: e.ID, RefID: e.RefID})
}

type currentFormat struct{}

func (currentFormat) routeKey() string { return "route" }

func (currentFormat) encode(e Envelope) ([]byte, error) {
	return json.Marshal(currentWire{Route: e.Route, Payload: e.Payload, ID: e.ID, RefID: e.RefID})
}

// inboundWire accepts either route key.
type inboundWire struct {
	Route   *string         `json:"route"`
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
	ID      *string         `json:"id"`
	RefID   *string         `json:"refId"`
}

var errMissingRoute = errors.New("missing route")

// decode prefers the key native to the connection's dialect and falls back to
// the other one.
func decode(data []byte, d Dialect) (Envelope, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}

	primary, secondary := w.Route, w.Type
	if d == DialectLegacy {
		primary, secondary = w.Type, w.Route
	}

	var route string
	switch {
	case primary != nil && *primary != "":
		route = *primary
	case secondary != nil && *secondary != "":
		route = *secondary
	default:
		return Envelope{}, errMissingRoute
	}

	e := Envelope{Route: route, Dialect: d}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		e.Payload = w.Payload
	}
	if w.ID != nil {
		e.ID = *w.ID
	}
	if w.RefID != nil {
		e.RefID = *w.RefID
	}
	return e, nil
}
