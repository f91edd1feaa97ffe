package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/marketws/pkg/marketws/bus"
	"go.uber.org/zap"
)

// JqTransform compiles query and returns a transform that replaces each
// event's payload with the query's output.
//
// The query can read $topic (the bus topic), $route (the envelope's route,
// including any parameter) and $id (the envelope id, empty for pushes).
//
// A query producing no output drops the event. Several outputs are collected
// into an array. Runtime errors are logged and the event passes through
// unchanged.
func JqTransform(query string, logger *zap.Logger) (MessageTransformFunc, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query %q: %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$topic", "$route", "$id"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query %q: %w", query, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ev *bus.Event) (*bus.Event, bool) {
		log := logger.With(zap.String("jq_query", query), zap.String("topic", ev.Topic))

		var input any
		if len(ev.Envelope.Payload) > 0 {
			if err := json.Unmarshal(ev.Envelope.Payload, &input); err != nil {
				log.Error("jq transform: payload is not valid JSON", zap.Error(err))
				return ev, true
			}
		}

		iter := code.RunWithContext(context.Background(), input, ev.Topic, ev.Envelope.Route, ev.Envelope.ID)

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				log.Error("jq transform: execution error", zap.Error(err))
				return ev, true
			}
			results = append(results, v)
		}

		if len(results) == 0 {
			return nil, false
		}

		var out any = results
		if len(results) == 1 {
			out = results[0]
		}

		data, err := json.Marshal(out)
		if err != nil {
			log.Error("jq transform: failed to encode result", zap.Error(err))
			return ev, true
		}

		transformed := *ev
		transformed.Envelope.Payload = data
		return &transformed, true
	}, nil
}
