package transform

import (
	"encoding/json"
	"sync"

	"github.com/tsarna/go-structdiff"
	"github.com/tsarna/marketws/pkg/marketws/bus"
	"go.uber.org/zap"
)

// DeltaTransform replaces each object payload with its structural difference
// from the previous object payload seen on the same route, parameter included.
// The first payload on a route passes through whole. A payload identical to its predecessor is
// dropped. Non-object payloads pass through and reset nothing.
func DeltaTransform(logger *zap.Logger) MessageTransformFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	var mu sync.Mutex
	last := make(map[string]map[string]any)

	return func(ev *bus.Event) (*bus.Event, bool) {
		var current map[string]any
		if err := json.Unmarshal(ev.Envelope.Payload, &current); err != nil || current == nil {
			return ev, true
		}

		key := ev.Envelope.Route
		if key == "" {
			key = ev.Topic
		}

		mu.Lock()
		previous, seen := last[key]
		last[key] = current
		mu.Unlock()

		if !seen {
			return ev, true
		}

		diff, err := structdiff.Diff(previous, current)
		if err != nil {
			logger.Error("delta transform: diff failed", zap.String("route", key), zap.Error(err))
			return ev, true
		}
		if isEmptyDiff(diff) {
			return nil, false
		}

		data, err := json.Marshal(diff)
		if err != nil {
			logger.Error("delta transform: failed to encode diff", zap.String("route", key), zap.Error(err))
			return ev, true
		}

		transformed := *ev
		transformed.Envelope.Payload = data
		return &transformed, true
	}
}

func isEmptyDiff(diff any) bool {
	if diff == nil {
		return true
	}
	if m, ok := diff.(map[string]any); ok {
		return len(m) == 0
	}
	return false
}
