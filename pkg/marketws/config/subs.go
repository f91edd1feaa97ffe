package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
	"github.com/tsarna/marketws/pkg/marketws/subutils"
	"github.com/tsarna/marketws/pkg/marketws/transform"
)

func (c *Config) processSubscriptions(defs []SubscriptionDefinition) hcl.Diagnostics {
	var diags hcl.Diagnostics
	seen := make(map[string]bool)

	for _, def := range defs {
		if seen[def.Name] {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate subscription",
				Detail:   fmt.Sprintf("Subscription %q is defined more than once", def.Name),
				Subject:  &def.DefRange,
			})
			continue
		}
		seen[def.Name] = true

		route, err := protocol.ParseRoute(def.Route)
		if err == nil && route.IsInternal() {
			err = protocol.ErrReservedPath
		}
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid route",
				Detail:   fmt.Sprintf("Subscription %q: %s", def.Name, err),
				Subject:  &def.DefRange,
			})
			continue
		}

		topic, _ := bus.Topic(def.Route)
		sub := Subscription{Name: def.Name, Route: route, Topic: topic}

		if route.HasParameter {
			sub.Transforms = append(sub.Transforms, transform.OnlyRoute(def.Route))
		}
		rateLimit, rlDiags := parseDuration(nil, "rate_limit", def.RateLimit, &def.DefRange)
		if rlDiags.HasErrors() {
			diags = diags.Extend(rlDiags)
			continue
		}
		if rateLimit > 0 {
			sub.Transforms = append(sub.Transforms, transform.RateLimitByTopic(rateLimit))
		}
		if def.Delta {
			sub.Transforms = append(sub.Transforms, transform.DeltaTransform(c.Logger))
		}
		if def.Jq != "" {
			jq, err := transform.JqTransform(def.Jq, c.Logger)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid jq query",
					Detail:   fmt.Sprintf("Subscription %q: %s", def.Name, err),
					Subject:  &def.DefRange,
				})
				continue
			}
			sub.Transforms = append(sub.Transforms, jq)
		}

		c.Subscriptions = append(c.Subscriptions, sub)
	}

	return diags
}

// Routes returns the distinct routes named by subscriptions, parameters
// stripped.
func (c *Config) Routes() []string {
	seen := make(map[string]bool)
	var routes []string
	for _, sub := range c.Subscriptions {
		base := protocol.Route{Protocol: sub.Route.Protocol, Path: sub.Route.Path}.String()
		if !seen[base] {
			seen[base] = true
			routes = append(routes, base)
		}
	}
	return routes
}

// RouteSetup forwards every subscribed route onto eb.
func (c *Config) RouteSetup(eb bus.EventBus) socket.RouteSetup {
	return bus.ForwardRoutes(eb, c.Routes()...)
}

// Subscribe subscribes target to eb once per subscription block, behind that
// block's transforms.
func (c *Config) Subscribe(ctx context.Context, eb bus.EventBus, target bus.Subscriber) error {
	for _, sub := range c.Subscriptions {
		var s bus.Subscriber = target
		if len(sub.Transforms) > 0 {
			s = subutils.NewTransformingSubscriber(target, sub.Transforms...)
		}
		if err := eb.Subscribe(ctx, s, sub.Topic); err != nil {
			return fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
	}
	return nil
}
