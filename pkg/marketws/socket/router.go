package socket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
)

// Handler processes one inbound envelope. Request/response handlers reply with
// sender.SendResponse(route, payload, env.ID); pub/sub handlers just observe.
// Handlers run on the connection's read goroutine and must not block.
type Handler interface {
	Handle(env protocol.Envelope, sender MessageSender) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(env protocol.Envelope, sender MessageSender) error

func (f HandlerFunc) Handle(env protocol.Envelope, sender MessageSender) error {
	return f(env, sender)
}

// RouteSetup populates a freshly built Router. Clients call every registered
// setup once per connection.
type RouteSetup func(r *Router) error

// Router maps routes to handlers, keyed by protocol then full path. The
// internal namespace is never reachable through Handle or RouteMessage; the
// two lifecycle events are observed through OnConnected and OnDisconnected.
type Router struct {
	mu        sync.RWMutex
	bindings  map[string]map[string]Handler
	lifecycle map[string][]Handler
	logger    *zap.Logger

	tracingProvider o11y.TracingProvider
	routedCounter   o11y.Counter
	errorCounter    o11y.Counter
}

// NewRouter creates an empty router. A nil logger is replaced by a no-op logger.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		bindings:  make(map[string]map[string]Handler),
		lifecycle: make(map[string][]Handler),
		logger:    logger,
	}
}

// WithMetrics records routed and failed dispatches.
func (r *Router) WithMetrics(provider o11y.MetricsProvider) *Router {
	r.routedCounter = o11y.CounterOrNil(provider, "router_messages_routed_total")
	r.errorCounter = o11y.CounterOrNil(provider, "router_errors_total")
	return r
}

// WithTracing starts a span per dispatch.
func (r *Router) WithTracing(provider o11y.TracingProvider) *Router {
	r.tracingProvider = provider
	return r
}

// Handle binds h to route. The route may carry a parameter, in which case the
// binding is more specific than one on the bare path. The first binding for a
// full path wins; later ones fail with protocol.ErrAlreadyRegistered.
func (r *Router) Handle(route string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", route)
	}

	parsed, err := protocol.ParseRoute(route)
	if err != nil {
		return err
	}
	if parsed.IsInternal() {
		return fmt.Errorf("%w: %s", protocol.ErrReservedPath, route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	paths, ok := r.bindings[parsed.Protocol]
	if !ok {
		paths = make(map[string]Handler)
		r.bindings[parsed.Protocol] = paths
	}

	key := parsed.FullPath()
	if _, exists := paths[key]; exists {
		return fmt.Errorf("%w: %s", protocol.ErrAlreadyRegistered, parsed)
	}
	paths[key] = h

	r.logger.Debug("Handler registered", zap.String("route", parsed.String()))
	return nil
}

func (r *Router) HandleFunc(route string, f HandlerFunc) error {
	return r.Handle(route, f)
}

// OnConnected subscribes h to the connected lifecycle event.
func (r *Router) OnConnected(h Handler) {
	r.onLifecycle(protocol.RouteConnected, h)
}

// OnDisconnected subscribes h to the disconnected lifecycle event.
func (r *Router) OnDisconnected(h Handler) {
	r.onLifecycle(protocol.RouteDisconnected, h)
}

func (r *Router) onLifecycle(route string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycle[route] = append(r.lifecycle[route], h)
}

// RouteMessage dispatches env to the handler bound to its full path, falling
// back to its base path. Unbound routes fail with protocol.ErrInvalidPath and
// internal routes with protocol.ErrReservedPath.
func (r *Router) RouteMessage(env protocol.Envelope, sender MessageSender) (err error) {
	ctx := context.Background()
	var span o11y.Span
	if r.tracingProvider != nil {
		ctx, span = r.tracingProvider.StartSpan(ctx, "router.route")
		span.SetAttributes(o11y.Label{Key: "route", Value: env.Route})
		defer func() { o11y.EndSpan(span, err) }()
	}

	defer func() {
		if err != nil {
			if r.errorCounter != nil {
				r.errorCounter.Add(ctx, 1, o11y.Label{Key: "reason", Value: errorReason(err)})
			}
		} else if r.routedCounter != nil {
			r.routedCounter.Add(ctx, 1)
		}
	}()

	parsed, err := protocol.ParseRoute(env.Route)
	if err != nil {
		return err
	}
	if parsed.IsInternal() {
		return fmt.Errorf("%w: %s", protocol.ErrReservedPath, env.Route)
	}

	h, ok := r.lookup(parsed)
	if !ok {
		return fmt.Errorf("%w: no handler for %s", protocol.ErrInvalidPath, env.Route)
	}

	return h.Handle(env, sender)
}

// routeInternal delivers a client-synthesized lifecycle envelope to every
// lifecycle subscriber. Subscriber errors are logged and do not stop delivery.
func (r *Router) routeInternal(env protocol.Envelope, sender MessageSender) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.lifecycle[env.Route]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(env, sender); err != nil {
			r.logger.Warn("Lifecycle handler failed",
				zap.String("route", env.Route),
				zap.Error(err),
			)
		}
	}
}

func (r *Router) lookup(route protocol.Route) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths, ok := r.bindings[route.Protocol]
	if !ok {
		return nil, false
	}
	if h, ok := paths[route.FullPath()]; ok {
		return h, true
	}
	h, ok := paths[route.BasePath()]
	return h, ok
}

// Routes lists every bound route in canonical form, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var routes []string
	for proto, paths := range r.bindings {
		for path := range paths {
			routes = append(routes, "@"+proto+"|"+path)
		}
	}
	sort.Strings(routes)
	return routes
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, protocol.ErrReservedPath):
		return "reserved_path"
	default:
		return "handler"
	}
}
