package socket

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
)

// ClientBuilder provides a fluent interface for building market socket clients.
type ClientBuilder struct {
	url             string
	dialect         protocol.Dialect
	logger          *zap.Logger
	dialTimeout     time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	headers         http.Header
	setups          []RouteSetup
	errorHandler    ErrorHandler
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewClient creates a new client builder for the current dialect.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		dialect:     protocol.DialectCurrent,
		logger:      zap.NewNop(),
		dialTimeout: 30 * time.Second,
		readLimit:   1 << 20,
	}
}

// WithURL overrides the endpoint. When unset the dialect's endpoint is used.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithDialect selects the wire dialect.
func (b *ClientBuilder) WithDialect(d protocol.Dialect) *ClientBuilder {
	b.dialect = d
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the WebSocket connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteTimeout bounds each frame write. Zero means no bound.
func (b *ClientBuilder) WithWriteTimeout(timeout time.Duration) *ClientBuilder {
	if timeout >= 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithReadLimit sets the maximum inbound frame size in bytes. -1 disables the limit.
func (b *ClientBuilder) WithReadLimit(limit int64) *ClientBuilder {
	b.readLimit = limit
	return b
}

// WithHeaders adds HTTP headers to the WebSocket handshake.
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	for key, values := range headers {
		b.headers[http.CanonicalHeaderKey(key)] = values
	}
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(key, value)
	return b
}

// WithRoutes registers a setup function that binds handlers on the router of
// every new connection. Setups run in registration order.
func (b *ClientBuilder) WithRoutes(setup RouteSetup) *ClientBuilder {
	if setup != nil {
		b.setups = append(b.setups, setup)
	}
	return b
}

// WithErrorHandler receives invalid frames and routing failures.
func (b *ClientBuilder) WithErrorHandler(handler ErrorHandler) *ClientBuilder {
	b.errorHandler = handler
	return b
}

func (b *ClientBuilder) WithMetrics(provider o11y.MetricsProvider) *ClientBuilder {
	b.metricsProvider = provider
	return b
}

func (b *ClientBuilder) WithTracing(provider o11y.TracingProvider) *ClientBuilder {
	b.tracingProvider = provider
	return b
}

// Build creates and returns a new client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	endpoint := b.url
	if endpoint == "" {
		endpoint = b.dialect.URL()
	}

	client := &Client{
		url:             endpoint,
		dialect:         b.dialect,
		logger:          b.logger,
		dialTimeout:     b.dialTimeout,
		writeTimeout:    b.writeTimeout,
		readLimit:       b.readLimit,
		headers:         b.headers.Clone(),
		setups:          append([]RouteSetup(nil), b.setups...),
		errorHandler:    b.errorHandler,
		metricsProvider: b.metricsProvider,
		tracingProvider: b.tracingProvider,
		framesReceived:  o11y.CounterOrNil(b.metricsProvider, "socket_frames_received_total"),
		framesSent:      o11y.CounterOrNil(b.metricsProvider, "socket_frames_sent_total"),
		invalidFrames:   o11y.CounterOrNil(b.metricsProvider, "socket_invalid_frames_total"),
		routingErrors:   o11y.CounterOrNil(b.metricsProvider, "socket_routing_errors_total"),
		callDuration:    o11y.HistogramOrNil(b.metricsProvider, "socket_call_duration_seconds"),
	}

	return client, nil
}

// IsValid checks that the configuration is usable.
func (b *ClientBuilder) IsValid() error {
	if !b.dialect.Valid() {
		return fmt.Errorf("unknown dialect %d", int(b.dialect))
	}
	if b.url != "" {
		u, err := url.Parse(b.url)
		if err != nil {
			return fmt.Errorf("invalid URL: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
		}
	}
	if b.dialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	return nil
}
