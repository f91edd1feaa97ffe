package bus

import (
	"context"
	"fmt"

	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"go.uber.org/zap"
)

// EventBusBuilder provides a fluent interface for creating EventBus instances
type EventBusBuilder struct {
	logger          *zap.Logger
	bufferSize      int
	busName         string
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewEventBus creates a new EventBusBuilder
func NewEventBus() *EventBusBuilder {
	return &EventBusBuilder{
		bufferSize: 1000,
	}
}

// WithLogger sets the logger for the EventBus
func (b *EventBusBuilder) WithLogger(logger *zap.Logger) *EventBusBuilder {
	b.logger = logger
	return b
}

// WithName sets the name used in the EventBus's log lines
func (b *EventBusBuilder) WithName(name string) *EventBusBuilder {
	b.busName = name
	return b
}

// WithBufferSize sets the channel buffer size for the EventBus
func (b *EventBusBuilder) WithBufferSize(size int) *EventBusBuilder {
	b.bufferSize = size
	return b
}

func (b *EventBusBuilder) WithMetrics(provider o11y.MetricsProvider) *EventBusBuilder {
	b.metricsProvider = provider
	return b
}

func (b *EventBusBuilder) WithTracing(provider o11y.TracingProvider) *EventBusBuilder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *EventBusBuilder) IsValid() error {
	if b.bufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", b.bufferSize)
	}
	return nil
}

// Build creates and returns the EventBus instance, returning an error if configuration is invalid
func (b *EventBusBuilder) Build() (EventBus, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &basicEventBus{
		ch:              make(chan busMessage, b.bufferSize),
		ctx:             ctx,
		cancel:          cancel,
		subscriptions:   make(map[Subscriber]map[string]matcher),
		logger:          logger,
		name:            b.busName,
		tracingProvider: b.tracingProvider,
	}
	eb.setupMetrics(b.metricsProvider)

	return eb, nil
}
