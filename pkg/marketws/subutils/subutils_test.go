package subutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/transform"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	calls  []string
	events []bus.Event
	block  chan struct{}
	err    error
}

func (r *recordingSubscriber) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	r.record("sub:" + topic)
	return nil
}

func (r *recordingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	r.record("unsub:" + topic)
	return nil
}

func (r *recordingSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	if r.block != nil {
		<-r.block
	}
	r.record("event:" + topic)
	r.mu.Lock()
	r.events = append(r.events, bus.Event{Topic: topic, Envelope: env, Fields: fields})
	r.mu.Unlock()
	return r.err
}

func (r *recordingSubscriber) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingSubscriber) Events() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Event(nil), r.events...)
}

func orderEnvelope(payload string) protocol.Envelope {
	return protocol.Envelope{
		Route:   "@wfm|orders/update",
		Payload: json.RawMessage(payload),
		ID:      "id-1",
		Dialect: protocol.DialectCurrent,
	}
}

func TestAsyncQueueingSubscriber(t *testing.T) {
	ctx := context.Background()

	t.Run("default queue size", func(t *testing.T) {
		a := NewAsyncQueueingSubscriber(&recordingSubscriber{}, 0)
		assert.Equal(t, 100, a.QueueCapacity())
	})

	t.Run("delivers in order", func(t *testing.T) {
		wrapped := &recordingSubscriber{}
		a := NewAsyncQueueingSubscriber(wrapped, 10).WithLogger(zaptest.NewLogger(t)).Start()
		defer a.Close()

		require.NoError(t, a.OnSubscribe(ctx, "wfm/#"))
		require.NoError(t, a.OnEvent(ctx, "wfm/orders/update", orderEnvelope(`{}`), map[string]string{"k": "v"}))
		require.NoError(t, a.OnUnsubscribe(ctx, "wfm/#"))

		assert.Eventually(t, func() bool { return len(wrapped.Calls()) == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"sub:wfm/#", "event:wfm/orders/update", "unsub:wfm/#"}, wrapped.Calls())
		assert.Equal(t, map[string]string{"k": "v"}, wrapped.Events()[0].Fields)
	})

	t.Run("queue full", func(t *testing.T) {
		wrapped := &recordingSubscriber{block: make(chan struct{})}
		a := NewAsyncQueueingSubscriber(wrapped, 1).Start()

		var full bool
		for i := 0; i < 5; i++ {
			if errors.Is(a.OnEvent(ctx, "t", orderEnvelope(`{}`), nil), ErrQueueFull) {
				full = true
				break
			}
		}
		assert.True(t, full)
		close(wrapped.block)
		require.NoError(t, a.Close())
	})

	t.Run("close drains and rejects", func(t *testing.T) {
		wrapped := &recordingSubscriber{}
		a := NewAsyncQueueingSubscriber(wrapped, 10)
		for i := 0; i < 5; i++ {
			require.NoError(t, a.OnEvent(ctx, "t", orderEnvelope(`{}`), nil))
		}
		assert.Equal(t, 5, a.QueueSize())

		a.Start()
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())
		assert.True(t, a.IsClosed())
		assert.Len(t, wrapped.Events(), 5)
		assert.ErrorIs(t, a.OnEvent(ctx, "t", orderEnvelope(`{}`), nil), ErrSubscriberClosed)
	})

	t.Run("wrapped errors are logged", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		wrapped := &recordingSubscriber{err: errors.New("boom")}
		a := NewAsyncQueueingSubscriber(wrapped, 10).WithLogger(zap.New(core)).Start()

		require.NoError(t, a.OnEvent(ctx, "t", orderEnvelope(`{}`), nil))
		require.NoError(t, a.Close())
		assert.Equal(t, 1, logs.FilterMessage("Async subscriber call failed").Len())
	})
}

func TestLoggingSubscriber(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		l := NewLoggingSubscriber(nil, nil, zap.InfoLevel)
		assert.Equal(t, "LoggingSubscriber", l.name)
		assert.NotNil(t, l.logger)
		assert.NoError(t, l.OnSubscribe(ctx, "t"))
		assert.NoError(t, l.OnEvent(ctx, "t", orderEnvelope(`{}`), nil))
		assert.NoError(t, l.OnUnsubscribe(ctx, "t"))
	})

	t.Run("logs envelope and forwards", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		wrapped := &recordingSubscriber{}
		l := NewNamedLoggingSubscriber(wrapped, zap.New(core), zap.InfoLevel, "orders")

		require.NoError(t, l.OnSubscribe(ctx, "wfm/#"))
		require.NoError(t, l.OnEvent(ctx, "wfm/orders/update", orderEnvelope(`{"id":"o1"}`), nil))

		assert.Equal(t, []string{"sub:wfm/#", "event:wfm/orders/update"}, wrapped.Calls())

		entries := logs.FilterMessage("OnEvent called").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, zap.InfoLevel, entries[0].Level)
		assert.Equal(t, "orders", fields["subscriber"])
		assert.Equal(t, "@wfm|orders/update", fields["route"])
		assert.Equal(t, "id-1", fields["id"])
		assert.Equal(t, `{"id":"o1"}`, fields["payload"])
	})

	t.Run("level filtering", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		l := NewLoggingSubscriber(nil, zap.New(core), zap.DebugLevel)
		require.NoError(t, l.OnEvent(ctx, "t", orderEnvelope(`{}`), nil))
		assert.Equal(t, 0, logs.Len())
	})
}

func TestTransformingSubscriber(t *testing.T) {
	ctx := context.Background()
	wrapped := &recordingSubscriber{}

	jq, err := transform.JqTransform(".price", nil)
	require.NoError(t, err)
	s := NewTransformingSubscriber(wrapped, transform.DropTopicPattern("internal/#"), jq)

	require.NoError(t, s.OnSubscribe(ctx, "#"))
	require.NoError(t, s.OnEvent(ctx, "internal/internal/connected", protocol.Connected(protocol.DialectCurrent), nil))
	require.NoError(t, s.OnEvent(ctx, "wfm/orders/update", orderEnvelope(`{"price":12}`), nil))
	require.NoError(t, s.OnUnsubscribe(ctx, "#"))

	assert.Equal(t, []string{"sub:#", "event:wfm/orders/update", "unsub:#"}, wrapped.Calls())
	assert.JSONEq(t, `12`, string(wrapped.Events()[0].Envelope.Payload))
}

func TestDecoratorsOnBus(t *testing.T) {
	ctx := context.Background()
	eb, err := bus.NewEventBus().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	require.NoError(t, eb.Start())
	defer eb.Stop()

	wrapped := &recordingSubscriber{}
	async := NewAsyncQueueingSubscriber(NewTransformingSubscriber(wrapped, transform.DeltaTransform(nil)), 10).Start()
	defer async.Close()

	require.NoError(t, eb.Subscribe(ctx, async, "wfm/#"))
	require.NoError(t, eb.PublishSync(ctx, "wfm/orders/update", orderEnvelope(`{"id":"o1","price":10}`)))
	require.NoError(t, eb.PublishSync(ctx, "wfm/orders/update", orderEnvelope(`{"id":"o1","price":11}`)))

	assert.Eventually(t, func() bool { return len(wrapped.Events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"price":11}`, string(wrapped.Events()[1].Envelope.Payload))
}
