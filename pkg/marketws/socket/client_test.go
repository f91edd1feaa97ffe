package socket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/wstest"
	"go.uber.org/zap"
)

const waitTimeout = 2 * time.Second

// recorder collects envelopes and errors delivered on the client's goroutines.
type recorder struct {
	envs chan protocol.Envelope
	errs chan error
}

func newRecorder() *recorder {
	return &recorder{
		envs: make(chan protocol.Envelope, 64),
		errs: make(chan error, 64),
	}
}

func (r *recorder) Handle(env protocol.Envelope, sender MessageSender) error {
	r.envs <- env
	return nil
}

func (r *recorder) onError(err error) {
	r.errs <- err
}

func (r *recorder) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-r.envs:
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-r.envs:
		t.Fatalf("unexpected envelope %s", env.Route)
	case err := <-r.errs:
		t.Fatalf("unexpected error %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func startServer(t *testing.T, d protocol.Dialect) *wstest.Server {
	t.Helper()
	srv := wstest.NewServer(d, zap.NewNop())
	t.Cleanup(srv.Close)
	return srv
}

func connectClient(t *testing.T, srv *wstest.Server, d protocol.Dialect, rec *recorder, routes ...string) *Client {
	t.Helper()
	client, err := NewClient().
		WithURL(srv.URL()).
		WithDialect(d).
		WithDialTimeout(waitTimeout).
		WithErrorHandler(rec.onError).
		WithRoutes(func(r *Router) error {
			r.OnConnected(rec)
			r.OnDisconnected(rec)
			for _, route := range routes {
				if err := r.Handle(route, rec); err != nil {
					return err
				}
			}
			return nil
		}).
		Build()
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, srv.WaitForConnection(ctx))

	connected := rec.next(t)
	require.Equal(t, protocol.RouteConnected, connected.Route)
	return client
}

func TestClientNotConnected(t *testing.T) {
	client, err := NewClient().WithURL("ws://127.0.0.1:1/socket").Build()
	require.NoError(t, err)

	_, err = client.SendRequest("@wfm|x", nil)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.ErrorIs(t, client.SendResponse("@wfm|x", nil, "r"), protocol.ErrNotConnected)
	_, err = client.Call(context.Background(), "@wfm|x", nil)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	_, err = client.Sender()
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.ErrorIs(t, client.Disconnect(), protocol.ErrNotConnected)
	assert.Equal(t, 0, client.PendingCalls())
}

func TestClientConnectFailure(t *testing.T) {
	client, err := NewClient().
		WithURL("ws://127.0.0.1:1/socket").
		WithDialTimeout(500 * time.Millisecond).
		Build()
	require.NoError(t, err)

	err = client.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientRouteSetupFailure(t *testing.T) {
	srv := startServer(t, protocol.DialectCurrent)
	client, err := NewClient().
		WithURL(srv.URL()).
		WithRoutes(func(r *Router) error { return r.Handle(protocol.RouteConnected, HandlerFunc(nil)) }).
		Build()
	require.NoError(t, err)

	err = client.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientInbound(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, protocol.DialectCurrent)
	rec := newRecorder()
	client := connectClient(t, srv, protocol.DialectCurrent, rec, "@wfm|orders/update")
	assert.Equal(t, StateConnected, client.State())

	t.Run("bound route reaches its handler once", func(t *testing.T) {
		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|orders/update","payload":{"id":"o1"},"id":"m1"}`)))

		env := rec.next(t)
		assert.Equal(t, "@wfm|orders/update", env.Route)
		assert.Equal(t, "m1", env.ID)
		assert.Equal(t, protocol.DialectCurrent, env.Dialect)
		assert.JSONEq(t, `{"id":"o1"}`, string(env.Payload))
		rec.quiet(t)
	})

	t.Run("unbound route reports invalid path and the loop continues", func(t *testing.T) {
		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|unknown"}`)))
		assert.ErrorIs(t, rec.nextError(t), protocol.ErrInvalidPath)

		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|orders/update"}`)))
		assert.Equal(t, "@wfm|orders/update", rec.next(t).Route)
	})

	t.Run("malformed frame carries the raw text and the loop continues", func(t *testing.T) {
		require.NoError(t, srv.PushRaw(ctx, []byte(`{not json`)))

		err := rec.nextError(t)
		assert.ErrorIs(t, err, protocol.ErrInvalidMessageReceived)
		var invalid *protocol.InvalidMessageError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, `{not json`, invalid.Raw)

		require.NoError(t, srv.PushRaw(ctx, []byte(`{"type":"@wfm|orders/update"}`)))
		assert.Equal(t, "@wfm|orders/update", rec.next(t).Route)
	})

	t.Run("binary frame is rejected and the loop continues", func(t *testing.T) {
		require.NoError(t, srv.PushBinary(ctx, []byte(`{"route":"@wfm|orders/update"}`)))

		err := rec.nextError(t)
		assert.ErrorIs(t, err, protocol.ErrInvalidMessageReceived)
		var invalid *protocol.InvalidMessageError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, `{"route":"@wfm|orders/update"}`, invalid.Raw)
		rec.quiet(t)

		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|orders/update"}`)))
		assert.Equal(t, "@wfm|orders/update", rec.next(t).Route)
	})

	t.Run("inbound internal routes are refused", func(t *testing.T) {
		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@internal|internal/connected","id":"INTERNAL"}`)))
		assert.ErrorIs(t, rec.nextError(t), protocol.ErrReservedPath)
		rec.quiet(t)
	})

	t.Run("connect while connected fails", func(t *testing.T) {
		assert.ErrorIs(t, client.Connect(ctx), protocol.ErrAlreadyConnected)
	})
}

func TestClientOutbound(t *testing.T) {
	for _, d := range []protocol.Dialect{protocol.DialectLegacy, protocol.DialectCurrent} {
		t.Run(d.String(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()

			srv := startServer(t, d)
			client := connectClient(t, srv, d, newRecorder())

			id, err := client.SendRequest("@wfm|user/set-status", map[string]string{"status": "online"})
			require.NoError(t, err)
			require.NoError(t, client.SendResponse("@wfm|chat/send", "hi", "server-7"))

			req, err := srv.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, "@wfm|user/set-status", req.Route)
			assert.Equal(t, id, req.ID)
			assert.JSONEq(t, `{"status":"online"}`, string(req.Payload))

			resp, err := srv.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, "server-7", resp.RefID)
			assert.NotEqual(t, "server-7", resp.ID)
		})
	}

	t.Run("route validation", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		client := connectClient(t, srv, protocol.DialectCurrent, newRecorder())

		_, err := client.SendRequest(protocol.RouteDisconnected, nil)
		assert.ErrorIs(t, err, protocol.ErrReservedPath)
		assert.ErrorIs(t, client.SendResponse("@internal|x", nil, "r"), protocol.ErrReservedPath)
		_, err = client.SendRequest("no-separator", nil)
		assert.ErrorIs(t, err, protocol.ErrInvalidPath)
	})

	t.Run("handshake headers are sent", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		client, err := NewClient().WithURL(srv.URL()).WithHeader("User-Agent", "marketws-test").Build()
		require.NoError(t, err)
		require.NoError(t, client.Connect(context.Background()))
		defer client.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, srv.WaitForConnection(ctx))
		assert.Equal(t, "marketws-test", srv.LastHeaders().Get("User-Agent"))
	})
}

func TestClientFlush(t *testing.T) {
	t.Run("queued requests reach the server before disconnect", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			srv := startServer(t, protocol.DialectCurrent)
			client := connectClient(t, srv, protocol.DialectCurrent, newRecorder())

			id, err := client.SendRequest("@wfm|user/set-status", map[string]string{"status": "online"})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			require.NoError(t, client.Flush(ctx))
			require.NoError(t, client.Disconnect())

			req, err := srv.Next(ctx)
			cancel()
			require.NoError(t, err)
			assert.Equal(t, id, req.ID)
		}
	})

	t.Run("empty queue returns at once", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		client := connectClient(t, srv, protocol.DialectCurrent, newRecorder())
		assert.NoError(t, client.Flush(context.Background()))
	})

	t.Run("not connected", func(t *testing.T) {
		client, err := NewClient().WithURL("ws://127.0.0.1:1/socket").Build()
		require.NoError(t, err)
		assert.ErrorIs(t, client.Flush(context.Background()), protocol.ErrNotConnected)
	})
}

func TestClientHandlerReplies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	srv := startServer(t, protocol.DialectCurrent)
	client, err := NewClient().
		WithURL(srv.URL()).
		WithRoutes(func(r *Router) error {
			return r.HandleFunc("@wfm|ping", func(env protocol.Envelope, sender MessageSender) error {
				return sender.SendResponse("@wfm|pong", env.Payload, env.ID)
			})
		}).
		Build()
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()
	require.NoError(t, srv.WaitForConnection(ctx))

	require.NoError(t, srv.Push(ctx, protocol.Envelope{Route: "@wfm|ping", ID: "srv-1", Payload: json.RawMessage(`42`)}))

	reply, err := srv.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "@wfm|pong", reply.Route)
	assert.Equal(t, "srv-1", reply.RefID)
	assert.Equal(t, "42", string(reply.Payload))
}

func TestClientDisconnect(t *testing.T) {
	t.Run("explicit disconnect routes one disconnected envelope", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		rec := newRecorder()
		client := connectClient(t, srv, protocol.DialectCurrent, rec)
		sender, err := client.Sender()
		require.NoError(t, err)

		require.NoError(t, client.Disconnect())
		assert.ErrorIs(t, client.Disconnect(), protocol.ErrNotConnected)

		env := rec.next(t)
		assert.Equal(t, protocol.RouteDisconnected, env.Route)
		assert.Equal(t, protocol.InternalID, env.ID)
		assert.Equal(t, "client disconnect", env.DisconnectReason())
		rec.quiet(t)

		assert.Equal(t, StateDisconnected, client.State())
		_, err = client.SendRequest("@wfm|x", nil)
		assert.ErrorIs(t, err, protocol.ErrNotConnected)
		assert.ErrorIs(t, sender.SendMessage(protocol.Envelope{Route: "@wfm|x"}), protocol.ErrSendFailed)
	})

	t.Run("server close routes the close reason", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		rec := newRecorder()
		client := connectClient(t, srv, protocol.DialectCurrent, rec)

		srv.CloseConnections(websocket.StatusGoingAway, "maintenance")

		env := rec.next(t)
		assert.Equal(t, protocol.RouteDisconnected, env.Route)
		assert.Contains(t, env.DisconnectReason(), "maintenance")
		rec.quiet(t)

		assert.Eventually(t, func() bool { return client.State() == StateDisconnected }, waitTimeout, 10*time.Millisecond)
		assert.ErrorIs(t, client.Disconnect(), protocol.ErrNotConnected)
	})

	t.Run("cancelling the connect context ends the connection", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		rec := newRecorder()
		client, err := NewClient().
			WithURL(srv.URL()).
			WithRoutes(func(r *Router) error {
				r.OnDisconnected(rec)
				return nil
			}).
			Build()
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, client.Connect(ctx))
		cancel()

		env := rec.next(t)
		assert.Equal(t, protocol.RouteDisconnected, env.Route)
		assert.NotEqual(t, "client disconnect", env.DisconnectReason())
	})

	t.Run("reconnect rebuilds the router", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		var setups atomic.Int32
		rec := newRecorder()
		client, err := NewClient().
			WithURL(srv.URL()).
			WithRoutes(func(r *Router) error {
				setups.Add(1)
				r.OnConnected(rec)
				r.OnDisconnected(rec)
				return nil
			}).
			Build()
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			require.NoError(t, client.Connect(context.Background()))
			assert.Equal(t, protocol.RouteConnected, rec.next(t).Route)
			require.NoError(t, client.Disconnect())
			assert.Equal(t, protocol.RouteDisconnected, rec.next(t).Route)
		}
		assert.Equal(t, int32(2), setups.Load())
		rec.quiet(t)
	})
}

func TestClientCall(t *testing.T) {
	t.Run("reply resolves the waiter and is not routed", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		srv.Respond("@wfm|user/set-status", func(req protocol.Envelope) (any, bool) {
			var body map[string]string
			_ = json.Unmarshal(req.Payload, &body)
			return map[string]string{"status": body["status"], "ok": "yes"}, true
		})
		rec := newRecorder()
		client := connectClient(t, srv, protocol.DialectCurrent, rec)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		reply, err := client.Call(ctx, "@wfm|user/set-status", map[string]string{"status": "invisible"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"invisible","ok":"yes"}`, string(reply.Payload))
		assert.NotEmpty(t, reply.RefID)
		assert.Equal(t, 0, client.PendingCalls())
		rec.quiet(t)
	})

	t.Run("concurrent calls are matched by id", func(t *testing.T) {
		srv := startServer(t, protocol.DialectLegacy)
		srv.Respond("@wfm|echo", func(req protocol.Envelope) (any, bool) {
			return req.Payload, true
		})
		client := connectClient(t, srv, protocol.DialectLegacy, newRecorder())

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				reply, err := client.Call(ctx, "@wfm|echo", n)
				if assert.NoError(t, err) {
					var got int
					assert.NoError(t, reply.DecodePayload(&got))
					assert.Equal(t, n, got)
				}
			}(i)
		}
		wg.Wait()
	})

	t.Run("context expiry abandons the waiter", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		client := connectClient(t, srv, protocol.DialectCurrent, newRecorder())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := client.Call(ctx, "@wfm|silent", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, client.PendingCalls())
	})

	t.Run("connection loss fails pending calls", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		client := connectClient(t, srv, protocol.DialectCurrent, newRecorder())

		done := make(chan error, 1)
		go func() {
			_, err := client.Call(context.Background(), "@wfm|silent", nil)
			done <- err
		}()

		assert.Eventually(t, func() bool { return client.PendingCalls() == 1 }, waitTimeout, 5*time.Millisecond)
		srv.CloseConnections(websocket.StatusGoingAway, "bye")

		select {
		case err := <-done:
			assert.ErrorIs(t, err, protocol.ErrNotConnected)
		case <-time.After(waitTimeout):
			t.Fatal("call was not failed")
		}
	})

	t.Run("internal route is reserved", func(t *testing.T) {
		srv := startServer(t, protocol.DialectCurrent)
		client := connectClient(t, srv, protocol.DialectCurrent, newRecorder())
		_, err := client.Call(context.Background(), protocol.RouteConnected, nil)
		assert.ErrorIs(t, err, protocol.ErrReservedPath)
	})
}

func TestClientMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	metrics := o11y.NewStandaloneMetricsProvider(nil, nil)
	srv := startServer(t, protocol.DialectCurrent)
	rec := newRecorder()
	client, err := NewClient().
		WithURL(srv.URL()).
		WithMetrics(metrics).
		WithErrorHandler(rec.onError).
		WithRoutes(func(r *Router) error { return r.Handle("@wfm|x", rec) }).
		Build()
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()
	require.NoError(t, srv.WaitForConnection(ctx))

	require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|x"}`)))
	rec.next(t)
	require.NoError(t, srv.PushRaw(ctx, []byte(`garbage`)))
	rec.nextError(t)
	require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|y"}`)))
	rec.nextError(t)

	_, err = client.SendRequest("@wfm|out", nil)
	require.NoError(t, err)
	_, err = srv.Next(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return metrics.Snapshot().Counters["socket_frames_sent_total"] == 1
	}, waitTimeout, 5*time.Millisecond)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(3), snap.Counters["socket_frames_received_total"])
	assert.Equal(t, int64(1), snap.Counters["socket_invalid_frames_total"])
	assert.Equal(t, int64(1), snap.Counters["socket_routing_errors_total"])
	assert.Equal(t, int64(1), snap.Counters["router_messages_routed_total"])
}
