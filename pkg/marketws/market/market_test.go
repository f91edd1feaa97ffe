package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
	"github.com/tsarna/marketws/pkg/marketws/wstest"
	"go.uber.org/zap"
)

const waitTimeout = 2 * time.Second

func TestHandlersBind(t *testing.T) {
	t.Run("only set callbacks are bound", func(t *testing.T) {
		r := socket.NewRouter(zap.NewNop())
		require.NoError(t, Handlers{
			OnOrderUpdate: func(OrderUpdate) error { return nil },
			OnUserStatus:  func(UserStatus) error { return nil },
		}.Bind(r))

		assert.Equal(t, []string{"@wfm|orders/update", "@wfm|user/status"}, r.Routes())
	})

	t.Run("binding twice collides", func(t *testing.T) {
		r := socket.NewRouter(nil)
		h := Handlers{OnChatMessage: func(ChatMessage) error { return nil }}
		require.NoError(t, h.Bind(r))
		assert.ErrorIs(t, h.Bind(r), protocol.ErrAlreadyRegistered)
	})
}

func TestMarketEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	srv := wstest.NewServer(protocol.DialectCurrent, zap.NewNop())
	defer srv.Close()
	srv.Respond(RouteSetStatus, func(req protocol.Envelope) (any, bool) {
		var body SetStatusRequest
		_ = req.DecodePayload(&body)
		if body.Status == StatusOffline {
			return Ack{Error: "cannot go offline over the socket"}, true
		}
		return Ack{OK: true}, true
	})
	srv.Respond(RouteSendChat, func(req protocol.Envelope) (any, bool) {
		return Ack{OK: true}, true
	})

	orders := make(chan OrderUpdate, 4)
	statuses := make(chan UserStatus, 4)
	connected := make(chan struct{}, 1)
	disconnected := make(chan string, 1)

	client, err := socket.NewClient().
		WithURL(srv.URL()).
		WithRoutes(Handlers{
			OnOrderUpdate: func(o OrderUpdate) error {
				orders <- o
				return nil
			},
			OnUserStatus: func(s UserStatus) error {
				statuses <- s
				return nil
			},
			OnConnected:    func() { connected <- struct{}{} },
			OnDisconnected: func(reason string) { disconnected <- reason },
		}.Bind).
		Build()
	require.NoError(t, err)

	session, err := NewSession(client)
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, srv.WaitForConnection(ctx))
	<-connected

	t.Run("order updates are decoded", func(t *testing.T) {
		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|orders/update","payload":{"id":"o1","type":"sell","itemId":"i1","platinum":25,"quantity":2,"rank":3,"visible":true,"updatedAt":"2024-05-01T10:00:00Z"}}`)))

		select {
		case o := <-orders:
			assert.Equal(t, "o1", o.ID)
			assert.Equal(t, 25, o.Platinum)
			require.NotNil(t, o.Rank)
			assert.Equal(t, 3, *o.Rank)
			assert.Equal(t, 2024, o.UpdatedAt.Year())
		case <-time.After(waitTimeout):
			t.Fatal("no order update")
		}
	})

	t.Run("user status", func(t *testing.T) {
		require.NoError(t, srv.PushRaw(ctx, []byte(`{"route":"@wfm|user/status","payload":{"status":"ingame"}}`)))
		select {
		case s := <-statuses:
			assert.Equal(t, StatusInGame, s.Status)
		case <-time.After(waitTimeout):
			t.Fatal("no status")
		}
	})

	t.Run("set status", func(t *testing.T) {
		require.NoError(t, session.SetStatus(ctx, StatusInvisible))

		err := session.SetStatus(ctx, StatusOffline)
		assert.ErrorContains(t, err, "cannot go offline")

		assert.Error(t, session.SetStatus(ctx, Status("away")))
	})

	t.Run("send chat", func(t *testing.T) {
		require.NoError(t, session.SendChat(ctx, "chat-1", "wtb"))
		assert.Error(t, session.SendChat(ctx, "", "wtb"))
	})

	require.NoError(t, client.Disconnect())
	select {
	case reason := <-disconnected:
		assert.Equal(t, "client disconnect", reason)
	case <-time.After(waitTimeout):
		t.Fatal("no disconnect")
	}

	assert.ErrorIs(t, session.SetStatus(ctx, StatusOnline), protocol.ErrNotConnected)
}

func TestAck(t *testing.T) {
	assert.NoError(t, Ack{OK: true}.Err())
	assert.EqualError(t, Ack{}.Err(), "request rejected")
	assert.EqualError(t, Ack{Error: "nope"}.Err(), "request rejected: nope")
}
