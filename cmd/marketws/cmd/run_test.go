package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/wstest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const waitTimeout = 2 * time.Second

// syncBuffer is a bytes.Buffer safe for the printer goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) *wstest.Server {
	t.Helper()
	srv := wstest.NewServer(protocol.DialectCurrent, zap.NewNop())
	t.Cleanup(srv.Close)
	return srv
}

func setSendFlags(t *testing.T, url string, wait bool) {
	t.Helper()
	prevURL, prevWait, prevTimeout := sendURL, sendWait, sendTimeout
	sendURL, sendWait, sendTimeout = url, wait, waitTimeout
	t.Cleanup(func() { sendURL, sendWait, sendTimeout = prevURL, prevWait, prevTimeout })
}

func setListenFlags(t *testing.T, url string, drop []string) {
	t.Helper()
	prevURL, prevDrop := listenURL, listenDrop
	listenURL, listenDrop = url, drop
	t.Cleanup(func() { listenURL, listenDrop = prevURL, prevDrop })
}

func TestSend(t *testing.T) {
	t.Run("request reaches the server", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			srv := startServer(t)
			setSendFlags(t, srv.URL(), false)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			require.NoError(t, send(ctx, &bytes.Buffer{}, zap.NewNop(),
				[]string{"@wfm|user/set-status", `{"status":"online"}`}))

			req, err := srv.Next(ctx)
			cancel()
			require.NoError(t, err)
			assert.Equal(t, "@wfm|user/set-status", req.Route)
			assert.JSONEq(t, `{"status":"online"}`, string(req.Payload))
		}
	})

	t.Run("wait prints the reply", func(t *testing.T) {
		srv := startServer(t)
		srv.Respond("@wfm|chat/send", func(req protocol.Envelope) (any, bool) {
			return map[string]bool{"ok": true}, true
		})
		setSendFlags(t, srv.URL(), true)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		var out bytes.Buffer
		require.NoError(t, send(ctx, &out, zap.NewNop(), []string{"@wfm|chat/send", `{"text":"hi"}`}))

		route, payload, ok := strings.Cut(strings.TrimSpace(out.String()), "\t")
		require.True(t, ok, out.String())
		assert.Equal(t, "@wfm|chat/send", route)
		assert.JSONEq(t, `{"ok":true}`, payload)
	})

	t.Run("connect failure", func(t *testing.T) {
		setSendFlags(t, "ws://127.0.0.1:1/socket", false)
		err := send(context.Background(), &bytes.Buffer{}, zap.NewNop(), []string{"@wfm|x"})
		assert.ErrorContains(t, err, "failed to connect")
	})
}

func TestListen(t *testing.T) {
	srv := startServer(t)
	setListenFlags(t, srv.URL(), []string{"wfm/chat/#"})

	core, logs := observer.New(zap.InfoLevel)
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- listen(ctx, out, zap.New(core), zap.NewAtomicLevelAt(zap.InfoLevel), true,
			[]string{"@wfm|orders/update", "@wfm|chat/message"})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), waitTimeout)
	defer waitCancel()
	require.NoError(t, srv.WaitForConnection(waitCtx))

	require.NoError(t, srv.PushRaw(waitCtx, []byte(`{"route":"@wfm|chat/message","payload":{"text":"hi"}}`)))
	require.NoError(t, srv.PushRaw(waitCtx, []byte(`{"route":"@wfm|orders/update","payload":{"id":"o1"}}`)))

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "wfm/orders/update\t@wfm|orders/update\t{\"id\":\"o1\"}\n")
	}, waitTimeout, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("listen did not return")
	}

	assert.NotContains(t, out.String(), "chat/message")

	lifecycle := logs.FilterMessage("OnEvent called").FilterField(zap.String("subscriber", "lifecycle"))
	var topics []string
	for _, entry := range lifecycle.All() {
		topics = append(topics, entry.ContextMap()["topic"].(string))
	}
	assert.Contains(t, topics, "internal/internal/connected")
	assert.Contains(t, topics, "internal/internal/disconnected")
}

func TestListenConfigError(t *testing.T) {
	prev := listenConfigPaths
	listenConfigPaths = []string{t.TempDir() + "/missing.hcl"}
	t.Cleanup(func() { listenConfigPaths = prev })

	err := listen(context.Background(), &bytes.Buffer{}, zap.NewNop(), zap.NewAtomicLevel(), true, nil)
	assert.ErrorContains(t, err, "failed to load config")
}
