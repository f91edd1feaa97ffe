package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrorHandler receives errors raised while processing inbound frames. It is
// called on the read goroutine.
type ErrorHandler func(err error)

const disconnectReasonClient = "client disconnect"

// Client maintains at most one live connection to a market socket. Every
// connection gets its own Router, built from the registered route setups, and
// its own outbound queue; both are released when the connection ends.
type Client struct {
	url          string
	dialect      protocol.Dialect
	logger       *zap.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
	headers      http.Header
	setups       []RouteSetup
	errorHandler ErrorHandler

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	framesReceived  o11y.Counter
	framesSent      o11y.Counter
	invalidFrames   o11y.Counter
	routingErrors   o11y.Counter
	callDuration    o11y.Histogram

	mu         sync.Mutex
	connecting bool
	sess       *session
}

// session is everything tied to one connection.
type session struct {
	conn     *websocket.Conn
	router   *Router
	queue    *outbox
	sender   MessageSender
	waiters  *waiters
	cancel   context.CancelFunc
	explicit atomic.Bool
}

// Connect dials the socket, routes the connected lifecycle envelope and starts
// the read and write goroutines. The connection lives until Disconnect is
// called, the peer closes it, or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || c.sess != nil {
		c.mu.Unlock()
		return protocol.ErrAlreadyConnected
	}
	c.connecting = true
	c.mu.Unlock()

	sess, err := c.open(ctx)
	if err == nil {
		ctx, sess.cancel = context.WithCancel(ctx)
	}

	c.mu.Lock()
	c.connecting = false
	if err == nil {
		c.sess = sess
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.logger.Info("Market socket connected",
		zap.String("url", c.url),
		zap.Stringer("dialect", c.dialect),
	)

	sess.router.routeInternal(protocol.Connected(c.dialect), sess.sender)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, sess) })
	g.Go(func() error { return c.writeLoop(gctx, sess) })

	go func() {
		err := g.Wait()
		sess.cancel()
		c.finish(sess, err)
	}()

	return nil
}

func (c *Client) open(ctx context.Context) (*session, error) {
	router := NewRouter(c.logger).WithMetrics(c.metricsProvider)
	if c.tracingProvider != nil {
		router.WithTracing(c.tracingProvider)
	}
	for _, setup := range c.setups {
		if err := setup(router); err != nil {
			return nil, fmt.Errorf("failed to set up routes: %w", err)
		}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	opts := &websocket.DialOptions{}
	if len(c.headers) > 0 {
		opts.HTTPHeader = c.headers.Clone()
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	if c.readLimit != 0 {
		conn.SetReadLimit(c.readLimit)
	}

	queue := newOutbox()
	return &session{
		conn:    conn,
		router:  router,
		queue:   queue,
		sender:  newMessageSender(c.dialect, queue),
		waiters: newWaiters(),
	}, nil
}

// Disconnect tears down the active connection without draining queued
// messages. It returns immediately; the disconnected lifecycle envelope is
// routed once the read and write goroutines have stopped.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess == nil {
		return protocol.ErrNotConnected
	}

	c.logger.Info("Disconnecting market socket")

	sess.explicit.Store(true)
	sess.queue.close()
	go func() {
		_ = sess.conn.Close(websocket.StatusNormalClosure, disconnectReasonClient)
		sess.cancel()
	}()

	return nil
}

// finish runs exactly once per session, after both goroutines have returned.
func (c *Client) finish(sess *session, err error) {
	sess.queue.close()
	sess.waiters.failAll(protocol.ErrNotConnected)
	_ = sess.conn.CloseNow()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	reason := disconnectReasonClient
	if !sess.explicit.Load() {
		if err == nil {
			err = errors.New("connection closed")
		}
		reason = err.Error()
		c.logger.Error("Market socket connection lost", zap.Error(err))
	} else {
		c.logger.Info("Market socket disconnected")
	}

	sess.router.routeInternal(protocol.Disconnected(reason, c.dialect), sess.sender)
}

func (c *Client) readLoop(ctx context.Context, sess *session) error {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			c.rejectFrame(ctx, data, &protocol.InvalidMessageError{
				Raw: string(data),
				Err: fmt.Errorf("unexpected %v frame", typ),
			})
			continue
		}
		c.handleFrame(ctx, sess, data)
	}
}

func (c *Client) writeLoop(ctx context.Context, sess *session) error {
	for {
		e, err := sess.queue.pop(ctx)
		if err != nil {
			// Either the queue was released or the reader already failed.
			return nil
		}

		data, err := e.MarshalFor(c.dialect)
		if err != nil {
			sess.queue.done()
			c.reportError(fmt.Errorf("%w: %w", protocol.ErrSendFailed, err))
			continue
		}

		if err := c.write(ctx, sess.conn, data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		sess.queue.done()

		if c.framesSent != nil {
			c.framesSent.Add(ctx, 1)
		}
		c.logger.Debug("Frame sent", zap.String("route", e.Route), zap.String("id", e.ID))
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) handleFrame(ctx context.Context, sess *session, data []byte) {
	if c.framesReceived != nil {
		c.framesReceived.Add(ctx, 1)
	}

	env, err := protocol.Unmarshal(data, c.dialect)
	if err != nil {
		c.rejectFrame(ctx, data, err)
		return
	}

	c.logger.Debug("Frame received", zap.String("route", env.Route), zap.String("id", env.ID))

	if env.RefID != "" && sess.waiters.resolve(env) {
		return
	}

	if err := sess.router.RouteMessage(env, sess.sender); err != nil {
		c.logger.Warn("Failed to route message",
			zap.String("route", env.Route),
			zap.Error(err),
		)
		if c.routingErrors != nil {
			c.routingErrors.Add(ctx, 1, o11y.Label{Key: "reason", Value: errorReason(err)})
		}
		c.reportError(err)
	}
}

func (c *Client) rejectFrame(ctx context.Context, data []byte, err error) {
	c.logger.Warn("Invalid message received",
		zap.ByteString("raw_data", data),
		zap.Error(err),
	)
	if c.invalidFrames != nil {
		c.invalidFrames.Add(ctx, 1)
	}
	c.reportError(err)
}

func (c *Client) reportError(err error) {
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// State reports the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.sess != nil:
		return StateConnected
	case c.connecting:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

func (c *Client) Dialect() protocol.Dialect {
	return c.dialect
}

func (c *Client) URL() string {
	return c.url
}

// Sender returns the sender of the live connection. The sender stops
// accepting messages when that connection ends.
func (c *Client) Sender() (MessageSender, error) {
	sess := c.current()
	if sess == nil {
		return MessageSender{}, protocol.ErrNotConnected
	}
	return sess.sender, nil
}

// SendRequest enqueues a new request on the live connection and returns its id.
func (c *Client) SendRequest(route string, payload any) (string, error) {
	sess := c.current()
	if sess == nil {
		return "", protocol.ErrNotConnected
	}
	if err := checkOutboundRoute(route); err != nil {
		return "", err
	}
	return sess.sender.SendRequest(route, payload)
}

// Flush blocks until every message queued on the live connection so far has
// been written to the socket. It fails with protocol.ErrSendFailed if the
// connection ends first.
func (c *Client) Flush(ctx context.Context) error {
	sess := c.current()
	if sess == nil {
		return protocol.ErrNotConnected
	}
	return sess.queue.flush(ctx)
}

// SendResponse enqueues a reply to the message whose id is refID.
func (c *Client) SendResponse(route string, payload any, refID string) error {
	sess := c.current()
	if sess == nil {
		return protocol.ErrNotConnected
	}
	if err := checkOutboundRoute(route); err != nil {
		return err
	}
	return sess.sender.SendResponse(route, payload, refID)
}

// Call sends a request and waits for the first inbound envelope whose ref_id
// matches the request id. That envelope is delivered here instead of being
// routed. Call fails with protocol.ErrNotConnected if the connection ends
// first, and with ctx.Err() if ctx is done first.
func (c *Client) Call(ctx context.Context, route string, payload any) (resp protocol.Envelope, err error) {
	sess := c.current()
	if sess == nil {
		return protocol.Envelope{}, protocol.ErrNotConnected
	}
	if err := checkOutboundRoute(route); err != nil {
		return protocol.Envelope{}, err
	}

	if c.tracingProvider != nil {
		var span o11y.Span
		ctx, span = c.tracingProvider.StartSpan(ctx, "client.call")
		span.SetAttributes(o11y.Label{Key: "route", Value: route})
		defer func() { o11y.EndSpan(span, err) }()
	}
	if c.callDuration != nil {
		start := time.Now()
		defer func() {
			c.callDuration.Record(ctx, time.Since(start).Seconds(), o11y.Label{Key: "route", Value: route})
		}()
	}

	req, err := protocol.NewEnvelope(route, payload, c.dialect)
	if err != nil {
		return protocol.Envelope{}, err
	}

	reply, err := sess.waiters.register(req.ID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := sess.sender.SendMessage(req); err != nil {
		sess.waiters.cancel(req.ID)
		return protocol.Envelope{}, err
	}

	select {
	case r := <-reply:
		return r.env, r.err
	case <-ctx.Done():
		sess.waiters.cancel(req.ID)
		return protocol.Envelope{}, ctx.Err()
	}
}

// PendingCalls reports how many Call invocations are awaiting a reply.
func (c *Client) PendingCalls() int {
	sess := c.current()
	if sess == nil {
		return 0
	}
	return sess.waiters.len()
}

func checkOutboundRoute(route string) error {
	parsed, err := protocol.ParseRoute(route)
	if err != nil {
		return err
	}
	if parsed.IsInternal() {
		return fmt.Errorf("%w: %s", protocol.ErrReservedPath, route)
	}
	return nil
}
