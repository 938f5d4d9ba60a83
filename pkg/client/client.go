// Package client provides a reconnecting WebSocket client for the link
// service. It maintains a single connection, sends heartbeats, and retries
// with exponential backoff when the connection drops.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antinvestor/service-link/apps/link/service/business"
	"github.com/coder/websocket"
	"github.com/pitabwire/util"
	"github.com/segmentio/ksuid"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

// ErrNotConnected is returned by Send when no connection is established.
var ErrNotConnected = fmt.Errorf("client is not connected")

// Options configures a Client.
type Options struct {
	// URL of the link endpoint, e.g. ws://host:port/ws.
	URL string

	// Token presented as a bearer credential during the handshake.
	Token string

	// HeartbeatInterval between client heartbeats. Defaults to 30s.
	HeartbeatInterval time.Duration

	// Retry shapes the reconnection backoff.
	Retry RetryPolicy

	// OnMessage receives every non-heartbeat envelope from the server.
	OnMessage func(ctx context.Context, msg *business.Message)

	// OnStateChange is invoked whenever the lifecycle state changes.
	OnStateChange func(state State)
}

// Client is a link service client that reconnects automatically. Create it
// with New and drive it with Run; Run blocks until Shutdown is called, the
// context ends, or the retry budget is exhausted.
type Client struct {
	opts  Options
	retry *retryState

	state atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a client for the given endpoint.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client URL is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}

	return &Client{
		opts:   opts,
		retry:  newRetryState(opts.Retry),
		stopCh: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Run connects and serves the connection, reconnecting with backoff after
// every failure. It returns nil on Shutdown, the context error when the
// context ends, or ErrReconnectExhausted when the retry budget is spent.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Shutdown must also abort an in-flight dial or retry wait.
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if c.stopping() {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)

		conn, err := c.dial(ctx)
		if err == nil {
			c.retry.Reset()
			c.setConn(conn)
			c.setState(StateConnected)

			serveErr := c.serve(ctx, conn)

			c.setConn(nil)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			c.setState(StateDisconnected)

			if c.stopping() {
				return nil
			}
			util.Log(ctx).WithError(serveErr).Warn("connection lost, scheduling reconnect")
		} else {
			c.setState(StateDisconnected)
			if c.stopping() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.Log(ctx).WithError(err).Warn("connection attempt failed")
		}

		delay, retryErr := c.retry.Next()
		if retryErr != nil {
			return retryErr
		}

		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			if c.stopping() {
				return nil
			}
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// serve pumps inbound frames and runs the heartbeat loop until the
// connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := business.DecodeMessage(payload)
		if err != nil {
			util.Log(ctx).WithError(err).Debug("discarding unparseable frame")
			continue
		}

		if msg.Kind == business.KindHeartbeat {
			c.handleHeartbeat(ctx, conn, msg)
			continue
		}

		if c.opts.OnMessage != nil {
			c.opts.OnMessage(ctx, msg)
		}
	}
}

// handleHeartbeat answers server probes so the server's liveness tracking
// sees the client as responsive. Acks of our own heartbeats need no reply.
func (c *Client) handleHeartbeat(ctx context.Context, conn *websocket.Conn, msg *business.Message) {
	if msg.Content != "ping" {
		return
	}
	ack := &business.Message{
		MessageID: ksuid.New().String(),
		Kind:      business.KindHeartbeat,
		Content:   "pong",
		Extra:     map[string]string{"echo": msg.MessageID},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.write(ctx, conn, ack); err != nil {
		util.Log(ctx).WithError(err).Debug("heartbeat ack failed")
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			ping := &business.Message{
				MessageID: ksuid.New().String(),
				Kind:      business.KindHeartbeat,
				Content:   "ping",
				Timestamp: time.Now().UnixMilli(),
			}
			if err := c.write(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, msg *business.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// Send transmits one envelope over the current connection. The message ID
// and timestamp are filled in when absent.
func (c *Client) Send(ctx context.Context, msg *business.Message) error {
	conn := c.currentConn()
	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}

	if msg.MessageID == "" {
		msg.MessageID = ksuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	return c.write(ctx, conn, msg)
}

// SendPrivate sends a direct message to one user.
func (c *Client) SendPrivate(ctx context.Context, toUserID, content string) error {
	return c.Send(ctx, &business.Message{
		Kind:     business.KindPrivate,
		ToUserID: toUserID,
		Content:  content,
	})
}

// SendBroadcast sends a message to every other connected user.
func (c *Client) SendBroadcast(ctx context.Context, content string) error {
	return c.Send(ctx, &business.Message{
		Kind:    business.KindBroadcast,
		Content: content,
	})
}

// Shutdown stops the client. Any pending retry wait or in-flight dial is
// aborted and Run returns promptly. Safe to call more than once.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client shutting down")
		}
	})
}
