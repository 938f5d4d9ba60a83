// Package handlers exposes the link service's WebSocket endpoint and maps
// handshake failures onto plain HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antinvestor/service-link/apps/link/service/business"
	"github.com/coder/websocket"
	"github.com/pitabwire/util"
	"github.com/segmentio/ksuid"
)

const (
	// sendTimeout bounds a single outbound frame write so one wedged peer
	// cannot stall the write pump.
	sendTimeout = 10 * time.Second

	// outboundBuffer is the per-connection dispatch queue depth. A slow
	// reader gets messages dropped rather than stalling fan-outs.
	outboundBuffer = 64

	// closeReasonLimit is the WebSocket protocol cap on close reason length.
	closeReasonLimit = 123
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("outbound buffer full")
)

// wsConnection adapts a coder/websocket connection to business.Connection.
// Outbound frames go through a buffered dispatch channel drained by a single
// write pump goroutine; the websocket library allows only one concurrent
// writer per connection.
type wsConnection struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn

	outbound chan []byte
	done     chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newWSConnection(ctx context.Context, conn *websocket.Conn, remoteAddr string) *wsConnection {
	c := &wsConnection{
		id:         ksuid.New().String(),
		remoteAddr: remoteAddr,
		conn:       conn,
		outbound:   make(chan []byte, outboundBuffer),
		done:       make(chan struct{}),
	}
	go c.writePump(ctx)
	return c
}

func (c *wsConnection) ID() string         { return c.id }
func (c *wsConnection) RemoteAddr() string { return c.remoteAddr }

// Send enqueues one outbound frame. A full buffer drops the frame and
// reports the failure to the caller; dropped frames are counted.
func (c *wsConnection) Send(_ context.Context, payload []byte) error {
	if c.closed.Load() {
		return errConnectionClosed
	}

	select {
	case c.outbound <- payload:
		return nil
	default:
		c.dropped.Add(1)
		return errSendBufferFull
	}
}

// Dropped returns the number of frames discarded because the dispatch
// buffer was full.
func (c *wsConnection) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *wsConnection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case payload := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.closed.Store(true)
				return
			}
		}
	}
}

func (c *wsConnection) IsActive() bool {
	return !c.closed.Load()
}

func (c *wsConnection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if len(reason) > closeReasonLimit {
			reason = reason[:closeReasonLimit]
		}
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// LinkHandler upgrades authenticated requests to WebSocket sessions and
// pumps inbound frames into the connection manager.
type LinkHandler struct {
	manager business.Manager

	// originPatterns restricts browser origins for the upgrade handshake.
	originPatterns []string
}

// NewLinkHandler creates the WebSocket endpoint handler.
func NewLinkHandler(manager business.Manager, originPatterns ...string) *LinkHandler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &LinkHandler{manager: manager, originPatterns: originPatterns}
}

// ServeHTTP handles one connection establishment request. Authentication
// runs before the upgrade so rejections reach clients as HTTP status codes
// instead of opaque post-upgrade closes.
func (h *LinkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	credential := business.ExtractCredential(r)

	res, err := h.manager.Authenticate(ctx, credential)
	if err != nil {
		status := rejectionStatus(err)
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"remote_addr": r.RemoteAddr,
			"status":      status,
		}).Warn("connection establishment rejected")
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		util.Log(ctx).WithError(err).WithField("remote_addr", r.RemoteAddr).
			Warn("websocket upgrade failed")
		return
	}

	wsConn := newWSConnection(ctx, conn, r.RemoteAddr)

	cc, err := h.manager.Attach(ctx, res, wsConn)
	if err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id":     res.UserID,
			"remote_addr": r.RemoteAddr,
		}).Warn("session attach failed")
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	defer func() {
		h.manager.Release(ctx, cc)
		_ = wsConn.Close("connection closed")
	}()

	h.readLoop(ctx, cc, wsConn)
}

// readLoop pumps inbound frames until the peer goes away or the context
// ends. Frame-level errors are handled inside HandleFrame and never break
// the loop.
func (h *LinkHandler) readLoop(ctx context.Context, cc *business.ConnContext, wsConn *wsConnection) {
	for {
		msgType, payload, err := wsConn.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				util.Log(ctx).WithFields(map[string]any{
					"user_id":       cc.UserID,
					"connection_id": wsConn.ID(),
				}).Debug("peer closed connection")
			} else if ctx.Err() == nil {
				util.Log(ctx).WithError(err).WithFields(map[string]any{
					"user_id":       cc.UserID,
					"connection_id": wsConn.ID(),
				}).Debug("websocket read failed")
			}
			wsConn.closed.Store(true)
			return
		}

		if msgType != websocket.MessageText {
			util.Log(ctx).WithField("connection_id", wsConn.ID()).
				Debug("ignoring non-text frame")
			continue
		}

		h.manager.HandleFrame(ctx, cc, payload)
	}
}

// rejectionStatus maps handshake errors to HTTP status codes.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, business.ErrMissingCredential),
		errors.Is(err, business.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, business.ErrCapacityExceeded),
		errors.Is(err, business.ErrAuthUnavailable),
		errors.Is(err, business.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
