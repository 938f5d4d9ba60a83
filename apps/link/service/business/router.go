package business

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
)

// Router dispatches inbound envelopes to kind-specific handlers and fans
// deliveries out to target connections. It never rejects on policy grounds;
// the gate runs before it.
//
// Messages to the same connection keep their arrival order because each
// connection's read loop calls Route inline. Offloading routing to workers
// would break that ordering guarantee.
type Router struct {
	registry *SessionRegistry
	monitor  *HeartbeatMonitor

	// crossInstance, when set, receives private messages whose recipient
	// holds no local connection so another instance can attempt delivery.
	crossInstance func(ctx context.Context, msg *Message) error

	delivered     atomic.Uint64
	undeliverable atomic.Uint64
}

// NewRouter creates a message router over the given registry.
// crossInstance may be nil for single-instance deployments.
func NewRouter(
	registry *SessionRegistry,
	monitor *HeartbeatMonitor,
	crossInstance func(ctx context.Context, msg *Message) error,
) *Router {
	return &Router{
		registry:      registry,
		monitor:       monitor,
		crossInstance: crossInstance,
	}
}

// Route processes one decoded envelope from an authenticated connection.
// Processing errors are returned for logging; none of them are fatal to the
// connection itself.
func (rt *Router) Route(ctx context.Context, cc *ConnContext, msg *Message) error {
	switch msg.Kind {
	case KindHeartbeat:
		return rt.handleHeartbeat(ctx, cc, msg)
	case KindPrivate:
		return rt.handlePrivate(ctx, cc, msg)
	case KindBroadcast:
		_, err := rt.handleBroadcast(ctx, cc, msg)
		return err
	case KindText:
		// Plain text routes by addressing: a target user means a private
		// delivery, no target means a broadcast.
		if msg.ToUserID != "" {
			return rt.handlePrivate(ctx, cc, msg)
		}
		_, err := rt.handleBroadcast(ctx, cc, msg)
		return err
	// The gate screens AUTH and SYSTEM out of the inbound path, so these
	// branches only run for callers routing without it.
	case KindAuth:
		// Authentication happens during connection establishment only.
		util.Log(ctx).WithField("connection_id", cc.Conn.ID()).
			Debug("received auth envelope after connection established")
		return nil
	case KindSystem:
		// SYSTEM is server-originated, never relayed for a client.
		return nil
	default:
		util.Log(ctx).WithField("kind", string(msg.Kind)).Debug("received unknown message kind")
		return nil
	}
}

// handleHeartbeat acknowledges a client ping and refreshes liveness state.
func (rt *Router) handleHeartbeat(ctx context.Context, cc *ConnContext, msg *Message) error {
	rt.monitor.ObserveHeartbeatAck(cc)

	ack := &Message{
		MessageID: util.IDString(),
		Kind:      KindHeartbeat,
		ToUserID:  cc.UserID,
		Content:   "pong",
		Extra:     map[string]string{"echo": msg.MessageID},
		Timestamp: time.Now().UnixMilli(),
	}
	return rt.sendTo(ctx, cc, ack)
}

// handlePrivate delivers a message to every connection of the target user.
// An offline recipient is a normal outcome: the sender gets a SYSTEM notice
// and the call succeeds.
func (rt *Router) handlePrivate(ctx context.Context, cc *ConnContext, msg *Message) error {
	if msg.ToUserID == "" {
		return fmt.Errorf("%w: private message without recipient", ErrMalformedMessage)
	}

	// The sender identity always comes from the authenticated session, never
	// from the envelope. A mismatching claim is logged as a spoofing attempt
	// and overridden.
	if msg.FromUserID != "" && msg.FromUserID != cc.UserID {
		util.Log(ctx).WithFields(map[string]any{
			"claimed_sender": msg.FromUserID,
			"actual_sender":  cc.UserID,
		}).Warn("sender ID mismatch in private message - potential spoofing attempt")
	}

	out := rt.stamped(cc, msg)

	targets := rt.registry.Lookup(out.ToUserID)
	if len(targets) == 0 {
		if rt.crossInstance != nil {
			err := rt.crossInstance(ctx, out)
			if err == nil {
				return nil
			}
			util.Log(ctx).WithError(err).WithField("to_user_id", out.ToUserID).
				Debug("cross-instance forward did not deliver")
		}

		rt.undeliverable.Add(1)
		return rt.notifyOffline(ctx, cc, out)
	}

	payload, err := out.Encode()
	if err != nil {
		return err
	}

	deliveredAny := false
	for _, conn := range targets {
		if err = conn.Send(ctx, payload); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"to_user_id":    out.ToUserID,
				"connection_id": conn.ID(),
			}).Warn("private delivery failed on one connection")
			continue
		}
		deliveredAny = true
		rt.delivered.Add(1)
	}

	if !deliveredAny {
		rt.undeliverable.Add(1)
		return rt.notifyOffline(ctx, cc, out)
	}
	return nil
}

// handleBroadcast fans a message out to every active connection except the
// origin user's own. Returns the number of successful deliveries; per-target
// failures are skipped, never propagated.
func (rt *Router) handleBroadcast(ctx context.Context, cc *ConnContext, msg *Message) (int, error) {
	out := rt.stamped(cc, msg)
	out.ToUserID = ""

	payload, err := out.Encode()
	if err != nil {
		return 0, err
	}

	// Snapshot first so registry churn during fan-out cannot corrupt the
	// iteration. Connections added after the snapshot simply miss this one.
	targets := rt.registry.AllConnections()

	count := 0
	for _, conn := range targets {
		owner, ok := rt.registry.Owner(conn)
		if !ok || owner == cc.UserID {
			continue
		}
		if !conn.IsActive() {
			continue
		}
		if err = conn.Send(ctx, payload); err != nil {
			util.Log(ctx).WithError(err).WithField("connection_id", conn.ID()).
				Debug("broadcast delivery skipped failed connection")
			continue
		}
		count++
	}

	rt.delivered.Add(uint64(count))

	util.Log(ctx).WithFields(map[string]any{
		"from_user_id": cc.UserID,
		"message_id":   out.MessageID,
		"delivered":    count,
	}).Debug("broadcast fan-out complete")

	return count, nil
}

// Deliver sends an already-stamped envelope to a local user, bypassing
// sender-side policy. Used by the cross-instance delivery queue. Returns the
// number of connections reached.
func (rt *Router) Deliver(ctx context.Context, msg *Message) (int, error) {
	if msg.ToUserID == "" {
		return 0, fmt.Errorf("%w: delivery without recipient", ErrMalformedMessage)
	}

	payload, err := msg.Encode()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, conn := range rt.registry.Lookup(msg.ToUserID) {
		if err = conn.Send(ctx, payload); err != nil {
			util.Log(ctx).WithError(err).WithField("connection_id", conn.ID()).
				Warn("queued delivery failed on one connection")
			continue
		}
		count++
	}

	rt.delivered.Add(uint64(count))
	return count, nil
}

// SendSystem pushes a server-originated notice to one user.
func (rt *Router) SendSystem(ctx context.Context, userID, content string, extra map[string]string) error {
	msg := &Message{
		MessageID: util.IDString(),
		Kind:      KindSystem,
		ToUserID:  userID,
		Content:   content,
		Extra:     extra,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	sent := false
	for _, conn := range rt.registry.Lookup(userID) {
		if err = conn.Send(ctx, payload); err != nil {
			continue
		}
		sent = true
	}
	if !sent {
		return fmt.Errorf("system notice undeliverable: user %s offline", userID)
	}
	return nil
}

// NotifyMalformed tells the origin its payload could not be decoded. The
// connection stays open.
func (rt *Router) NotifyMalformed(ctx context.Context, cc *ConnContext, decodeErr error) {
	notice := &Message{
		MessageID: util.IDString(),
		Kind:      KindSystem,
		ToUserID:  cc.UserID,
		Content:   "message could not be processed",
		Extra:     map[string]string{"error": decodeErr.Error()},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := rt.sendTo(ctx, cc, notice); err != nil {
		util.Log(ctx).WithError(err).WithField("connection_id", cc.Conn.ID()).
			Debug("failed to notify origin of malformed message")
	}
}

// DeliveredCount returns the number of successful deliveries so far.
func (rt *Router) DeliveredCount() uint64 {
	return rt.delivered.Load()
}

// UndeliverableCount returns the number of private messages that reached no
// connection.
func (rt *Router) UndeliverableCount() uint64 {
	return rt.undeliverable.Load()
}

// stamped returns a fresh outbound envelope with the server-owned fields
// set: authenticated sender, an ID when the client omitted one, and a
// server-side timestamp.
func (rt *Router) stamped(cc *ConnContext, msg *Message) *Message {
	out := &Message{
		MessageID:  msg.MessageID,
		Kind:       msg.Kind,
		FromUserID: cc.UserID,
		ToUserID:   msg.ToUserID,
		Content:    msg.Content,
		Extra:      msg.Extra,
		Timestamp:  time.Now().UnixMilli(),
	}
	if out.MessageID == "" {
		out.MessageID = util.IDString()
	}
	return out
}

// notifyOffline sends the recipient-offline notice back to the origin.
func (rt *Router) notifyOffline(ctx context.Context, cc *ConnContext, msg *Message) error {
	util.Log(ctx).WithFields(map[string]any{
		"from_user_id": cc.UserID,
		"to_user_id":   msg.ToUserID,
		"message_id":   msg.MessageID,
	}).Debug("recipient offline, message not delivered")

	notice := &Message{
		MessageID: util.IDString(),
		Kind:      KindSystem,
		ToUserID:  cc.UserID,
		Content:   "recipient is offline",
		Extra: map[string]string{
			"message_id": msg.MessageID,
			"to_user_id": msg.ToUserID,
		},
		Timestamp: time.Now().UnixMilli(),
	}
	return rt.sendTo(ctx, cc, notice)
}

// sendTo writes an envelope to one specific connection.
func (rt *Router) sendTo(ctx context.Context, cc *ConnContext, msg *Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if err = cc.Conn.Send(ctx, payload); err != nil {
		return fmt.Errorf("send to connection %s failed: %w", cc.Conn.ID(), err)
	}
	rt.monitor.ObserveWrite(cc)
	return nil
}
