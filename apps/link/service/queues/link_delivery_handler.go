// Package queues bridges the link service to its delivery queues: inbound
// fan-in from other instances and dead-lettering for messages nobody could
// deliver.
package queues

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/antinvestor/service-link/apps/link/config"
	"github.com/antinvestor/service-link/apps/link/service/business"
	"github.com/antinvestor/service-link/internal"
	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"
)

// LinkDeliveryQueueHandler consumes deliveries targeted at users believed to
// be connected to this instance and hands them to the local router.
type LinkDeliveryQueueHandler struct {
	cfg      *config.LinkConfig
	qManager queue.Manager
	router   *business.Router
}

// NewLinkDeliveryQueueHandler creates the fan-in delivery handler.
func NewLinkDeliveryQueueHandler(
	cfg *config.LinkConfig,
	qManager queue.Manager,
	router *business.Router,
) queue.SubscribeWorker {
	return &LinkDeliveryQueueHandler{
		cfg:      cfg,
		qManager: qManager,
		router:   router,
	}
}

// Handle processes one queued delivery. It always consumes the message:
// a recipient who disconnected between publish and delivery is a normal
// outcome and dead-letters instead of poisoning the queue with retries.
func (dq *LinkDeliveryQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	msg, err := business.DecodeMessage(payload)
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to parse queued delivery")
		return dq.deadLetter(ctx, headers, payload, err)
	}

	if msg.ToUserID == "" {
		msg.ToUserID = headers[internal.HeaderUserID]
	}

	count, err := dq.router.Deliver(ctx, msg)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("to_user_id", msg.ToUserID).
			Error("queued delivery failed")
		return dq.deadLetter(ctx, headers, payload, err)
	}

	if count == 0 {
		util.Log(ctx).WithFields(map[string]any{
			"to_user_id": msg.ToUserID,
			"message_id": msg.MessageID,
		}).Debug("recipient not connected here: user may have moved or gone offline")
		return dq.deadLetter(ctx, headers, payload, errors.New("recipient offline"))
	}

	return nil
}

// deadLetter parks an undeliverable payload on the dead-letter queue so it
// is never silently lost. Returns nil so the source message is consumed.
func (dq *LinkDeliveryQueueHandler) deadLetter(
	ctx context.Context,
	headers map[string]string,
	payload []byte,
	cause error,
) error {
	if dq.qManager == nil {
		return nil
	}

	pub, err := dq.qManager.GetPublisher(dq.cfg.QueueUndeliverableName)
	if err != nil || pub == nil {
		util.Log(ctx).WithError(err).Warn("dead-letter publisher unavailable")
		return nil
	}

	dlqHeaders := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		dlqHeaders[k] = v
	}
	dlqHeaders[internal.HeaderDLQOriginalQueue] = dq.cfg.QueueLinkDeliveryName
	dlqHeaders[internal.HeaderDLQErrorMessage] = cause.Error()

	if err = pub.Publish(ctx, payload, dlqHeaders); err != nil {
		util.Log(ctx).WithError(err).Error("failed to dead-letter undeliverable message")
	}
	return nil
}

// ErrNoRemoteInstance is returned when no other instance can hold the
// recipient, so forwarding would only echo back to this process.
var ErrNoRemoteInstance = errors.New("no remote instance for recipient")

// CrossInstanceForwarder publishes deliveries for users whose shard belongs
// to another link instance. Plugged into the router as its cross-instance
// hook.
type CrossInstanceForwarder struct {
	cfg      *config.LinkConfig
	qManager queue.Manager
}

// NewCrossInstanceForwarder creates a forwarder over the sharded delivery
// topics.
func NewCrossInstanceForwarder(cfg *config.LinkConfig, qManager queue.Manager) *CrossInstanceForwarder {
	return &CrossInstanceForwarder{cfg: cfg, qManager: qManager}
}

// Forward publishes one stamped envelope to the shard owning its recipient.
func (f *CrossInstanceForwarder) Forward(ctx context.Context, msg *business.Message) error {
	if f.cfg.TotalShards <= 1 {
		return ErrNoRemoteInstance
	}

	shardID := internal.ShardForKey(msg.ToUserID, f.cfg.TotalShards)
	if shardID == f.cfg.ShardID {
		// The recipient's shard is this instance; a local lookup already
		// failed, so the user is simply offline.
		return ErrNoRemoteInstance
	}

	topicName := fmt.Sprintf(f.cfg.QueueLinkDeliveryName, shardID)

	pub, err := f.qManager.GetPublisher(topicName)
	if err != nil {
		return fmt.Errorf("shard %d publisher unavailable: %w", shardID, err)
	}

	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	headers := map[string]string{
		internal.HeaderUserID:      msg.ToUserID,
		internal.HeaderShardID:     strconv.Itoa(shardID),
		internal.HeaderMessageKind: string(msg.Kind),
	}

	util.Log(ctx).WithFields(map[string]any{
		"to_user_id": msg.ToUserID,
		"shard_id":   shardID,
		"message_id": msg.MessageID,
	}).Debug("forwarding delivery to remote shard")

	return pub.Publish(ctx, payload, headers)
}
