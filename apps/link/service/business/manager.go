package business

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antinvestor/service-link/internal"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

const (
	defaultMissedHeartbeatLimit = 3
	defaultSessionTTLMultiple   = 2

	shutdownWaitTimeout  = 30 * time.Second
	presenceWriteTimeout = 3 * time.Second
)

// ErrShuttingDown is returned for connection attempts during shutdown.
var ErrShuttingDown = errors.New("link service is shutting down")

//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	connectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"link.connections.active",
		"Current number of active connections",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	connectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"link.connections.total",
		"Total connection attempts",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	connectionsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"link.connections.failed",
		"Failed connection attempts",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	connectionsExpiredCounter = telemetry.DimensionlessMeasure(
		"",
		"link.connections.expired",
		"Connections terminated by the liveness monitor",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	messagesRoutedCounter = telemetry.DimensionlessMeasure(
		"",
		"link.messages.routed",
		"Inbound messages routed",
	)
)

// Options configures a connection manager. Zero values get sensible
// defaults in NewManager.
type Options struct {
	SingleSession        bool
	MaxConnections       int
	MaxMessagesPerSecond int

	ReadIdleInterval     time.Duration
	WriteIdleInterval    time.Duration
	ZombieInterval       time.Duration
	MissedHeartbeatLimit int

	VerifyTimeout time.Duration

	// SessionTTL bounds presence records in the distributed cache so a
	// crashed instance cannot leave users online forever. Defaults to twice
	// the zombie interval.
	SessionTTL time.Duration
}

// Manager is the connection lifecycle facade the transport layer talks to.
// The split between Authenticate and Attach is deliberate: authentication
// runs before the transport upgrade so rejections can still be delivered as
// plain HTTP responses.
type Manager interface {
	// Authenticate validates the handshake credential. No state is mutated.
	Authenticate(ctx context.Context, credential string) (AuthResult, error)
	// Attach admits an upgraded connection into the session registry and
	// starts liveness monitoring for it.
	Attach(ctx context.Context, res AuthResult, conn Connection) (*ConnContext, error)
	// HandleFrame processes one inbound payload from an attached connection.
	// Frame-level problems notify the origin; they never close the connection.
	HandleFrame(ctx context.Context, cc *ConnContext, payload []byte)
	// Release tears down all session state for a connection. Idempotent.
	Release(ctx context.Context, cc *ConnContext)

	// Router exposes delivery entry points for server-originated sends.
	Router() *Router
	InstanceID() string
	ActiveConnections() int
	Capacity() int

	// DrainConnections notifies and closes every live connection.
	DrainConnections(ctx context.Context)
	// Shutdown stops background tasks. Call DrainConnections first.
	Shutdown(ctx context.Context) error
}

type linkManager struct {
	registry      *SessionRegistry
	authenticator *Authenticator
	gate          *Gate
	monitor       *HeartbeatMonitor
	router        *Router

	sessionCache cache.Cache[string, SessionRecord]
	workMan      workerpool.Manager

	// instanceID is unique across restarts (format: "link-<nano-timestamp>").
	instanceID string

	sessionTTL time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	expiredConns uint64
}

// NewManager creates a connection manager and starts its liveness monitor.
// rawCache may be nil for single-instance deployments without shared
// presence; crossInstance may be nil likewise.
func NewManager(
	ctx context.Context,
	verifier VerifierFunc,
	rawCache cache.RawCache,
	workMan workerpool.Manager,
	crossInstance func(ctx context.Context, msg *Message) error,
	opts Options,
) Manager {
	if opts.MissedHeartbeatLimit <= 0 {
		opts.MissedHeartbeatLimit = defaultMissedHeartbeatLimit
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTLMultiple * opts.ZombieInterval
	}

	lm := &linkManager{
		workMan:    workMan,
		instanceID: fmt.Sprintf("link-%d", time.Now().UnixNano()),
		sessionTTL: opts.SessionTTL,
		shutdownCh: make(chan struct{}),
	}

	if rawCache != nil {
		lm.sessionCache = cache.NewGenericCache[string, SessionRecord](rawCache, func(s string) string {
			return s
		})
	}

	lm.registry = NewSessionRegistry(opts.SingleSession, opts.MaxConnections, LifecycleHooks{
		OnConnected:    lm.onConnected,
		OnDisconnected: lm.onDisconnected,
	})

	lm.authenticator = NewAuthenticator(verifier, lm.registry, opts.VerifyTimeout)

	lm.gate = NewGate(opts.MaxMessagesPerSecond, KindText, KindBroadcast, KindPrivate)

	lm.monitor = NewHeartbeatMonitor(
		opts.ReadIdleInterval,
		opts.WriteIdleInterval,
		opts.ZombieInterval,
		opts.MissedHeartbeatLimit,
		lm.onExpired,
	)

	lm.router = NewRouter(lm.registry, lm.monitor, crossInstance)

	lm.monitor.Run(ctx)

	return lm
}

func (lm *linkManager) Authenticate(ctx context.Context, credential string) (AuthResult, error) {
	select {
	case <-lm.shutdownCh:
		return AuthResult{}, ErrShuttingDown
	default:
	}

	connectionsTotalCounter.Add(ctx, 1)

	res, err := lm.authenticator.Authenticate(ctx, credential)
	if err != nil {
		connectionsFailedCounter.Add(ctx, 1)
		return AuthResult{}, err
	}
	return res, nil
}

func (lm *linkManager) Attach(ctx context.Context, res AuthResult, conn Connection) (*ConnContext, error) {
	select {
	case <-lm.shutdownCh:
		return nil, ErrShuttingDown
	default:
	}

	if err := lm.registry.Register(res.UserID, conn); err != nil {
		connectionsFailedCounter.Add(ctx, 1)
		return nil, err
	}

	cc := &ConnContext{
		UserID:          res.UserID,
		AuthenticatedAt: res.AuthenticatedAt,
		Conn:            conn,
		Heartbeat:       NewHeartbeatState(time.Now()),
	}
	lm.monitor.Track(cc)

	connectionsActiveGauge.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"user_id":       res.UserID,
		"connection_id": conn.ID(),
		"remote_addr":   conn.RemoteAddr(),
		"instance_id":   lm.instanceID,
	}).Debug("connection attached")

	lm.storeSession(ctx, cc)

	return cc, nil
}

func (lm *linkManager) HandleFrame(ctx context.Context, cc *ConnContext, payload []byte) {
	lm.monitor.ObserveData(cc)

	msg, err := DecodeMessage(payload)
	if err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id":       cc.UserID,
			"connection_id": cc.Conn.ID(),
		}).Warn("dropping malformed inbound frame")
		lm.router.NotifyMalformed(ctx, cc, err)
		return
	}

	if err = lm.gate.Admit(cc, msg); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id": cc.UserID,
			"kind":    string(msg.Kind),
		}).Warn("inbound frame rejected")

		if sysErr := lm.router.sendTo(ctx, cc, &Message{
			MessageID: util.IDString(),
			Kind:      KindSystem,
			ToUserID:  cc.UserID,
			Content:   err.Error(),
			Timestamp: time.Now().UnixMilli(),
		}); sysErr != nil {
			util.Log(ctx).WithError(sysErr).Debug("failed to notify sender of rejection")
		}
		return
	}

	messagesRoutedCounter.Add(ctx, 1)

	// Routing runs inline on the connection's read loop so messages from
	// one sender reach their targets in submission order.
	if err = lm.router.Route(ctx, cc, msg); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id": cc.UserID,
			"kind":    string(msg.Kind),
		}).Warn("inbound frame processing error")
	}
}

func (lm *linkManager) Release(ctx context.Context, cc *ConnContext) {
	// Expiry and the read-loop teardown both call Release for the same
	// session; the latch keeps the gauge and cache work from running twice.
	if !cc.released.CompareAndSwap(false, true) {
		return
	}

	lm.monitor.Untrack(cc.Conn.ID())
	lm.gate.Release(cc.Conn.ID())
	lm.registry.Unregister(cc.Conn)

	connectionsActiveGauge.Add(ctx, -1)

	util.Log(ctx).WithFields(map[string]any{
		"user_id":       cc.UserID,
		"connection_id": cc.Conn.ID(),
		"duration":      time.Since(cc.AuthenticatedAt).String(),
	}).Debug("connection released")

	lm.dropSession(ctx, cc)
}

func (lm *linkManager) Router() *Router {
	return lm.router
}

func (lm *linkManager) InstanceID() string {
	return lm.instanceID
}

func (lm *linkManager) ActiveConnections() int {
	return lm.registry.ActiveConnections()
}

func (lm *linkManager) Capacity() int {
	return lm.registry.Capacity()
}

// DrainConnections notifies every peer the server is going away, then
// closes their connections. Registry cleanup happens through the normal
// release path as read loops observe the close.
func (lm *linkManager) DrainConnections(ctx context.Context) {
	conns := lm.registry.AllConnections()
	if len(conns) == 0 {
		return
	}

	util.Log(ctx).WithFields(map[string]any{
		"connections": len(conns),
		"instance_id": lm.instanceID,
	}).Info("draining live connections")

	notice := &Message{
		MessageID: util.IDString(),
		Kind:      KindSystem,
		Content:   "server shutting down",
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := notice.Encode()
	if err != nil {
		payload = nil
	}

	for _, conn := range conns {
		if payload != nil && conn.IsActive() {
			_ = conn.Send(ctx, payload)
		}
		_ = conn.Close("server shutting down")
		lm.registry.Unregister(conn)
	}
}

func (lm *linkManager) Shutdown(ctx context.Context) error {
	lm.shutdownOnce.Do(func() {
		util.Log(ctx).Info("shutting down connection manager")
		close(lm.shutdownCh)

		done := make(chan struct{})
		go func() {
			lm.monitor.Stop()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("connection manager shutdown complete")
		case <-time.After(shutdownWaitTimeout):
			util.Log(ctx).Warn("connection manager shutdown timed out")
		}
	})

	return nil
}

// onExpired is the liveness monitor's termination callback.
func (lm *linkManager) onExpired(ctx context.Context, cc *ConnContext, reason ExpireReason) {
	atomic.AddUint64(&lm.expiredConns, 1)
	connectionsExpiredCounter.Add(ctx, 1)

	_ = cc.Conn.Close(reason.String())
	lm.Release(ctx, cc)
}

// Registry lifecycle hooks. Invoked outside registry locks.

func (lm *linkManager) onConnected(userID string, conn Connection) {
	util.Log(context.Background()).WithFields(map[string]any{
		"user_id":       userID,
		"connection_id": conn.ID(),
	}).Debug("session registered")
}

func (lm *linkManager) onDisconnected(userID string, conn Connection) {
	util.Log(context.Background()).WithFields(map[string]any{
		"user_id":       userID,
		"connection_id": conn.ID(),
	}).Debug("session removed")
}

// Cache helper methods

// storeSession writes the presence record for a new connection. The write
// goes through the worker pool so a slow cache backend never stalls the
// connection handshake.
func (lm *linkManager) storeSession(ctx context.Context, cc *ConnContext) {
	if lm.sessionCache == nil {
		return
	}

	record := SessionRecord{
		UserID:       cc.UserID,
		ConnectionID: cc.Conn.ID(),
		RemoteAddr:   cc.Conn.RemoteAddr(),
		ConnectedAt:  cc.AuthenticatedAt.Unix(),
		InstanceID:   lm.instanceID,
	}
	key := internal.SessionKey(cc.UserID, cc.Conn.ID())

	job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
		cacheCtx, cancel := context.WithTimeout(ctx, presenceWriteTimeout)
		defer cancel()

		if err := lm.sessionCache.Set(cacheCtx, key, record, lm.sessionTTL); err != nil {
			util.Log(cacheCtx).WithError(err).WithField("session_key", key).
				Warn("failed to store session record")
			return resultPipe.WriteError(cacheCtx, err)
		}
		return nil
	})

	if err := workerpool.SubmitJob(ctx, lm.workMan, job); err != nil {
		util.Log(ctx).WithError(err).WithField("session_key", key).
			Warn("failed to submit session store job")
	}
}

// dropSession removes the presence record for a released connection.
func (lm *linkManager) dropSession(ctx context.Context, cc *ConnContext) {
	if lm.sessionCache == nil {
		return
	}

	key := internal.SessionKey(cc.UserID, cc.Conn.ID())

	job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
		cacheCtx, cancel := context.WithTimeout(ctx, presenceWriteTimeout)
		defer cancel()

		if err := lm.sessionCache.Delete(cacheCtx, key); err != nil {
			util.Log(cacheCtx).WithError(err).WithField("session_key", key).
				Debug("failed to drop session record")
			return resultPipe.WriteError(cacheCtx, err)
		}
		return nil
	})

	if err := workerpool.SubmitJob(ctx, lm.workMan, job); err != nil {
		util.Log(ctx).WithError(err).WithField("session_key", key).
			Debug("failed to submit session drop job")
	}
}
