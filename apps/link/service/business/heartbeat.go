package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

const (
	// qualityCeiling and qualityFloor bound the advisory connection score.
	qualityCeiling = 100
	qualityFloor   = 0

	// latencyBaseline is the round-trip time below which no latency penalty
	// applies; beyond it the score loses one point per latencyPenaltyStep.
	latencyBaseline    = time.Second
	latencyPenaltyStep = 100 * time.Millisecond

	// missedPenalty is the score cost of each currently-missed heartbeat.
	missedPenalty = 10

	minSweepInterval = 250 * time.Millisecond
)

// ExpireReason says why the monitor terminated a connection.
type ExpireReason int

const (
	// ExpireMissedHeartbeats: the missed-heartbeat counter reached its ceiling.
	ExpireMissedHeartbeats ExpireReason = iota
	// ExpireZombie: no inbound traffic of any kind for the zombie window.
	// The peer is gone even though no close frame ever arrived.
	ExpireZombie
)

func (r ExpireReason) String() string {
	switch r {
	case ExpireMissedHeartbeats:
		return "heartbeat timeout"
	case ExpireZombie:
		return "zombie connection"
	default:
		return "unknown"
	}
}

// HeartbeatState tracks liveness for one connection. Created when the
// connection becomes active, destroyed when it closes.
type HeartbeatState struct {
	mu sync.Mutex

	heartbeatsSent   int
	heartbeatsMissed int
	retryAttempt     int

	lastHeartbeatTime     time.Time // last ack received
	lastDataTime          time.Time // last inbound traffic of any kind
	lastHeartbeatSentTime time.Time // last probe sent
	lastWriteTime         time.Time // last outbound traffic of any kind
	lastMissedAt          time.Time // last read-idle penalty, to avoid double counting

	latencyPenalty int
	quality        int
}

// NewHeartbeatState initialises liveness tracking as of now.
func NewHeartbeatState(now time.Time) *HeartbeatState {
	return &HeartbeatState{
		lastHeartbeatTime: now,
		lastDataTime:      now,
		lastWriteTime:     now,
		quality:           qualityCeiling,
	}
}

// markData records inbound traffic. Any received frame resets the missed
// counter: the peer is demonstrably alive regardless of whether it pings.
func (hs *HeartbeatState) markData(now time.Time) {
	hs.mu.Lock()
	hs.lastDataTime = now
	hs.heartbeatsMissed = 0
	hs.retryAttempt = 0
	hs.recalcQuality()
	hs.mu.Unlock()
}

// markAck records a heartbeat acknowledgement and refreshes the quality
// score from the observed round trip.
func (hs *HeartbeatState) markAck(now time.Time) {
	hs.mu.Lock()
	hs.lastHeartbeatTime = now
	hs.lastDataTime = now
	hs.heartbeatsMissed = 0
	hs.retryAttempt = 0

	// A probe is consumed by the first ack that answers it. Later acks,
	// such as the client pinging on its own schedule, carry no round-trip
	// information and must not be scored against a stale probe time.
	if !hs.lastHeartbeatSentTime.IsZero() {
		rtt := now.Sub(hs.lastHeartbeatSentTime)
		hs.lastHeartbeatSentTime = time.Time{}
		hs.latencyPenalty = 0
		if rtt > latencyBaseline {
			hs.latencyPenalty = int((rtt - latencyBaseline) / latencyPenaltyStep)
		}
	}

	hs.recalcQuality()
	hs.mu.Unlock()
}

// markWrite records outbound traffic, deferring the next keepalive probe.
func (hs *HeartbeatState) markWrite(now time.Time) {
	hs.mu.Lock()
	hs.lastWriteTime = now
	hs.mu.Unlock()
}

// recalcQuality recomputes the advisory score. Must be called with hs.mu held.
func (hs *HeartbeatState) recalcQuality() {
	q := qualityCeiling - hs.latencyPenalty - hs.heartbeatsMissed*missedPenalty
	if q < qualityFloor {
		q = qualityFloor
	}
	if q > qualityCeiling {
		q = qualityCeiling
	}
	hs.quality = q
}

// Missed returns the consecutive missed-heartbeat count.
func (hs *HeartbeatState) Missed() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.heartbeatsMissed
}

// Sent returns the number of probes sent to this connection.
func (hs *HeartbeatState) Sent() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.heartbeatsSent
}

// Quality returns the advisory connection score in [0,100]. It degrades
// with round-trip latency and missed heartbeats but never triggers a
// disconnect by itself.
func (hs *HeartbeatState) Quality() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.quality
}

// HeartbeatMonitor drives the per-connection liveness state machine:
// ACTIVE, then MISSED_N as read-idle evaluations accumulate, then
// TERMINATED once the missed ceiling or the zombie window is reached.
//
// Two independent timers deliberately coexist. The write-idle timer sends
// probes to keep NAT and load-balancer mappings alive even when there is
// no application traffic; the read-idle timer detects peer death. Folding
// them together would either probe too aggressively or detect failure too
// slowly.
type HeartbeatMonitor struct {
	readIdle      time.Duration
	writeIdle     time.Duration
	zombieAfter   time.Duration
	missedCeiling int
	sweepInterval time.Duration

	now func() time.Time

	onExpired func(ctx context.Context, cc *ConnContext, reason ExpireReason)

	mu      sync.RWMutex
	tracked map[string]*ConnContext

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewHeartbeatMonitor creates a monitor. The zombie window is clamped to
// stay well above the read-idle interval; onExpired is invoked off the
// state lock when a connection must be terminated.
func NewHeartbeatMonitor(
	readIdle time.Duration,
	writeIdle time.Duration,
	zombieAfter time.Duration,
	missedCeiling int,
	onExpired func(ctx context.Context, cc *ConnContext, reason ExpireReason),
) *HeartbeatMonitor {
	if missedCeiling <= 0 {
		missedCeiling = 3
	}
	if zombieAfter <= readIdle {
		zombieAfter = 10 * readIdle
	}

	sweep := readIdle / 2
	if writeIdle < readIdle {
		sweep = writeIdle / 2
	}
	if sweep < minSweepInterval {
		sweep = minSweepInterval
	}

	return &HeartbeatMonitor{
		readIdle:      readIdle,
		writeIdle:     writeIdle,
		zombieAfter:   zombieAfter,
		missedCeiling: missedCeiling,
		sweepInterval: sweep,
		now:           time.Now,
		onExpired:     onExpired,
		tracked:       make(map[string]*ConnContext),
		shutdownCh:    make(chan struct{}),
	}
}

// Track begins liveness monitoring for an admitted connection.
func (m *HeartbeatMonitor) Track(cc *ConnContext) {
	if cc.Heartbeat == nil {
		cc.Heartbeat = NewHeartbeatState(m.now())
	}

	m.mu.Lock()
	m.tracked[cc.Conn.ID()] = cc
	m.mu.Unlock()
}

// Untrack stops monitoring a connection and releases its state. Must be
// called when a connection is unregistered, or its evaluation keeps firing
// against a dead handle.
func (m *HeartbeatMonitor) Untrack(connID string) {
	m.mu.Lock()
	delete(m.tracked, connID)
	m.mu.Unlock()
}

// Tracked returns the number of connections under monitoring.
func (m *HeartbeatMonitor) Tracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracked)
}

// ObserveData notes inbound traffic on a connection.
func (m *HeartbeatMonitor) ObserveData(cc *ConnContext) {
	cc.Heartbeat.markData(m.now())
}

// ObserveHeartbeatAck notes a heartbeat acknowledgement.
func (m *HeartbeatMonitor) ObserveHeartbeatAck(cc *ConnContext) {
	cc.Heartbeat.markAck(m.now())
}

// ObserveWrite notes outbound traffic on a connection.
func (m *HeartbeatMonitor) ObserveWrite(cc *ConnContext) {
	cc.Heartbeat.markWrite(m.now())
}

// Run evaluates all tracked connections periodically until the context is
// cancelled or Stop is called.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.shutdownCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to finish.
func (m *HeartbeatMonitor) Stop() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
	m.wg.Wait()
}

type expiry struct {
	cc     *ConnContext
	reason ExpireReason
}

// sweep runs one evaluation pass over a snapshot of tracked connections.
func (m *HeartbeatMonitor) sweep(ctx context.Context) {
	now := m.now()

	m.mu.RLock()
	snapshot := make([]*ConnContext, 0, len(m.tracked))
	for _, cc := range m.tracked {
		snapshot = append(snapshot, cc)
	}
	m.mu.RUnlock()

	var expired []expiry

	for _, cc := range snapshot {
		if reason, dead := m.evaluate(ctx, cc, now); dead {
			expired = append(expired, expiry{cc: cc, reason: reason})
		}
	}

	for _, e := range expired {
		m.expire(ctx, e.cc, e.reason)
	}
}

// evaluate applies the read-idle and write-idle triggers to one connection.
// Returns the expiry reason when the connection must be terminated.
func (m *HeartbeatMonitor) evaluate(ctx context.Context, cc *ConnContext, now time.Time) (ExpireReason, bool) {
	hs := cc.Heartbeat

	hs.mu.Lock()

	dataIdle := now.Sub(hs.lastDataTime)

	// Zombie check trumps the missed counter: a peer silent for the whole
	// zombie window is gone no matter how few probes went unanswered.
	if dataIdle >= m.zombieAfter {
		hs.mu.Unlock()
		return ExpireZombie, true
	}

	if dataIdle >= m.readIdle {
		// Penalise at most once per read-idle interval so a fast sweep
		// cadence cannot inflate the counter.
		sinceLastMiss := now.Sub(hs.lastMissedAt)
		if hs.lastMissedAt.IsZero() || sinceLastMiss >= m.readIdle {
			hs.heartbeatsMissed++
			hs.retryAttempt++
			hs.lastMissedAt = now
			hs.recalcQuality()
		}

		if hs.heartbeatsMissed >= m.missedCeiling {
			hs.mu.Unlock()
			return ExpireMissedHeartbeats, true
		}
	}

	// Write-idle probing is independent of the read-idle judgement: it
	// never increments a failure counter by itself.
	needProbe := now.Sub(hs.lastWriteTime) >= m.writeIdle
	if needProbe {
		hs.heartbeatsSent++
		hs.lastHeartbeatSentTime = now
		hs.lastWriteTime = now
	}

	hs.mu.Unlock()

	if needProbe {
		m.sendProbe(ctx, cc, now)
	}

	return 0, false
}

// sendProbe ships a liveness ping. Send failures are only logged; the
// read-idle evaluation is the sole judge of whether the peer answered.
func (m *HeartbeatMonitor) sendProbe(ctx context.Context, cc *ConnContext, now time.Time) {
	probe := &Message{
		MessageID: util.IDString(),
		Kind:      KindHeartbeat,
		Content:   "ping",
		Timestamp: now.UnixMilli(),
	}

	payload, err := probe.Encode()
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to encode heartbeat probe")
		return
	}

	if !cc.Conn.IsActive() {
		return
	}

	if err = cc.Conn.Send(ctx, payload); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id":       cc.UserID,
			"connection_id": cc.Conn.ID(),
		}).Debug("heartbeat probe send failed")
	}
}

// expire removes the connection from monitoring and hands it to the
// termination callback.
func (m *HeartbeatMonitor) expire(ctx context.Context, cc *ConnContext, reason ExpireReason) {
	m.Untrack(cc.Conn.ID())

	util.Log(ctx).WithFields(map[string]any{
		"user_id":       cc.UserID,
		"connection_id": cc.Conn.ID(),
		"reason":        reason.String(),
		"missed":        cc.Heartbeat.Missed(),
	}).Warn("terminating unresponsive connection")

	if m.onExpired != nil {
		m.onExpired(ctx, cc, reason)
	}
}
