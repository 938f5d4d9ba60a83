package business //nolint:testpackage // Tests drive the unexported sweep directly with a fake clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// monitorFixture runs a monitor against a manually advanced clock so the
// liveness state machine can be stepped deterministically.
type monitorFixture struct {
	monitor *HeartbeatMonitor
	clock   time.Time

	mu      sync.Mutex
	expired []expiry
}

func newMonitorFixture(readIdle, writeIdle, zombieAfter time.Duration, ceiling int) *monitorFixture {
	f := &monitorFixture{clock: time.Unix(1_700_000_000, 0)}

	f.monitor = NewHeartbeatMonitor(readIdle, writeIdle, zombieAfter, ceiling,
		func(_ context.Context, cc *ConnContext, reason ExpireReason) {
			f.mu.Lock()
			f.expired = append(f.expired, expiry{cc: cc, reason: reason})
			f.mu.Unlock()
		})
	f.monitor.now = func() time.Time { return f.clock }

	return f
}

func (f *monitorFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
	f.monitor.sweep(context.Background())
}

func (f *monitorFixture) expirations() []expiry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]expiry(nil), f.expired...)
}

func trackedContext(f *monitorFixture, connID string) *ConnContext {
	cc := &ConnContext{
		UserID:    "user-" + connID,
		Conn:      newFakeConn(connID),
		Heartbeat: NewHeartbeatState(f.clock),
	}
	f.monitor.Track(cc)
	return cc
}

func TestHeartbeatState_AckResetsMissed(t *testing.T) {
	now := time.Now()
	hs := NewHeartbeatState(now)

	hs.mu.Lock()
	hs.heartbeatsMissed = 2
	hs.recalcQuality()
	hs.mu.Unlock()
	require.Equal(t, 2, hs.Missed())
	require.Equal(t, 80, hs.Quality())

	hs.markAck(now.Add(time.Second))
	assert.Equal(t, 0, hs.Missed())
	assert.Equal(t, 100, hs.Quality())
}

func TestHeartbeatState_DataResetsMissed(t *testing.T) {
	now := time.Now()
	hs := NewHeartbeatState(now)

	hs.mu.Lock()
	hs.heartbeatsMissed = 1
	hs.mu.Unlock()

	// Any inbound frame proves liveness, not just heartbeat acks.
	hs.markData(now.Add(time.Second))
	assert.Equal(t, 0, hs.Missed())
}

func TestHeartbeatState_QualityLatencyPenalty(t *testing.T) {
	now := time.Now()
	hs := NewHeartbeatState(now)

	// Probe answered after 3s: 2s over baseline costs 20 points.
	hs.mu.Lock()
	hs.lastHeartbeatSentTime = now
	hs.mu.Unlock()
	hs.markAck(now.Add(3 * time.Second))
	assert.Equal(t, 80, hs.Quality())

	// A fast answer restores the full score.
	hs.mu.Lock()
	hs.lastHeartbeatSentTime = now.Add(10 * time.Second)
	hs.mu.Unlock()
	hs.markAck(now.Add(10*time.Second + 50*time.Millisecond))
	assert.Equal(t, 100, hs.Quality())
}

func TestHeartbeatState_AckWithoutProbeCarriesNoLatency(t *testing.T) {
	now := time.Now()
	hs := NewHeartbeatState(now)

	hs.mu.Lock()
	hs.lastHeartbeatSentTime = now
	hs.mu.Unlock()

	// Prompt answer to the probe keeps the full score.
	hs.markAck(now.Add(100 * time.Millisecond))
	require.Equal(t, 100, hs.Quality())

	// The client's own ping 20s later answers no outstanding probe; it must
	// not be scored as a 20 second round trip against the consumed one.
	hs.markAck(now.Add(20 * time.Second))
	assert.Equal(t, 100, hs.Quality())

	hs.markAck(now.Add(40 * time.Second))
	assert.Equal(t, 100, hs.Quality())
}

func TestHeartbeatState_QualityNeverNegative(t *testing.T) {
	hs := NewHeartbeatState(time.Now())

	hs.mu.Lock()
	hs.heartbeatsMissed = 50
	hs.latencyPenalty = 500
	hs.recalcQuality()
	q := hs.quality
	hs.mu.Unlock()

	assert.Equal(t, 0, q)
}

func TestHeartbeatMonitor_MissedCeilingTerminates(t *testing.T) {
	f := newMonitorFixture(10*time.Second, 5*time.Second, 10*time.Minute, 3)
	cc := trackedContext(f, "c1")

	f.advance(10 * time.Second)
	assert.Equal(t, 1, cc.Heartbeat.Missed())
	assert.Empty(t, f.expirations())

	f.advance(10 * time.Second)
	assert.Equal(t, 2, cc.Heartbeat.Missed())

	f.advance(10 * time.Second)
	expired := f.expirations()
	require.Len(t, expired, 1)
	assert.Equal(t, ExpireMissedHeartbeats, expired[0].reason)
	assert.Same(t, cc, expired[0].cc)
	assert.Equal(t, 0, f.monitor.Tracked())
}

func TestHeartbeatMonitor_FastSweepDoesNotInflateMissed(t *testing.T) {
	f := newMonitorFixture(10*time.Second, time.Hour, 10*time.Minute, 3)
	cc := trackedContext(f, "c1")

	// Three rapid sweeps past the read-idle boundary count one miss, not three.
	f.advance(10 * time.Second)
	f.advance(time.Second)
	f.advance(time.Second)

	assert.Equal(t, 1, cc.Heartbeat.Missed())
	assert.Empty(t, f.expirations())
}

func TestHeartbeatMonitor_AckResetsStateMachine(t *testing.T) {
	f := newMonitorFixture(10*time.Second, time.Hour, 10*time.Minute, 3)
	cc := trackedContext(f, "c1")

	f.advance(10 * time.Second)
	f.advance(10 * time.Second)
	require.Equal(t, 2, cc.Heartbeat.Missed())

	f.monitor.ObserveHeartbeatAck(cc)
	require.Equal(t, 0, cc.Heartbeat.Missed())

	// The counter starts over from the ack, so one more interval is a
	// single miss, not termination.
	f.advance(10 * time.Second)
	assert.Equal(t, 1, cc.Heartbeat.Missed())
	assert.Empty(t, f.expirations())
}

func TestHeartbeatMonitor_ZombieTerminates(t *testing.T) {
	// Missed ceiling is far away; only the zombie window can fire.
	f := newMonitorFixture(10*time.Second, time.Hour, 60*time.Second, 1000)
	cc := trackedContext(f, "c1")

	f.advance(30 * time.Second)
	assert.Empty(t, f.expirations())

	f.advance(30 * time.Second)
	expired := f.expirations()
	require.Len(t, expired, 1)
	assert.Equal(t, ExpireZombie, expired[0].reason)
	assert.Same(t, cc, expired[0].cc)
}

func TestHeartbeatMonitor_WriteIdleSendsProbe(t *testing.T) {
	f := newMonitorFixture(time.Hour, 5*time.Second, 10*time.Hour, 3)
	cc := trackedContext(f, "c1")
	conn, ok := cc.Conn.(*fakeConn)
	require.True(t, ok)

	f.advance(5 * time.Second)

	require.Equal(t, 1, conn.sentCount())
	probe, err := DecodeMessage(conn.lastSent())
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, probe.Kind)
	assert.Equal(t, "ping", probe.Content)
	assert.Equal(t, 1, cc.Heartbeat.Sent())

	// Probing is not a failure signal.
	assert.Equal(t, 0, cc.Heartbeat.Missed())
}

func TestHeartbeatMonitor_OutboundTrafficDefersProbe(t *testing.T) {
	f := newMonitorFixture(time.Hour, 5*time.Second, 10*time.Hour, 3)
	cc := trackedContext(f, "c1")
	conn, ok := cc.Conn.(*fakeConn)
	require.True(t, ok)

	f.clock = f.clock.Add(4 * time.Second)
	f.monitor.ObserveWrite(cc)

	// Only 4s of write-idle have elapsed since the application send.
	f.advance(4 * time.Second)
	assert.Equal(t, 0, conn.sentCount())

	f.advance(time.Second)
	assert.Equal(t, 1, conn.sentCount())
}

func TestHeartbeatMonitor_UntrackStopsEvaluation(t *testing.T) {
	f := newMonitorFixture(10*time.Second, time.Hour, 60*time.Second, 1)
	cc := trackedContext(f, "c1")

	f.monitor.Untrack(cc.Conn.ID())
	require.Equal(t, 0, f.monitor.Tracked())

	f.advance(10 * time.Minute)
	assert.Empty(t, f.expirations())
}

func TestHeartbeatMonitor_RunAndStop(t *testing.T) {
	m := NewHeartbeatMonitor(time.Minute, time.Minute, time.Hour, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Run(ctx)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop in time")
	}
}
