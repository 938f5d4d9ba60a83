package business //nolint:testpackage // Tests need access to unexported manager internals

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) Manager {
	t.Helper()

	verifier := staticVerifier(map[string]string{"good-token": "user1", "other-token": "user2"})

	m := NewManager(context.Background(), verifier, nil, nil, nil, Options{
		MaxConnections:       100,
		MaxMessagesPerSecond: 1000,
		ReadIdleInterval:     time.Minute,
		WriteIdleInterval:    time.Minute,
		ZombieInterval:       time.Hour,
		MissedHeartbeatLimit: 3,
	})
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func attachTestConn(t *testing.T, m Manager, token, connID string) (*ConnContext, *fakeConn) {
	t.Helper()

	res, err := m.Authenticate(context.Background(), token)
	require.NoError(t, err)

	conn := newFakeConn(connID)
	cc, err := m.Attach(context.Background(), res, conn)
	require.NoError(t, err)
	return cc, conn
}

func TestManager_AuthenticateAttachRelease(t *testing.T) {
	m := newTestManager(t)

	cc, _ := attachTestConn(t, m, "good-token", "c1")
	assert.Equal(t, "user1", cc.UserID)
	assert.NotNil(t, cc.Heartbeat)
	assert.Equal(t, 1, m.ActiveConnections())

	m.Release(context.Background(), cc)
	assert.Equal(t, 0, m.ActiveConnections())

	// Release is idempotent.
	m.Release(context.Background(), cc)
	assert.Equal(t, 0, m.ActiveConnections())
}

func TestManager_AuthenticateRejectsBadToken(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Authenticate(context.Background(), "bad-token")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = m.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestManager_InstanceIDFormat(t *testing.T) {
	m := newTestManager(t)
	assert.Contains(t, m.InstanceID(), "link-")
}

func TestManager_HandleFrameRoutesPrivate(t *testing.T) {
	m := newTestManager(t)

	sender, _ := attachTestConn(t, m, "good-token", "c1")
	_, recipientConn := attachTestConn(t, m, "other-token", "c2")

	msg := &Message{Kind: KindPrivate, ToUserID: "user2", Content: "hi"}
	payload, err := msg.Encode()
	require.NoError(t, err)

	m.HandleFrame(context.Background(), sender, payload)

	require.Equal(t, 1, recipientConn.sentCount())
	got, err := DecodeMessage(recipientConn.lastSent())
	require.NoError(t, err)
	assert.Equal(t, "user1", got.FromUserID)
	assert.Equal(t, "hi", got.Content)
}

func TestManager_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	m := newTestManager(t)

	cc, conn := attachTestConn(t, m, "good-token", "c1")

	m.HandleFrame(context.Background(), cc, []byte("{not json"))

	assert.True(t, conn.IsActive(), "malformed input never closes the connection")
	assert.Equal(t, 1, m.ActiveConnections())

	require.Equal(t, 1, conn.sentCount())
	notice, err := DecodeMessage(conn.lastSent())
	require.NoError(t, err)
	assert.Equal(t, KindSystem, notice.Kind)
}

func TestManager_ForbiddenKindNotified(t *testing.T) {
	m := newTestManager(t)

	cc, conn := attachTestConn(t, m, "good-token", "c1")

	msg := &Message{Kind: KindAuth, Content: "late auth"}
	payload, err := msg.Encode()
	require.NoError(t, err)

	m.HandleFrame(context.Background(), cc, payload)

	require.Equal(t, 1, conn.sentCount())
	notice, decodeErr := DecodeMessage(conn.lastSent())
	require.NoError(t, decodeErr)
	assert.Equal(t, KindSystem, notice.Kind)
	assert.Contains(t, notice.Content, "not allowed")
	assert.True(t, conn.IsActive())
}

func TestManager_ShutdownRejectsNewWork(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Authenticate(context.Background(), "good-token")
	assert.ErrorIs(t, err, ErrShuttingDown)

	_, err = m.Attach(context.Background(), AuthResult{UserID: "user1"}, newFakeConn("c1"))
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Shutdown is idempotent.
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_DrainConnections(t *testing.T) {
	m := newTestManager(t)

	var conns []*fakeConn
	for i := range 3 {
		token := "good-token"
		if i > 0 {
			token = "other-token"
		}
		_, conn := attachTestConn(t, m, token, fmt.Sprintf("c%d", i))
		conns = append(conns, conn)
	}
	require.Equal(t, 3, m.ActiveConnections())

	m.DrainConnections(context.Background())

	assert.Equal(t, 0, m.ActiveConnections())
	for _, conn := range conns {
		closed, reason := conn.closedReason()
		assert.True(t, closed)
		assert.Equal(t, "server shutting down", reason)

		// The peer got the shutdown notice before the close.
		require.GreaterOrEqual(t, conn.sentCount(), 1)
		notice, err := DecodeMessage(conn.lastSent())
		require.NoError(t, err)
		assert.Equal(t, KindSystem, notice.Kind)
		assert.Equal(t, "server shutting down", notice.Content)
	}
}

func TestManager_ExpiredConnectionReleased(t *testing.T) {
	verifier := staticVerifier(map[string]string{"good-token": "user1"})

	lm, ok := NewManager(context.Background(), verifier, nil, nil, nil, Options{
		MaxConnections:       10,
		MaxMessagesPerSecond: 100,
		ReadIdleInterval:     time.Minute,
		WriteIdleInterval:    time.Minute,
		ZombieInterval:       time.Hour,
	}).(*linkManager)
	require.True(t, ok)
	t.Cleanup(func() {
		_ = lm.Shutdown(context.Background())
	})

	res, err := lm.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	conn := newFakeConn("c1")
	cc, err := lm.Attach(context.Background(), res, conn)
	require.NoError(t, err)

	lm.onExpired(context.Background(), cc, ExpireMissedHeartbeats)

	closed, reason := conn.closedReason()
	assert.True(t, closed)
	assert.Equal(t, "heartbeat timeout", reason)
	assert.Equal(t, 0, lm.ActiveConnections())
	assert.Equal(t, 0, lm.monitor.Tracked())

	// The transport read loop observes the close and releases the same
	// context again; the first release already latched it.
	require.True(t, cc.released.Load())
	lm.Release(context.Background(), cc)
	assert.Equal(t, 0, lm.ActiveConnections())
	assert.Equal(t, 0, lm.monitor.Tracked())
}

func TestManager_ReleaseLatchesOnce(t *testing.T) {
	m := newTestManager(t)

	cc, _ := attachTestConn(t, m, "good-token", "c1")
	require.False(t, cc.released.Load())

	m.Release(context.Background(), cc)
	assert.True(t, cc.released.Load())
	assert.Equal(t, 0, m.ActiveConnections())

	// A fresh connection of the same user is untouched by a stale release
	// of the old context.
	cc2, _ := attachTestConn(t, m, "good-token", "c2")
	m.Release(context.Background(), cc)
	assert.Equal(t, 1, m.ActiveConnections())

	m.Release(context.Background(), cc2)
	assert.Equal(t, 0, m.ActiveConnections())
}
