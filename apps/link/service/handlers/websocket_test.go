package handlers //nolint:testpackage // Tests need access to unexported status mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antinvestor/service-link/apps/link/service/business"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) business.Manager {
	t.Helper()

	verifier := func(_ context.Context, credential string) (string, error) {
		if user, ok := strings.CutPrefix(credential, "token-for-"); ok {
			return user, nil
		}
		return "", fmt.Errorf("%w: unknown token", business.ErrInvalidCredential)
	}

	m := business.NewManager(context.Background(), verifier, nil, nil, nil, business.Options{
		MaxConnections:       10,
		MaxMessagesPerSecond: 1000,
		ReadIdleInterval:     time.Minute,
		WriteIdleInterval:    time.Minute,
		ZombieInterval:       time.Hour,
	})
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func newTestServer(t *testing.T) (*httptest.Server, business.Manager) {
	t.Helper()

	m := newTestManager(t)
	srv := httptest.NewServer(NewLinkHandler(m))
	t.Cleanup(srv.Close)
	return srv, m
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

func TestLinkHandler_MissingCredentialRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLinkHandler_InvalidCredentialRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/?token=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLinkHandler_BearerHeaderAccepted(t *testing.T) {
	srv, m := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer token-for-alice"}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return m.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLinkHandler_HeartbeatRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "token-for-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ping := business.Message{Kind: business.KindHeartbeat, MessageID: "hb-1", Content: "ping"}
	payload, err := json.Marshal(ping)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))

	_, reply, err := conn.Read(ctx)
	require.NoError(t, err)

	var pong business.Message
	require.NoError(t, json.Unmarshal(reply, &pong))
	assert.Equal(t, business.KindHeartbeat, pong.Kind)
	assert.Equal(t, "pong", pong.Content)
	assert.Equal(t, "hb-1", pong.Extra["echo"])
}

func TestLinkHandler_PrivateMessageBetweenPeers(t *testing.T) {
	srv, m := newTestServer(t)

	alice := dial(t, srv, "token-for-alice")
	bob := dial(t, srv, "token-for-bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		return m.ActiveConnections() == 2
	}, 2*time.Second, 10*time.Millisecond)

	msg := business.Message{Kind: business.KindPrivate, ToUserID: "bob", Content: "hello bob"}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, alice.Write(ctx, websocket.MessageText, payload))

	_, reply, err := bob.Read(ctx)
	require.NoError(t, err)

	var got business.Message
	require.NoError(t, json.Unmarshal(reply, &got))
	assert.Equal(t, "alice", got.FromUserID)
	assert.Equal(t, "hello bob", got.Content)
}

func TestLinkHandler_MalformedFrameGetsNotice(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "token-for-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{broken")))

	_, reply, err := conn.Read(ctx)
	require.NoError(t, err, "malformed input must not close the connection")

	var notice business.Message
	require.NoError(t, json.Unmarshal(reply, &notice))
	assert.Equal(t, business.KindSystem, notice.Kind)
}

func TestLinkHandler_DisconnectReleasesSession(t *testing.T) {
	srv, m := newTestServer(t)
	conn := dial(t, srv, "token-for-alice")

	require.Eventually(t, func() bool {
		return m.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	require.Eventually(t, func() bool {
		return m.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRejectionStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, rejectionStatus(business.ErrMissingCredential))
	assert.Equal(t, http.StatusUnauthorized, rejectionStatus(business.ErrInvalidCredential))
	assert.Equal(t, http.StatusServiceUnavailable, rejectionStatus(business.ErrCapacityExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, rejectionStatus(business.ErrAuthUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, rejectionStatus(business.ErrShuttingDown))
	assert.Equal(t, http.StatusInternalServerError, rejectionStatus(fmt.Errorf("boom")))
}
