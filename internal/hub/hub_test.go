package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/docfactory/internal/logging"
)

// fakeConn records frames and can be told to fail writes or block them.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	failWrite bool
	block     chan struct{}
	closed    chan struct{}
	closeCode websocket.StatusCode
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) code() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	h := New(DefaultConfig(), logging.NewNopLogger())
	defer h.Close()

	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for _, c := range conns {
		_, err := h.Register(c, "127.0.0.1:1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.Count())

	h.BroadcastRefresh()

	for _, c := range conns {
		c := c
		waitFor(t, func() bool { return c.frameCount() == 1 })
		c.mu.Lock()
		assert.JSONEq(t, `{"type":"refresh","data":"new_commit"}`, string(c.frames[0]))
		c.mu.Unlock()
	}
}

func TestFailedSendRemovesOnlyThatClient(t *testing.T) {
	h := New(DefaultConfig(), logging.NewNopLogger())
	defer h.Close()

	good := newFakeConn()
	bad := newFakeConn()
	bad.failWrite = true
	_, err := h.Register(good, "a")
	require.NoError(t, err)
	_, err = h.Register(bad, "b")
	require.NoError(t, err)

	h.BroadcastRefresh()

	waitFor(t, func() bool { return h.Count() == 1 })
	waitFor(t, func() bool { return good.frameCount() == 1 })

	h.BroadcastRefresh()
	waitFor(t, func() bool { return good.frameCount() == 2 })
}

func TestFullQueueDropsSlowClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	h := New(cfg, logging.NewNopLogger())
	defer h.Close()

	slow := newFakeConn()
	slow.block = make(chan struct{})
	fast := newFakeConn()
	_, err := h.Register(slow, "slow")
	require.NoError(t, err)
	_, err = h.Register(fast, "fast")
	require.NoError(t, err)

	// The writer holds one frame, the queue one more, the third overflows.
	for i := 0; i < 3; i++ {
		h.BroadcastRefresh()
		waitFor(t, func() bool { return fast.frameCount() == i+1 })
	}

	waitFor(t, func() bool { return h.Count() == 1 })
	assert.Equal(t, websocket.StatusPolicyViolation, slow.code())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New(DefaultConfig(), logging.NewNopLogger())
	defer h.Close()

	c := newFakeConn()
	client, err := h.Register(c, "a")
	require.NoError(t, err)

	h.Unregister(client)
	h.Unregister(client)
	assert.Zero(t, h.Count())
	assert.Equal(t, websocket.StatusNormalClosure, c.code())

	// Broadcasting with nobody registered is a no-op.
	h.BroadcastRefresh()
}

func TestCloseClosesEverythingAndRejectsNewClients(t *testing.T) {
	h := New(DefaultConfig(), logging.NewNopLogger())

	c := newFakeConn()
	_, err := h.Register(c, "a")
	require.NoError(t, err)

	h.Close()

	assert.Zero(t, h.Count())
	assert.Equal(t, websocket.StatusGoingAway, c.code())

	_, err = h.Register(newFakeConn(), "b")
	assert.ErrorIs(t, err, ErrClosed)

	// A second Close is harmless.
	h.Close()
}

func TestHandleFrameLogsTraces(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelDebug, Format: "text", Output: &buf})
	h := New(DefaultConfig(), logger)
	defer h.Close()

	client := &Client{ID: "viewer-1"}
	ctx := context.Background()

	h.handleFrame(ctx, client, []byte(`{"type":"trace","message":"scrolled to\u0007 section 2"}`))
	h.handleFrame(ctx, client, []byte(`not json`))

	out := buf.String()
	assert.Contains(t, out, "Viewer trace")
	assert.Contains(t, out, "scrolled to section 2")
	assert.Contains(t, out, "Invalid JSON from viewer")
	assert.Contains(t, out, "level=WARN")
}

func newTestServer(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(cfg, logging.NewNopLogger())
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	h, srv := newTestServer(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	waitFor(t, func() bool { return h.Count() == 1 })

	trace, err := json.Marshal(Message{Type: "trace", Message: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, trace))

	h.BroadcastRefresh()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "refresh", msg.Type)
	assert.Equal(t, "new_commit", msg.Data)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	waitFor(t, func() bool { return h.Count() == 0 })
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	h, srv := newTestServer(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	waitFor(t, func() bool { return h.Count() == 1 })

	go h.Close()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestWebSocketOriginCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"localhost:8080"}
	_, srv := newTestServer(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:8080")
	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	conn.CloseNow()
}

func TestWebSocketConnectRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectRate = 0.001
	cfg.ConnectBurst = 2
	_, srv := newTestServer(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
		require.NoError(t, err)
		conn.CloseNow()
	}

	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleWebSocketAfterClose(t *testing.T) {
	h := New(DefaultConfig(), logging.NewNopLogger())
	h.Close()

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
