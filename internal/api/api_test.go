package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/docsync"
	"collabtext/internal/ot"
	"collabtext/internal/relay"
)

type testServer struct {
	*httptest.Server
	controller *docsync.Controller
	edits      *EditHandler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	controller := docsync.NewController(docsync.WithLogger(log))
	edits := NewEditHandler(controller, hub, log, nil)
	srv := httptest.NewServer(NewRouter(controller, edits, log))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, controller: controller, edits: edits}
}

func (s *testServer) dial(t *testing.T, sessionID, clientID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws?sessionId=%s&clientId=%s", strings.TrimPrefix(s.URL, "http"), sessionID, clientID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello Hello
	readJSON(t, conn, &hello)
	require.Equal(t, TypeHello, hello.Type)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func sendEdit(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestSnapshotEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := srv.controller.ReceiveOperation("s1", "d1", 0, ot.New().Insert("hello"))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/ot/init?sessionId=s1&documentId=d1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, Snapshot{Content: "hello", Revision: 1}, snap)
}

func TestSnapshotEndpointRequiresIDs(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ot/init?sessionId=s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRequiresSession(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketGeneratesClientID(t *testing.T) {
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sessionId=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Hello
	readJSON(t, conn, &hello)
	assert.NotEmpty(t, hello.ClientID)
}

func TestEditIsBroadcastAndAcknowledged(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial(t, "s1", "alice")
	bob := srv.dial(t, "s1", "bob")

	sendEdit(t, alice, `{"sessionId":"s1","documentId":"d1","clientId":"alice","revision":0,"operation":["hi"],"cursorPosition":{"line":0,"ch":2}}`)

	for _, conn := range []*websocket.Conn{alice, bob} {
		var b Broadcast
		readJSON(t, conn, &b)
		assert.Equal(t, TypeOperation, b.Type)
		assert.Equal(t, "alice", b.ClientID)
		assert.Equal(t, 1, b.Revision)
		assert.Equal(t, []ot.Step{ot.Insert("hi")}, b.Operation.Steps())
		assert.JSONEq(t, `{"line":0,"ch":2}`, string(b.CursorPosition))
	}

	var ack Ack
	readJSON(t, alice, &ack)
	assert.Equal(t, Ack{Type: TypeAck, SessionID: "s1", DocumentID: "d1", Revision: 1}, ack)

	content, rev := srv.controller.Snapshot("s1", "d1")
	assert.Equal(t, "hi", content)
	assert.Equal(t, 1, rev)
}

func TestStaleEditIsTransformedBeforeBroadcast(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := srv.controller.ReceiveOperation("s1", "d1", 0, ot.New().Insert("ac"))
	require.NoError(t, err)
	_, _, err = srv.controller.ReceiveOperation("s1", "d1", 1, ot.New().Insert(">").Retain(2))
	require.NoError(t, err)

	bob := srv.dial(t, "s1", "bob")
	// Made against revision 1 ("ac"): insert "b" between a and c.
	sendEdit(t, bob, `{"sessionId":"s1","documentId":"d1","clientId":"bob","revision":1,"operation":[1,"b",1]}`)

	var b Broadcast
	readJSON(t, bob, &b)
	assert.Equal(t, 3, b.Revision)
	assert.Equal(t, []ot.Step{ot.Retain(2), ot.Insert("b"), ot.Retain(1)}, b.Operation.Steps())

	content, _ := srv.controller.Snapshot("s1", "d1")
	assert.Equal(t, ">abc", content)
}

func TestRejectedEditNotifiesOriginOnly(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial(t, "s1", "alice")
	bob := srv.dial(t, "s1", "bob")

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"invalid revision", `{"sessionId":"s1","documentId":"d1","clientId":"alice","revision":4,"operation":["x"]}`, "invalid revision"},
		{"missing fields", `{"sessionId":"s1","revision":0,"operation":["x"]}`, "missing required fields: documentId, clientId"},
		{"malformed operation", `{"sessionId":"s1","documentId":"d1","clientId":"alice","revision":0,"operation":[0]}`, "malformed message"},
		{"other client", `{"sessionId":"s1","documentId":"d1","clientId":"bob","revision":0,"operation":["x"]}`, "must match the connection"},
		{"other session", `{"sessionId":"s2","documentId":"d1","clientId":"alice","revision":0,"operation":["x"]}`, "must match the connection"},
		{"length mismatch", `{"sessionId":"s1","documentId":"d1","clientId":"alice","revision":0,"operation":[3]}`, "length mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendEdit(t, alice, tt.msg)
			var notice ErrorNotice
			readJSON(t, alice, &notice)
			assert.Equal(t, TypeError, notice.Type)
			assert.Contains(t, notice.Error, tt.want)
		})
	}

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	require.True(t, isTimeout(err), "bob must not receive anything, got %v", err)

	_, rev := srv.controller.Snapshot("s1", "d1")
	assert.Equal(t, 0, rev)
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "invalid_revision", rejectReason(fmt.Errorf("x: %w", docsync.ErrInvalidRevision)))
	assert.Equal(t, "transform", rejectReason(ot.ErrTruncatedOperation))
	assert.Equal(t, "apply", rejectReason(ot.ErrLengthMismatch))
	assert.Equal(t, "invalid_operation", rejectReason(ot.ErrInvalidArgument))
	assert.Equal(t, "internal", rejectReason(errors.New("boom")))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
}

func TestShutdownClosesAndDrainsConnections(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial(t, "s1", "alice")
	srv.dial(t, "s1", "bob")

	sendEdit(t, alice, `{"sessionId":"s1","documentId":"d1","clientId":"alice","revision":0,"operation":["hi"]}`)
	var b Broadcast
	readJSON(t, alice, &b)
	require.Equal(t, 1, b.Revision)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.edits.Shutdown(ctx))

	srv.edits.mu.Lock()
	assert.Empty(t, srv.edits.conns)
	srv.edits.mu.Unlock()

	// Drain the ack, then the connection must be gone.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	var readErr error
	for readErr == nil {
		_, _, readErr = alice.ReadMessage()
	}
	assert.False(t, isTimeout(readErr), "connection was not closed: %v", readErr)

	// Edits can no longer be admitted, and new connections are refused.
	alice.WriteMessage(websocket.TextMessage, []byte(`{"sessionId":"s1","documentId":"d1","clientId":"alice","revision":1,"operation":[2,"!"]}`))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sessionId=s1&clientId=carol"
	if conn, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	}

	content, rev := srv.controller.Snapshot("s1", "d1")
	assert.Equal(t, "hi", content)
	assert.Equal(t, 1, rev)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
