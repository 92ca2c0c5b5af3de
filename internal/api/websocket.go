package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/docsync"
	"collabtext/internal/metrics"
	"collabtext/internal/ot"
	"collabtext/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// EditHandler upgrades connections to websockets, feeds incoming edits to the
// controller and relays the results.
type EditHandler struct {
	controller *docsync.Controller
	broker     relay.Broker
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
	active  sync.WaitGroup
}

// NewEditHandler returns a handler. An empty allowedOrigins accepts any origin.
func NewEditHandler(controller *docsync.Controller, broker relay.Broker, log *slog.Logger, allowedOrigins []string) *EditHandler {
	h := &EditHandler{
		controller: controller,
		broker:     broker,
		log:        log,
		conns:      make(map[*connection]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// connection is one websocket client. Only writePump writes to conn.
type connection struct {
	h         *EditHandler
	conn      *websocket.Conn
	sessionID string
	clientID  string
	send      chan []byte
	log       *slog.Logger
}

// ServeHTTP handles GET /ws?sessionId=...&clientId=... . A client id is
// generated when none is given.
func (h *EditHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &connection{
		h:         h,
		conn:      ws,
		sessionID: sessionID,
		clientID:  clientID,
		send:      make(chan []byte, sendBuffer),
		log: h.log.With(
			slog.String("session_id", sessionID),
			slog.String("client_id", clientID),
			slog.String("conn_id", uuid.NewString()),
		),
	}
	if !h.track(c) {
		c.log.Info("rejecting connection during shutdown")
		ws.Close()
		return
	}
	defer h.untrack(c)
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()
	c.log.Info("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.broker.Subscribe(ctx, relay.SessionTopic(sessionID), relay.AckTopic(clientID))
	if err != nil {
		c.log.Error("subscribe failed", slog.Any("error", err))
		ws.Close()
		return
	}
	defer sub.Close()

	c.queue(Hello{Type: TypeHello, ClientID: clientID})
	done := make(chan struct{})
	go func() {
		c.writePump(sub)
		close(done)
	}()
	c.readPump(ctx)
	close(c.send)
	<-done
	c.log.Info("client disconnected")
}

func (h *EditHandler) track(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *EditHandler) untrack(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.active.Done()
}

// Shutdown closes every open connection and waits until their handlers have
// returned, so no edit is admitted afterwards. http.Server.Shutdown does not
// cover hijacked connections, so this has to be called next to it. New
// connections are refused from then on.
func (h *EditHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", slog.Any("error", err))
			}
			return
		}
		c.handleEdit(ctx, data)
	}
}

func (c *connection) handleEdit(ctx context.Context, data []byte) {
	var msg EditMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed edit message", slog.Any("error", err))
		c.reject(&msg, "malformed message: "+err.Error())
		return
	}
	if err := msg.validate(); err != nil {
		c.log.Warn("received edit without required fields", slog.String("error", err.Error()))
		c.reject(&msg, err.Error())
		return
	}
	if msg.SessionID != c.sessionID || msg.ClientID != c.clientID {
		c.log.Warn("edit for another session or client",
			slog.String("message_session_id", msg.SessionID),
			slog.String("message_client_id", msg.ClientID),
		)
		c.reject(&msg, "sessionId and clientId must match the connection")
		return
	}

	applied, revision, err := c.h.controller.ReceiveOperation(msg.SessionID, msg.DocumentID, msg.Revision, msg.Operation)
	if err != nil {
		c.log.Warn("edit rejected",
			slog.String("document_id", msg.DocumentID),
			slog.Int("revision", msg.Revision),
			slog.String("reason", rejectReason(err)),
			slog.Any("error", err),
		)
		c.reject(&msg, err.Error())
		return
	}
	c.log.Debug("edit applied",
		slog.String("document_id", msg.DocumentID),
		slog.Int("client_revision", msg.Revision),
		slog.Int("revision", revision),
	)

	c.publish(ctx, "operation", relay.SessionTopic(msg.SessionID), Broadcast{
		Type:           TypeOperation,
		SessionID:      msg.SessionID,
		DocumentID:     msg.DocumentID,
		ClientID:       msg.ClientID,
		Revision:       revision,
		Operation:      applied,
		CursorPosition: msg.CursorPosition,
	})
	c.publish(ctx, "ack", relay.AckTopic(c.clientID), Ack{
		Type:       TypeAck,
		SessionID:  msg.SessionID,
		DocumentID: msg.DocumentID,
		Revision:   revision,
	})
}

// rejectReason maps an edit error to a short label for logs.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, docsync.ErrInvalidRevision):
		return "invalid_revision"
	case errors.Is(err, ot.ErrBaseLengthMismatch), errors.Is(err, ot.ErrTruncatedOperation):
		return "transform"
	case errors.Is(err, ot.ErrLengthMismatch):
		return "apply"
	case errors.Is(err, ot.ErrInvalidArgument):
		return "invalid_operation"
	default:
		return "internal"
	}
}

func (c *connection) publish(ctx context.Context, kind, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.RecordRelayPublish(kind, "failed")
		c.log.Error("encode message", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	if err := c.h.broker.Publish(ctx, topic, payload); err != nil {
		metrics.RecordRelayPublish(kind, "failed")
		c.log.Error("publish failed", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	metrics.RecordRelayPublish(kind, "ok")
}

func (c *connection) reject(msg *EditMessage, reason string) {
	c.queue(ErrorNotice{
		Type:       TypeError,
		SessionID:  msg.SessionID,
		DocumentID: msg.DocumentID,
		Error:      reason,
	})
}

// queue sends v to this connection only.
func (c *connection) queue(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode message", slog.Any("error", err))
		return
	}
	select {
	case c.send <- payload:
	default:
		c.log.Warn("send buffer full, dropping direct message")
	}
}

func (c *connection) writePump(sub relay.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	messages := sub.Messages()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(payload) {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				// Dropped by the relay; the client has to reconnect.
				c.log.Warn("relay subscription closed")
				return
			}
			if !c.write(msg.Payload) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) write(payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("error writing message to client", slog.Any("error", err))
		return false
	}
	return true
}
