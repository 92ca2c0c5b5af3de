// Command otagent follows a document on a collaboration server and logs its
// content as it changes. The server is given with -server or found on the
// local network with mDNS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/api"
	"collabtext/internal/discovery"
	"collabtext/internal/logger"
)

type options struct {
	server     string
	service    string
	sessionID  string
	documentID string
	clientID   string
	appendText string
	lookupFor  time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "", "server host:port; found with mDNS when empty")
	flag.StringVar(&opts.service, "service", "_collabtext._tcp", "mDNS service to look up")
	flag.StringVar(&opts.sessionID, "session", "default", "session id")
	flag.StringVar(&opts.documentID, "document", "main", "document id")
	flag.StringVar(&opts.clientID, "client", "", "client id; generated when empty")
	flag.StringVar(&opts.appendText, "append", "", "text to append to the document once connected")
	flag.DurationVar(&opts.lookupFor, "lookup-timeout", 15*time.Second, "how long to browse for a server")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	log, closer, err := logger.New(logger.Config{Level: *level, Environment: os.Getenv("ENV")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "otagent: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	if opts.clientID == "" {
		opts.clientID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &agent{opts: opts, log: log, doc: newFollower(opts.documentID, log)}
	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent stopped", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
}

type agent struct {
	opts options
	log  *slog.Logger
	doc  *follower

	appended bool
}

// run keeps a connection to the server open until ctx is done, reconnecting
// with exponential backoff.
func (a *agent) run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		if ctx.Err() != nil {
			return nil
		}
		return a.session(ctx, b.Reset)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		a.log.Warn("connection lost, retrying", slog.Any("error", err), slog.Duration("in", next))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// session runs one connection. connected is called once the document has
// been bootstrapped.
func (a *agent) session(ctx context.Context, connected func()) error {
	addr, err := a.serverAddr(ctx)
	if err != nil {
		return err
	}

	q := url.Values{"sessionId": {a.opts.sessionID}, "clientId": {a.opts.clientID}}
	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: q.Encode()}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// The snapshot is fetched after the subscription exists, so no broadcast
	// falls between the two.
	if err := a.expectHello(conn); err != nil {
		return err
	}
	snap, err := fetchSnapshot(ctx, addr, a.opts.sessionID, a.opts.documentID)
	if err != nil {
		return err
	}
	a.doc.reset(snap)
	content, rev := a.doc.snapshot()
	a.log.Info("connected",
		slog.String("server", addr),
		slog.String("client_id", a.opts.clientID),
		slog.Int("revision", rev),
		slog.String("content", content),
	)
	connected()

	if a.opts.appendText != "" && !a.appended {
		if err := a.sendAppend(conn); err != nil {
			return err
		}
		a.appended = true
	}
	return a.readLoop(conn)
}

func (a *agent) serverAddr(ctx context.Context) (string, error) {
	if a.opts.server != "" {
		return a.opts.server, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, a.opts.lookupFor)
	defer cancel()
	addr, err := discovery.Lookup(lookupCtx, a.opts.service)
	if err != nil {
		return "", err
	}
	a.log.Info("mDNS discovered server", slog.String("addr", addr))
	return addr, nil
}

func (a *agent) expectHello(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	var hello api.Hello
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != api.TypeHello {
		return fmt.Errorf("unexpected first message %q", hello.Type)
	}
	return nil
}

func fetchSnapshot(ctx context.Context, addr, sessionID, documentID string) (api.Snapshot, error) {
	var snap api.Snapshot
	q := url.Values{"sessionId": {sessionID}, "documentId": {documentID}}
	u := url.URL{Scheme: "http", Host: addr, Path: "/ot/init", RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return snap, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return snap, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("fetch snapshot: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (a *agent) sendAppend(conn *websocket.Conn) error {
	op, rev := a.doc.appendEdit(a.opts.appendText)
	msg := api.EditMessage{
		SessionID:  a.opts.sessionID,
		DocumentID: a.opts.documentID,
		ClientID:   a.opts.clientID,
		Revision:   rev,
		Operation:  op,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send edit: %w", err)
	}
	a.log.Info("edit sent", slog.Int("revision", rev), slog.String("operation", op.String()))
	return nil
}

func (a *agent) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := a.handle(data); err != nil {
			return err
		}
	}
}

// handle dispatches one server message. An error means the mirrored document
// can no longer be trusted and the agent has to bootstrap again.
func (a *agent) handle(data []byte) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		a.log.Warn("malformed message from server", slog.Any("error", err))
		return nil
	}
	switch envelope.Type {
	case api.TypeOperation:
		var b api.Broadcast
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decode broadcast: %w", err)
		}
		if err := a.doc.observe(b); err != nil {
			return err
		}
		if n := a.doc.buffered(); n > 0 {
			a.log.Debug("waiting for earlier revisions", slog.Int("buffered", n))
		}
	case api.TypeAck:
		var ack api.Ack
		if err := json.Unmarshal(data, &ack); err == nil {
			a.log.Info("edit acknowledged", slog.Int("revision", ack.Revision))
		}
	case api.TypeError:
		var notice api.ErrorNotice
		if err := json.Unmarshal(data, &notice); err == nil {
			a.log.Warn("edit rejected by server", slog.String("error", notice.Error))
		}
	default:
		a.log.Debug("ignoring message", slog.String("type", envelope.Type))
	}
	return nil
}
