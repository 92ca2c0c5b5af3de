package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/api"
	"collabtext/internal/docsync"
	"collabtext/internal/ot"
	"collabtext/internal/relay"
)

func TestAgentFollowsAndAppends(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := relay.NewHub()
	go hub.Run(ctx)
	controller := docsync.NewController(docsync.WithLogger(log))
	_, _, err := controller.ReceiveOperation("s1", "d1", 0, ot.New().Insert("hello"))
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewRouter(controller, api.NewEditHandler(controller, hub, log, nil), log))
	defer srv.Close()

	a := &agent{
		opts: options{
			server:     strings.TrimPrefix(srv.URL, "http://"),
			sessionID:  "s1",
			documentID: "d1",
			clientID:   "agent-1",
			appendText: " world",
		},
		log: log,
		doc: newFollower("d1", log),
	}
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool {
		content, rev := a.doc.snapshot()
		return content == "hello world" && rev == 2
	}, 2*time.Second, 10*time.Millisecond)

	// An edit from another client reaches the agent through the relay.
	_, rev, err := controller.ReceiveOperation("s1", "d1", 2, ot.New().Retain(11).Insert("!"))
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, relay.SessionTopic("s1"), mustJSON(t, api.Broadcast{
		Type:       api.TypeOperation,
		SessionID:  "s1",
		DocumentID: "d1",
		ClientID:   "other",
		Revision:   rev,
		Operation:  ot.New().Retain(11).Insert("!"),
	})))
	require.Eventually(t, func() bool {
		content, _ := a.doc.snapshot()
		return content == "hello world!"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestHandleIgnoresUnknownMessages(t *testing.T) {
	a := &agent{log: slog.New(slog.NewTextHandler(io.Discard, nil)), doc: newTestFollower()}
	assert.NoError(t, a.handle([]byte(`{"type":"presence"}`)))
	assert.NoError(t, a.handle([]byte(`not json`)))
	assert.NoError(t, a.handle([]byte(`{"type":"error","error":"ot: length mismatch"}`)))
	assert.Error(t, a.handle([]byte(`{"type":"operation","documentId":"d1","revision":1,"operation":[0]}`)))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
