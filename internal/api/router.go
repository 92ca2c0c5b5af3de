// Package api exposes the collaboration server over HTTP: the websocket edit
// endpoint, the snapshot endpoint used to bootstrap a session, metrics and a
// health check.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabtext/internal/docsync"
)

// NewRouter wires every endpoint.
func NewRouter(controller *docsync.Controller, edits *EditHandler, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(log))
	r.Handle("/ws", edits).Methods(http.MethodGet)
	r.Handle("/ot/init", snapshotHandler(controller)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// snapshotHandler answers GET /ot/init?sessionId=...&documentId=... with the
// current content and revision of the document.
func snapshotHandler(controller *docsync.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sessionID, documentID := q.Get("sessionId"), q.Get("documentId")
		if sessionID == "" || documentID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId and documentId are required"})
			return
		}
		content, revision := controller.Snapshot(sessionID, documentID)
		writeJSON(w, http.StatusOK, Snapshot{Content: content, Revision: revision})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger tags each request with an id and logs it once served. The
// websocket endpoint is logged when the connection ends.
func requestLogger(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("http request",
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
