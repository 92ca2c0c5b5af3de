package api

import (
	"encoding/json"
	"errors"
	"strings"

	"collabtext/internal/ot"
)

// Message types carried in the Type field of outgoing messages.
const (
	TypeHello     = "hello"
	TypeOperation = "operation"
	TypeAck       = "ack"
	TypeError     = "error"
)

// EditMessage is sent by a client for every local edit. Revision is the last
// server revision the client had applied when it made the edit.
type EditMessage struct {
	SessionID      string          `json:"sessionId"`
	DocumentID     string          `json:"documentId"`
	ClientID       string          `json:"clientId"`
	Revision       int             `json:"revision"`
	Operation      *ot.Operation   `json:"operation"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
}

// missingFields lists the required fields that are empty.
func (m *EditMessage) missingFields() []string {
	var missing []string
	if m.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if m.DocumentID == "" {
		missing = append(missing, "documentId")
	}
	if m.ClientID == "" {
		missing = append(missing, "clientId")
	}
	if m.Operation == nil {
		missing = append(missing, "operation")
	}
	return missing
}

func (m *EditMessage) validate() error {
	if missing := m.missingFields(); len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// Broadcast is published to every subscriber of the session after an edit
// was applied. Operation is the edit as the server applied it at Revision.
type Broadcast struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"sessionId"`
	DocumentID     string          `json:"documentId"`
	ClientID       string          `json:"clientId"`
	Revision       int             `json:"revision"`
	Operation      *ot.Operation   `json:"operation"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
}

// Ack is published to the originating client after its edit was applied.
type Ack struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId"`
	Revision   int    `json:"revision"`
}

// ErrorNotice is sent to the originating connection only, when its edit was
// rejected.
type ErrorNotice struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Error      string `json:"error"`
}

// Hello is the first message on a connection and tells the client its id.
type Hello struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// Snapshot is returned by the snapshot endpoint.
type Snapshot struct {
	Content  string `json:"content"`
	Revision int    `json:"revision"`
}
