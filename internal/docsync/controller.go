// Package docsync serializes concurrent edits to shared documents.
//
// Each document is identified by a session and a document id and keeps its
// content, its revision and the list of operations applied so far. Edits made
// against an older revision are transformed against the operations the client
// has not seen before they are applied.
package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabtext/internal/journal"
	"collabtext/internal/metrics"
	"collabtext/internal/ot"
)

var (
	// ErrInvalidRevision is returned when a client revision is negative or
	// ahead of the server.
	ErrInvalidRevision = errors.New("docsync: invalid revision")

	// ErrHistoryCorruption is returned when a stored operation cannot be
	// rebuilt or replayed.
	ErrHistoryCorruption = errors.New("docsync: history corruption")
)

// Key identifies a document.
type Key struct {
	SessionID  string
	DocumentID string
}

func (k Key) String() string { return k.SessionID + ":" + k.DocumentID }

// Recorder receives every committed operation. Record is called while the
// document is locked and must not block.
type Recorder interface {
	Record(e journal.Entry)
}

type document struct {
	mu       sync.RWMutex
	content  string
	revision int
	history  []*ot.Operation
}

// Controller owns the state of every document.
type Controller struct {
	mu       sync.Mutex // protects docs
	docs     map[Key]*document
	recorder Recorder
	log      *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder hands committed operations to r.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		docs: make(map[Key]*document),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doc returns the document for k, creating it on first access. Documents are
// never removed, so the returned pointer stays valid.
func (c *Controller) doc(k Key) *document {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[k]
	if !ok {
		d = &document{}
		c.docs[k] = d
		metrics.SetDocuments(len(c.docs))
	}
	return d
}

// Snapshot returns the current content and revision of a document.
func (c *Controller) Snapshot(sessionID, documentID string) (string, int) {
	d := c.doc(Key{sessionID, documentID})
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content, d.revision
}

// History returns the operations that moved the document from revision from
// to its current revision.
func (c *Controller) History(sessionID, documentID string, from int) ([]*ot.Operation, error) {
	d := c.doc(Key{sessionID, documentID})
	d.mu.RLock()
	defer d.mu.RUnlock()
	if from < 0 || from > d.revision {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidRevision, from, d.revision)
	}
	out := make([]*ot.Operation, d.revision-from)
	copy(out, d.history[from:])
	return out, nil
}

// ReceiveOperation applies op, made by a client that last saw clientRevision,
// to the document. It returns the operation as it was actually applied, which
// is what every participant must apply next, and the new revision. On error
// the document is left untouched.
func (c *Controller) ReceiveOperation(sessionID, documentID string, clientRevision int, op *ot.Operation) (*ot.Operation, int, error) {
	start := time.Now()
	key := Key{sessionID, documentID}
	d := c.doc(key)

	d.mu.Lock()
	defer d.mu.Unlock()

	if clientRevision < 0 || clientRevision > d.revision {
		metrics.RecordOperation("invalid_revision")
		return nil, 0, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidRevision, clientRevision, d.revision)
	}

	window := d.history[clientRevision:d.revision]
	c.log.Debug("transforming incoming operation",
		slog.String("session_id", sessionID),
		slog.String("document_id", documentID),
		slog.Int("client_revision", clientRevision),
		slog.Int("server_revision", d.revision),
		slog.Int("window", len(window)),
	)
	transformed := op.Clone()
	for i, concurrent := range window {
		var err error
		transformed, _, err = ot.Transform(transformed, concurrent)
		if err != nil {
			metrics.RecordOperation("transform")
			return nil, 0, fmt.Errorf("transform against revision %d: %w", clientRevision+i, err)
		}
	}

	content, err := ot.Apply(d.content, transformed)
	if err != nil {
		metrics.RecordOperation("apply")
		return nil, 0, fmt.Errorf("apply at revision %d: %w", d.revision, err)
	}
	var encoded []byte
	if c.recorder != nil {
		if encoded, err = json.Marshal(transformed); err != nil {
			metrics.RecordOperation("encode")
			return nil, 0, fmt.Errorf("encode revision %d: %w", d.revision+1, err)
		}
	}

	d.content = content
	d.history = append(d.history, transformed)
	d.revision++

	if c.recorder != nil {
		c.recorder.Record(journal.Entry{
			SessionID:  sessionID,
			DocumentID: documentID,
			Revision:   d.revision,
			Operation:  encoded,
			CreatedAt:  time.Now().UTC(),
		})
	}
	metrics.RecordOperation("ok")
	metrics.ObserveTransformWindow(len(window))
	metrics.ObserveReceiveDuration(time.Since(start))
	return transformed, d.revision, nil
}

// Restore rebuilds documents from journaled entries. Entries of a document are
// replayed in revision order starting at revision 1; replay of a document stops
// at the first missing revision and the document is reported in the returned
// cuts, so the journal can be truncated before new revisions are written.
// Restore must run before the controller serves edits.
func (c *Controller) Restore(ctx context.Context, entries []journal.Entry) ([]journal.Cut, error) {
	byKey := make(map[Key][]journal.Entry)
	for _, e := range entries {
		k := Key{e.SessionID, e.DocumentID}
		byKey[k] = append(byKey[k], e)
	}
	var cuts []journal.Cut
	for k, list := range byKey {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		journal.SortByRevision(list)
		d := c.doc(k)
		d.mu.Lock()
		complete, err := c.replay(k, d, list)
		if !complete && err == nil {
			cuts = append(cuts, journal.Cut{SessionID: k.SessionID, DocumentID: k.DocumentID, Revision: d.revision})
		}
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return cuts, nil
}

// replay reports whether every entry in list was consumed.
func (c *Controller) replay(k Key, d *document, list []journal.Entry) (bool, error) {
	for _, e := range list {
		if e.Revision <= d.revision {
			// Duplicate of an already replayed entry.
			continue
		}
		if e.Revision != d.revision+1 {
			c.log.Warn("journal gap, dropping later entries",
				slog.String("session_id", k.SessionID),
				slog.String("document_id", k.DocumentID),
				slog.Int("expected_revision", d.revision+1),
				slog.Int("found_revision", e.Revision),
			)
			return false, nil
		}
		op, err := ot.Parse(e.Operation)
		if err != nil {
			return false, fmt.Errorf("%w: %s revision %d: %v", ErrHistoryCorruption, k, e.Revision, err)
		}
		content, err := ot.Apply(d.content, op)
		if err != nil {
			return false, fmt.Errorf("%w: %s revision %d: %v", ErrHistoryCorruption, k, e.Revision, err)
		}
		d.content = content
		d.history = append(d.history, op)
		d.revision++
	}
	c.log.Info("document restored",
		slog.String("session_id", k.SessionID),
		slog.String("document_id", k.DocumentID),
		slog.Int("revision", d.revision),
	)
	return true, nil
}
