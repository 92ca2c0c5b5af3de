package main

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"collabtext/internal/api"
	"collabtext/internal/ot"
)

// follower mirrors one document from the broadcasts of its session.
// Broadcasts may arrive out of order, so they are buffered until every
// earlier revision has been applied.
type follower struct {
	documentID string
	log        *slog.Logger

	mu       sync.Mutex
	content  string
	revision int
	pending  map[int]*ot.Operation
}

func newFollower(documentID string, log *slog.Logger) *follower {
	return &follower{
		documentID: documentID,
		log:        log,
		pending:    make(map[int]*ot.Operation),
	}
}

// reset replaces the mirrored state with a snapshot and drops broadcasts
// buffered from an earlier connection.
func (f *follower) reset(snap api.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = snap.Content
	f.revision = snap.Revision
	clear(f.pending)
}

// observe handles a broadcast of the session. Broadcasts for other documents
// are ignored.
func (f *follower) observe(b api.Broadcast) error {
	if b.DocumentID != f.documentID || b.Operation == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.Revision <= f.revision {
		return nil
	}
	f.pending[b.Revision] = b.Operation
	return f.drain()
}

func (f *follower) drain() error {
	for {
		op, ok := f.pending[f.revision+1]
		if !ok {
			return nil
		}
		content, err := ot.Apply(f.content, op)
		if err != nil {
			return fmt.Errorf("apply revision %d: %w", f.revision+1, err)
		}
		delete(f.pending, f.revision+1)
		f.content = content
		f.revision++
		f.log.Info("document updated",
			slog.String("document_id", f.documentID),
			slog.Int("revision", f.revision),
			slog.String("content", f.content),
		)
	}
}

func (f *follower) snapshot() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.revision
}

// buffered reports how many broadcasts wait for an earlier revision.
func (f *follower) buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// appendEdit builds an edit that appends text to the mirrored content.
func (f *follower) appendEdit(text string) (*ot.Operation, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ot.New().Retain(utf8.RuneCountInString(f.content)).Insert(text), f.revision
}
