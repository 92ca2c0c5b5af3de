// Package journal persists committed document operations so that documents
// can be rebuilt after a restart.
//
// Entries are keyed by session, document and revision. Appending an entry that
// already exists is a no-op, which makes retries safe.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var ErrClosed = errors.New("journal: store closed")

// Entry is one committed operation. Revision is the document revision the
// operation produced, so the first entry of a document has revision 1.
type Entry struct {
	SessionID  string
	DocumentID string
	Revision   int
	Operation  json.RawMessage // tagged list form
	CreatedAt  time.Time
}

// Cut marks a document whose journal must be truncated after Revision.
type Cut struct {
	SessionID  string
	DocumentID string
	Revision   int
}

// Store is a durable journal backend.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
	// Truncate removes the entries of a document with a revision above after.
	Truncate(ctx context.Context, c Cut) error
	Close() error
}

// SortByRevision orders entries of a single document by revision.
func SortByRevision(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Revision < entries[j].Revision
	})
}
