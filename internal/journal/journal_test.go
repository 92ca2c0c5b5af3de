package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records appended entries and can fail a number of times first.
type fakeStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	entries  []Entry
}

func (f *fakeStore) Append(ctx context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) Load(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...), nil
}

func (f *fakeStore) Truncate(ctx context.Context, c Cut) error { return nil }
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) snapshot() ([]Entry, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...), f.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(session, doc string, rev int, op string) Entry {
	return Entry{SessionID: session, DocumentID: doc, Revision: rev, Operation: []byte(op)}
}

func TestWriterKeepsRecordOrder(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, discardLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	for rev := 1; rev <= 5; rev++ {
		w.Record(entry("s", "d", rev, `["x"]`))
	}
	require.Eventually(t, func() bool {
		got, _ := store.snapshot()
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	got, _ := store.snapshot()
	for i, e := range got {
		assert.Equal(t, i+1, e.Revision)
	}
}

func TestWriterRetriesFailedAppends(t *testing.T) {
	store := &fakeStore{failures: 2}
	w := NewWriter(store, discardLogger(), 5*time.Second)
	w.Record(entry("s", "d", 1, `[1]`))

	w.flush(context.Background())

	got, calls := store.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, 3, calls)
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, discardLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Record(entry("s", "d", 1, `[1]`))
	// Drain the notification so only the shutdown path can write.
	<-w.notify

	require.NoError(t, w.Run(ctx))
	got, _ := store.snapshot()
	assert.Len(t, got, 1)
}

func TestSortByRevision(t *testing.T) {
	list := []Entry{entry("s", "d", 3, ""), entry("s", "d", 1, ""), entry("s", "d", 2, "")}
	SortByRevision(list)
	assert.Equal(t, []int{1, 2, 3}, []int{list[0].Revision, list[1].Revision, list[2].Revision})
}

func TestBoltStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := OpenBolt(path)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, entry("s1", "d1", 1, `["ab"]`)))
	require.NoError(t, store.Append(ctx, entry("s1", "d1", 2, `[2,"c"]`)))
	require.NoError(t, store.Append(ctx, entry("s1", "d1", 3, `[3,"d"]`)))
	require.NoError(t, store.Append(ctx, entry("s2", "d1", 1, `["z"]`)))
	// Duplicate revisions keep the first write.
	require.NoError(t, store.Append(ctx, entry("s1", "d1", 2, `[2,"other"]`)))
	require.NoError(t, store.Close())

	store, err = OpenBolt(path)
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "d1", entries[0].DocumentID)
	assert.Equal(t, 1, entries[0].Revision)
	assert.JSONEq(t, `[2,"c"]`, string(entries[1].Operation))

	require.NoError(t, store.Truncate(ctx, Cut{SessionID: "s1", DocumentID: "d1", Revision: 1}))
	entries, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Revision)
	assert.Equal(t, "s2", entries[1].SessionID)

	require.NoError(t, store.Truncate(ctx, Cut{SessionID: "missing", DocumentID: "x", Revision: 0}))
}

func TestBoltStoreKeepsIDsContainingNUL(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(ctx, entry("a\x00b", "c", 1, `["x"]`)))
	require.NoError(t, store.Append(ctx, entry("a", "b\x00c", 1, `["y"]`)))

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	got := map[[2]string]string{}
	for _, e := range entries {
		got[[2]string{e.SessionID, e.DocumentID}] = string(e.Operation)
	}
	assert.Equal(t, map[[2]string]string{
		{"a\x00b", "c"}: `["x"]`,
		{"a", "b\x00c"}: `["y"]`,
	}, got)
}

func TestParseDocBucketName(t *testing.T) {
	sid, did, err := parseDocBucketName(docBucketName("s\x001", "d"))
	require.NoError(t, err)
	assert.Equal(t, "s\x001", sid)
	assert.Equal(t, "d", did)

	_, _, err = parseDocBucketName([]byte{9, 'a'})
	assert.Error(t, err)
	_, _, err = parseDocBucketName(nil)
	assert.Error(t, err)
}
