package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/internal/metrics"
)

// Writer queues entries in memory and appends them to a Store from a single
// goroutine. Record never blocks, so it can be called while a document is
// locked; entries of one document reach the store in the order recorded.
type Writer struct {
	store      Store
	log        *slog.Logger
	maxElapsed time.Duration

	mu      sync.Mutex
	pending []Entry
	notify  chan struct{}
}

// NewWriter returns a Writer for store. A failing append is retried with
// exponential backoff for at most maxElapsed before the entry is dropped.
func NewWriter(store Store, log *slog.Logger, maxElapsed time.Duration) *Writer {
	return &Writer{
		store:      store,
		log:        log,
		maxElapsed: maxElapsed,
		notify:     make(chan struct{}, 1),
	}
}

// Record queues e for writing.
func (w *Writer) Record(e Entry) {
	w.mu.Lock()
	w.pending = append(w.pending, e)
	backlog := len(w.pending)
	w.mu.Unlock()
	metrics.SetJournalBacklog(backlog)

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-w.notify:
			w.flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx)
			cancel()
			return nil
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		metrics.SetJournalBacklog(0)
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			w.write(ctx, e)
		}
	}
}

func (w *Writer) write(ctx context.Context, e Entry) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = w.maxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return w.store.Append(ctx, e)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		metrics.RecordJournalWrite("failed")
		w.log.Error("journal append failed",
			slog.String("session_id", e.SessionID),
			slog.String("document_id", e.DocumentID),
			slog.Int("revision", e.Revision),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
		return
	}
	metrics.RecordJournalWrite("ok")
}
