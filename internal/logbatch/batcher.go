// Package logbatch decouples session I/O from log persistence. Hot-path
// producers enqueue entries into bounded in-memory queues; a single
// background flusher assigns per-session sequence numbers and writes
// batches to a sink. Persistence failures never block or fail session
// I/O.
package logbatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sessmux/sessmux/internal/database"
)

// Entry types persisted with each log record.
const (
	TypeCommand = "command"
	TypeOutput  = "output"
	TypeError   = "error"
	TypeSystem  = "system"
)

// DefaultMaxQueue bounds the number of unflushed entries held per
// session. When the sink falls behind, the oldest entries are dropped
// first so live sessions keep their most recent history.
const DefaultMaxQueue = 4096

// Entry is one loggable event on the hot path. Sequence numbers are
// deliberately absent; they are assigned at flush time by the single
// flusher goroutine.
type Entry struct {
	SessionID string
	UserID    string
	Type      string
	Content   string
	Timestamp time.Time
}

// Recorder is the producer-side interface sessions write through.
type Recorder interface {
	Enqueue(Entry)
}

// Sink receives ordered, sequence-numbered batches. WriteBatch must be
// idempotent per (session, sequence) pair because a failed batch is
// redelivered with the same sequence numbers.
type Sink interface {
	WriteBatch(ctx context.Context, rows []database.SessionLog) error
}

// NopRecorder discards all entries. Used when persistence is disabled.
type NopRecorder struct{}

func (NopRecorder) Enqueue(Entry) {}

// Batcher accumulates entries per session and flushes them to the sink
// on a timer or when the pending count reaches the batch size,
// whichever comes first.
type Batcher struct {
	sink      Sink
	interval  time.Duration
	batchSize int
	maxQueue  int

	mu      sync.Mutex
	queues  map[string][]Entry
	nextSeq map[string]uint64
	pending int
	retry   []database.SessionLog // sequenced rows from a failed write
	dropped uint64

	kick   chan struct{}
	stop   chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Batcher writing to sink. interval and batchSize control
// the flush triggers; zero values fall back to 2s and 64.
func New(sink Sink, interval time.Duration, batchSize int) *Batcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Batcher{
		sink:      sink,
		interval:  interval,
		batchSize: batchSize,
		maxQueue:  DefaultMaxQueue,
		queues:    make(map[string][]Entry),
		nextSeq:   make(map[string]uint64),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Enqueue appends an entry to its session's queue. Never blocks; if the
// session queue is full the oldest entry is dropped and counted.
func (b *Batcher) Enqueue(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	q := b.queues[e.SessionID]
	if len(q) >= b.maxQueue {
		q = q[1:]
		b.dropped++
		b.pending--
	}
	b.queues[e.SessionID] = append(q, e)
	b.pending++
	full := b.pending >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the number of entries discarded due to backpressure.
func (b *Batcher) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Start launches the background flusher. The context cancels in-flight
// sink writes; call Stop to flush remaining entries and exit.
func (b *Batcher) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop performs a final flush and waits for the flusher to exit.
func (b *Batcher) Stop() {
	b.once.Do(func() { close(b.stop) })
	<-b.doneCh
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		case <-ctx.Done():
			return
		case <-b.stop:
			// Final flush on a fresh context so shutdown still
			// persists what it can.
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.Flush(fctx)
			cancel()
			return
		}
	}
}

// Flush drains every session queue, assigns sequence numbers, and
// writes one batch to the sink. On failure the sequenced rows are kept
// and redelivered, with the same sequence numbers, on the next flush.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	rows := b.retry
	b.retry = nil
	for sid, q := range b.queues {
		if len(q) == 0 {
			continue
		}
		seq := b.nextSeq[sid]
		for _, e := range q {
			seq++
			rows = append(rows, database.SessionLog{
				SessionID: e.SessionID,
				UserID:    e.UserID,
				Type:      e.Type,
				Sequence:  seq,
				Content:   e.Content,
				Timestamp: e.Timestamp,
			})
		}
		b.nextSeq[sid] = seq
		delete(b.queues, sid)
	}
	b.pending = 0
	b.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	if err := b.sink.WriteBatch(ctx, rows); err != nil {
		log.Printf("[logbatch] flush of %d rows failed, will retry: %v", len(rows), err)
		b.mu.Lock()
		b.retry = rows
		b.mu.Unlock()
	}
}

// Forget releases sequence tracking for a session once its records are
// no longer being produced. Queued entries still flush normally first.
func (b *Batcher) Forget(sessionID string) {
	b.mu.Lock()
	if len(b.queues[sessionID]) == 0 {
		delete(b.queues, sessionID)
		delete(b.nextSeq, sessionID)
	}
	b.mu.Unlock()
}
