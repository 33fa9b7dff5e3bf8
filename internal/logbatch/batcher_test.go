package logbatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sessmux/sessmux/internal/database"
)

// fakeSink records every batch it receives and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]database.SessionLog
	failN   int // fail the next N writes
}

func (f *fakeSink) WriteBatch(_ context.Context, rows []database.SessionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("sink unavailable")
	}
	cp := make([]database.SessionLog, len(rows))
	copy(cp, rows)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) all() []database.SessionLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.SessionLog
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func TestBatcher_AssignsSequencesPerSession(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, time.Hour, 100) // flush manually

	for i := 0; i < 3; i++ {
		b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "x"})
	}
	b.Enqueue(Entry{SessionID: "b", Type: TypeCommand, Content: "y"})
	b.Flush(context.Background())

	rows := sink.all()
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	seqs := map[string][]uint64{}
	for _, r := range rows {
		seqs[r.SessionID] = append(seqs[r.SessionID], r.Sequence)
	}
	for sid, want := range map[string][]uint64{"a": {1, 2, 3}, "b": {1}} {
		got := seqs[sid]
		if len(got) != len(want) {
			t.Fatalf("session %s: expected %d rows, got %d", sid, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("session %s row %d: expected seq %d, got %d", sid, i, want[i], got[i])
			}
		}
	}
}

func TestBatcher_SequencesContinueAcrossFlushes(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, time.Hour, 100)

	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "1"})
	b.Flush(context.Background())
	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "2"})
	b.Flush(context.Background())

	rows := sink.all()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Sequence != 1 || rows[1].Sequence != 2 {
		t.Errorf("expected sequences 1,2 got %d,%d", rows[0].Sequence, rows[1].Sequence)
	}
}

func TestBatcher_FailedFlushRetriesSameSequences(t *testing.T) {
	sink := &fakeSink{failN: 1}
	b := New(sink, time.Hour, 100)

	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "first"})
	b.Flush(context.Background()) // fails, rows retained

	if got := sink.all(); len(got) != 0 {
		t.Fatalf("expected no rows after failed flush, got %d", len(got))
	}

	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "second"})
	b.Flush(context.Background()) // retry plus new entry

	rows := sink.all()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after retry, got %d", len(rows))
	}
	if rows[0].Sequence != 1 || rows[0].Content != "first" {
		t.Errorf("retried row lost its sequence: %+v", rows[0])
	}
	if rows[1].Sequence != 2 || rows[1].Content != "second" {
		t.Errorf("new row got wrong sequence: %+v", rows[1])
	}
}

func TestBatcher_DropsOldestWhenQueueFull(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, time.Hour, 1000000)
	b.maxQueue = 3

	for i := 0; i < 5; i++ {
		b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: string(rune('a' + i))})
	}
	if b.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", b.Dropped())
	}
	b.Flush(context.Background())

	rows := sink.all()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Content != "c" || rows[2].Content != "e" {
		t.Errorf("expected newest entries retained, got %q..%q", rows[0].Content, rows[2].Content)
	}
}

func TestBatcher_SizeTriggeredFlush(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, time.Hour, 2)
	b.Start(context.Background())
	defer b.Stop()

	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "1"})
	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput, Content: "2"})

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.all()) == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("size-triggered flush never happened, %d rows", len(sink.all()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBatcher_StopFlushesRemaining(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, time.Hour, 100)
	b.Start(context.Background())

	b.Enqueue(Entry{SessionID: "a", Type: TypeSystem, Content: "bye"})
	b.Stop()

	rows := sink.all()
	if len(rows) != 1 || rows[0].Content != "bye" {
		t.Fatalf("expected final flush to persist 1 row, got %d", len(rows))
	}
}

func TestBatcher_EnqueueFillsTimestamp(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, time.Hour, 100)
	b.Enqueue(Entry{SessionID: "a", Type: TypeOutput})
	b.Flush(context.Background())
	rows := sink.all()
	if len(rows) != 1 || rows[0].Timestamp.IsZero() {
		t.Fatal("expected enqueue to stamp a missing timestamp")
	}
}
