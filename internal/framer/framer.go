// Package framer reconstructs request/response turns from a subprocess
// output stream that carries no framing of its own.
//
// The default strategy is silence-based: every output chunk resets an
// inactivity timer, and when the timer fires the accumulated output is
// emitted as one completed turn. This is a heuristic, not a guarantee:
// a genuinely slow subprocess is indistinguishable from an idle one and
// will be framed prematurely, and two very fast successive turns may
// coalesce into one. Deployments that control the subprocess prompt can
// switch to the deterministic sentinel strategy instead.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrResponseTimeout means a submitted turn went unanswered for the
	// maximum wait. The framer stays usable for subsequent submits.
	ErrResponseTimeout = errors.New("framer: response timeout")
	// ErrCancelled is delivered to pending turns when the framer closes.
	ErrCancelled = errors.New("framer: cancelled")
	// ErrClosed is returned for submits after Close.
	ErrClosed = errors.New("framer: closed")
	// ErrQueueFull is returned when too many turns are already queued.
	ErrQueueFull = errors.New("framer: submit queue full")
)

// submitQueueDepth bounds the number of queued (not yet in-flight) turns.
const submitQueueDepth = 64

// Result is the outcome of one submitted turn.
type Result struct {
	Output []byte
	Err    error
}

// Detector decides when a turn is complete. Implementations must be
// usable from a single goroutine; the framer serializes all calls.
type Detector interface {
	// Observe consumes one output chunk and reports whether the chunk
	// itself completes the turn (e.g. a sentinel marker was seen).
	Observe(chunk []byte) bool
	// QuietPeriod is how long the stream must stay silent before the
	// turn is considered complete.
	QuietPeriod() time.Duration
	// Finalize post-processes the accumulated output of a completed
	// turn (e.g. stripping the sentinel marker).
	Finalize(buf []byte) []byte
	// Reset prepares the detector for the next turn.
	Reset()
}

// InactivityDetector completes a turn after a fixed silent period.
type InactivityDetector struct {
	Quiet time.Duration
}

func (d *InactivityDetector) Observe([]byte) bool { return false }

func (d *InactivityDetector) QuietPeriod() time.Duration {
	if d.Quiet <= 0 {
		return time.Second
	}
	return d.Quiet
}

func (d *InactivityDetector) Finalize(buf []byte) []byte { return buf }

func (d *InactivityDetector) Reset() {}

// SentinelDetector completes a turn when a fixed marker appears in the
// output. The marker is expected to be printed by the subprocess after
// each response (e.g. via a shell PROMPT_COMMAND). The quiet period acts
// as a fallback for output that never produces the marker.
type SentinelDetector struct {
	Marker []byte
	Quiet  time.Duration

	carry []byte // tail of the previous chunk, for markers split across chunks
}

func (d *SentinelDetector) Observe(chunk []byte) bool {
	window := append(d.carry, chunk...)
	found := bytes.Contains(window, d.Marker)
	if n := len(d.Marker) - 1; len(window) > n {
		window = window[len(window)-n:]
	}
	d.carry = append(d.carry[:0], window...)
	return found
}

func (d *SentinelDetector) QuietPeriod() time.Duration {
	if d.Quiet <= 0 {
		return 10 * time.Second
	}
	return d.Quiet
}

// Finalize cuts the output at the marker so callers never see it.
func (d *SentinelDetector) Finalize(buf []byte) []byte {
	if i := bytes.Index(buf, d.Marker); i >= 0 {
		return buf[:i]
	}
	return buf
}

func (d *SentinelDetector) Reset() { d.carry = d.carry[:0] }

// turn is one queued request/response exchange.
type turn struct {
	line string
	ch   chan Result
}

// Framer correlates submitted lines with framed response turns. Exactly
// one turn is in flight at a time; a submit while a turn is pending is
// queued, and its line is only written to the subprocess when it becomes
// the head of the queue.
type Framer struct {
	send    func([]byte) error
	det     Detector
	maxWait time.Duration

	// mu orders Submit against Close: a submit that lands in submitCh
	// under the lock is guaranteed to be drained by run's close path.
	mu     sync.Mutex
	closed bool

	submitCh chan *turn
	feedCh   chan []byte
	closeCh  chan struct{}
	doneCh   chan struct{}
}

// New creates a Framer that writes submitted lines via send and frames
// the chunks passed to Feed. maxWait bounds how long a single turn may
// stay unanswered before failing with ErrResponseTimeout.
func New(send func([]byte) error, det Detector, maxWait time.Duration) *Framer {
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	f := &Framer{
		send:     send,
		det:      det,
		maxWait:  maxWait,
		submitCh: make(chan *turn, submitQueueDepth),
		feedCh:   make(chan []byte, 256),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go f.run()
	return f
}

// Submit queues one input line. The returned channel delivers exactly one
// Result: the framed output, ErrResponseTimeout, or ErrCancelled.
func (f *Framer) Submit(line string) <-chan Result {
	ch := make(chan Result, 1)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		ch <- Result{Err: ErrClosed}
		return ch
	}
	select {
	case f.submitCh <- &turn{line: line, ch: ch}:
	default:
		ch <- Result{Err: ErrQueueFull}
	}
	f.mu.Unlock()
	return ch
}

// Feed hands one subprocess output chunk to the framer. Chunks arriving
// while no turn is in flight are unsolicited and ignored for correlation
// (they still reach the scrollback through the session relay).
func (f *Framer) Feed(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	select {
	case f.feedCh <- c:
	case <-f.doneCh:
	}
}

// Close cancels the in-flight turn and every queued one, delivering
// ErrCancelled to each waiter.
func (f *Framer) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	f.mu.Unlock()
	<-f.doneCh
}

func (f *Framer) run() {
	defer close(f.doneCh)

	var (
		queue []*turn
		cur   *turn
		buf   bytes.Buffer
	)

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	maxT := time.NewTimer(time.Hour)
	maxT.Stop()
	stopTimers := func() {
		stopTimer(quiet)
		stopTimer(maxT)
	}

	finish := func(res Result) {
		stopTimers()
		cur.ch <- res
		cur = nil
		buf.Reset()
	}

	drainSubmits := func() {
		for {
			select {
			case t := <-f.submitCh:
				queue = append(queue, t)
			default:
				return
			}
		}
	}

	startNext := func() {
		for cur == nil && len(queue) > 0 {
			cur = queue[0]
			queue = queue[1:]
			buf.Reset()
			f.det.Reset()
			if err := f.send([]byte(cur.line + "\n")); err != nil {
				finish(Result{Err: fmt.Errorf("submit: %w", err)})
				continue
			}
			resetTimer(quiet, f.det.QuietPeriod())
			resetTimer(maxT, f.maxWait)
		}
	}

	for {
		select {
		case chunk := <-f.feedCh:
			if cur == nil {
				// A submit already enqueued must start before this
				// chunk is judged unsolicited, or the chunk is lost to
				// the turn it answers.
				drainSubmits()
				startNext()
			}
			if cur == nil {
				continue
			}
			buf.Write(chunk)
			if f.det.Observe(chunk) {
				out := f.det.Finalize(append([]byte(nil), buf.Bytes()...))
				finish(Result{Output: out})
				startNext()
				continue
			}
			resetTimer(quiet, f.det.QuietPeriod())

		case <-quiet.C:
			if cur == nil {
				continue
			}
			out := f.det.Finalize(append([]byte(nil), buf.Bytes()...))
			finish(Result{Output: out})
			startNext()

		case <-maxT.C:
			if cur == nil {
				continue
			}
			finish(Result{Err: ErrResponseTimeout})
			startNext()

		case t := <-f.submitCh:
			queue = append(queue, t)
			startNext()

		case <-f.closeCh:
			if cur != nil {
				cur.ch <- Result{Err: ErrCancelled}
			}
			for _, t := range queue {
				t.ch <- Result{Err: ErrCancelled}
			}
			// Late submits racing Close still get an answer.
			for {
				select {
				case t := <-f.submitCh:
					t.ch <- Result{Err: ErrCancelled}
				default:
					return
				}
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
