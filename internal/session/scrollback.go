package session

import "sync"

// defaultScrollbackBytes is the default per-session scrollback capacity.
const defaultScrollbackBytes = 1024 * 1024

// Scrollback is a thread-safe, capacity-bounded sequence of output
// chunks retained for reconnection replay. When total size would exceed
// the capacity, whole chunks are evicted oldest-first, so the buffer is
// bounded regardless of how long the session runs.
type Scrollback struct {
	mu     sync.Mutex
	chunks [][]byte
	total  int
	max    int
}

// NewScrollback creates a buffer holding at most max bytes. If max <= 0,
// defaultScrollbackBytes is used.
func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = defaultScrollbackBytes
	}
	return &Scrollback{max: max}
}

// Write appends a copy of p as one chunk, evicting oldest chunks until
// the total fits the capacity. A single chunk larger than the capacity
// is trimmed to its trailing max bytes.
func (sb *Scrollback) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if len(chunk) > sb.max {
		chunk = chunk[len(chunk)-sb.max:]
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.chunks = append(sb.chunks, chunk)
	sb.total += len(chunk)
	for sb.total > sb.max {
		sb.total -= len(sb.chunks[0])
		sb.chunks[0] = nil
		sb.chunks = sb.chunks[1:]
	}
}

// Snapshot returns the buffered output as one contiguous copy, in
// original write order.
func (sb *Scrollback) Snapshot() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	out := make([]byte, 0, sb.total)
	for _, c := range sb.chunks {
		out = append(out, c...)
	}
	return out
}

// Len returns the total buffered byte count.
func (sb *Scrollback) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.total
}
