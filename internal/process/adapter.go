// Package process owns interactive subprocesses. One Adapter wraps one
// OS process (a system shell or an AI CLI), exposing queued non-blocking
// writes, an ordered output stream, and exit notification.
package process

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

// writeQueueDepth bounds the number of pending input chunks per adapter.
const writeQueueDepth = 256

// outputChunkSize is the read buffer size for subprocess output.
const outputChunkSize = 32 * 1024

var (
	// ErrWriteQueueFull is returned when input arrives faster than the
	// subprocess drains it.
	ErrWriteQueueFull = errors.New("process: write queue full")
	// ErrAdapterClosed is returned for writes after Close.
	ErrAdapterClosed = errors.New("process: adapter closed")
	// ErrNoPTY is returned for Resize on a pipe-backed adapter.
	ErrNoPTY = errors.New("process: adapter has no pty")
)

// SpawnError reports a subprocess that could not be started (missing
// executable, permission denied). It is fatal to the owning session and
// never retried automatically.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Config describes the subprocess to spawn.
type Config struct {
	Command []string
	Dir     string
	Env     []string // appended to the parent environment
	UsePTY  bool
	Cols    uint16
	Rows    uint16
}

// Adapter owns a single subprocess. Output is delivered as ordered chunks
// on Output(); writes are queued and flushed by a dedicated goroutine so
// callers never block on subprocess stdin.
type Adapter struct {
	cmd   *exec.Cmd
	ptmx  *os.File // pty mode; nil in pipe mode
	stdin io.WriteCloser

	writeCh chan []byte
	output  chan []byte
	done    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	killOnce  sync.Once

	exitMu   sync.Mutex
	exitCode int
}

// Spawn starts the configured subprocess. A failure to start returns a
// *SpawnError and leaves nothing running.
func Spawn(cfg Config) (*Adapter, error) {
	if len(cfg.Command) == 0 {
		return nil, &SpawnError{Command: "", Err: errors.New("empty command")}
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	a := &Adapter{
		cmd:      cmd,
		writeCh:  make(chan []byte, writeQueueDepth),
		output:   make(chan []byte, 64),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var readers []io.Reader
	if cfg.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, &SpawnError{Command: cfg.Command[0], Err: err}
		}
		cols, rows := cfg.Cols, cfg.Rows
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
			log.Printf("[process] setsize failed for pid %d: %v", cmd.Process.Pid, err)
		}
		a.ptmx = ptmx
		a.stdin = ptmx
		readers = []io.Reader{ptmx}
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, &SpawnError{Command: cfg.Command[0], Err: err}
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, &SpawnError{Command: cfg.Command[0], Err: err}
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, &SpawnError{Command: cfg.Command[0], Err: err}
		}
		if err := cmd.Start(); err != nil {
			return nil, &SpawnError{Command: cfg.Command[0], Err: err}
		}
		a.stdin = stdin
		readers = []io.Reader{stdout, stderr}
	}

	var rg sync.WaitGroup
	for _, r := range readers {
		rg.Add(1)
		go a.readLoop(r, &rg)
	}
	go a.writeLoop()
	go a.waitLoop(&rg)

	log.Printf("[process] started %s (pid %d, pty=%v)", cfg.Command[0], cmd.Process.Pid, cfg.UsePTY)
	return a, nil
}

// readLoop copies one subprocess output stream onto the output channel.
// A pty read error after process exit (EIO) is a normal end of stream.
func (a *Adapter) readLoop(r io.Reader, rg *sync.WaitGroup) {
	defer rg.Done()
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

// writeLoop drains queued input into subprocess stdin.
func (a *Adapter) writeLoop() {
	for {
		select {
		case p := <-a.writeCh:
			if _, err := a.stdin.Write(p); err != nil {
				log.Printf("[process] stdin write failed for pid %d: %v", a.cmd.Process.Pid, err)
				return
			}
		case <-a.done:
			return
		}
	}
}

// waitLoop reaps the subprocess once all readers have drained, records the
// exit code, and closes done and the output channel.
func (a *Adapter) waitLoop(rg *sync.WaitGroup) {
	rg.Wait()
	err := a.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	a.exitMu.Lock()
	a.exitCode = code
	a.exitMu.Unlock()

	a.closed.Store(true)
	close(a.done)
	close(a.output)
	if a.ptmx != nil {
		a.ptmx.Close()
	}
	log.Printf("[process] pid %d exited with code %d", a.cmd.Process.Pid, code)
}

// Write queues input for the subprocess and returns immediately.
func (a *Adapter) Write(p []byte) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case a.writeCh <- chunk:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Output returns the ordered stream of output chunks. The channel is
// closed after the subprocess exits and its streams are drained.
func (a *Adapter) Output() <-chan []byte { return a.output }

// Done is closed when the subprocess has exited.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// ExitCode returns the subprocess exit code, or -1 before exit.
func (a *Adapter) ExitCode() int {
	a.exitMu.Lock()
	defer a.exitMu.Unlock()
	return a.exitCode
}

// Pid returns the subprocess pid.
func (a *Adapter) Pid() int { return a.cmd.Process.Pid }

// Resize changes the pty dimensions. Pipe-backed adapters reject it.
func (a *Adapter) Resize(cols, rows uint16) error {
	if a.ptmx == nil {
		return ErrNoPTY
	}
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close terminates the subprocess: interrupt first, then a forced kill
// once the grace window elapses without exit. Destroyed exactly once;
// later calls are no-ops. Close does not block.
func (a *Adapter) Close(grace time.Duration) {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		go a.terminate(grace)
	})
}

func (a *Adapter) terminate(grace time.Duration) {
	pid := a.cmd.Process.Pid
	if err := a.cmd.Process.Signal(os.Interrupt); err != nil {
		log.Printf("[process] interrupt pid %d: %v", pid, err)
	}
	// Closing stdin unblocks line-reading subprocesses waiting for input.
	if a.ptmx == nil && a.stdin != nil {
		a.stdin.Close()
	}

	select {
	case <-a.done:
		return
	case <-time.After(grace):
	}

	a.killOnce.Do(func() {
		log.Printf("[process] grace window elapsed, killing pid %d", pid)
		if err := a.cmd.Process.Kill(); err != nil {
			log.Printf("[process] kill pid %d: %v", pid, err)
		}
	})
}
