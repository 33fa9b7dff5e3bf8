package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sessmux/sessmux/internal/admission"
	"github.com/sessmux/sessmux/internal/framer"
	"github.com/sessmux/sessmux/internal/governor"
	"github.com/sessmux/sessmux/internal/mux"
	"github.com/sessmux/sessmux/internal/session"
)

// streamRateLimit is the maximum number of inbound messages per second
// per connection. Messages beyond this rate are dropped.
const streamRateLimit = 200

// streamRateBurst allows short bursts of rapid input (paste operations)
// before rate limiting kicks in.
const streamRateBurst = 200

// maxInputMessageSize caps a single inbound input payload.
const maxInputMessageSize = 64 * 1024 // 64 KB

// Resize clamps, keeping hostile dimensions off the PTY ioctl.
const (
	maxResizeCols uint16 = 500
	maxResizeRows uint16 = 500
)

// controlMsg is the JSON carried in text frames, both directions.
type controlMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Data      string `json:"data,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// wsConn adapts one WebSocket to the multiplexer's Conn interface.
// coder/websocket allows a single concurrent writer, so all sends
// share a mutex.
type wsConn struct {
	id   string
	ctx  context.Context
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) SendOutput(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageBinary, p)
}

func (c *wsConn) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	switch reason {
	case mux.ReasonSuperseded:
		return c.conn.Close(4409, "superseded by newer connection")
	default:
		return c.conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// StreamSession is the WebSocket attach endpoint.
// GET /api/v1/projects/{projectID}/sessions/{sessionID}/stream
//
// Query parameters:
//   - kind: session kind when creating (default system-shell)
//
// A sessionID of "new" creates a fresh session. Binary frames carry raw
// stdin/stdout bytes; text frames carry JSON control messages (input,
// submit, resize, close inbound; session_info, turn, close, superseded,
// error outbound).
func StreamSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "new" {
		sessionID = ""
	}

	kind := session.KindSystemShell
	if q := r.URL.Query().Get("kind"); q != "" {
		k, err := session.ParseKind(q)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		kind = k
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[stream] websocket accept failed: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	ctx := r.Context()

	s, _, err := Registry.CreateOrAttach(ctx, projectID, kind, sessionID)
	if err != nil {
		clientConn.Close(wsCloseCode(err), err.Error())
		return
	}
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		s.SetUser(userID)
	}

	conn := &wsConn{id: uuid.New().String(), ctx: ctx, conn: clientConn}

	// Tell the client its session ID before any replayed bytes arrive.
	if err := conn.SendControl(controlMsg{
		Type:      "session_info",
		SessionID: s.ID,
		State:     s.State().String(),
	}); err != nil {
		return
	}

	if err := Mux.Attach(s, conn); err != nil {
		clientConn.Close(wsCloseCode(err), err.Error())
		return
	}
	defer Mux.Detach(s.ID, conn.id)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Watch for session teardown while the client is attached.
	go func() {
		select {
		case <-s.Done():
			_ = conn.SendControl(controlMsg{
				Type:      "close",
				SessionID: s.ID,
				Reason:    s.CloseReason(),
			})
			relayCancel()
		case <-relayCtx.Done():
		}
	}()

	limiter := newTokenBucket(streamRateBurst, streamRateLimit)
	readLoop(relayCtx, clientConn, conn, s, limiter)

	clientConn.Close(websocket.StatusNormalClosure, "")
}

// readLoop pumps client frames into the session until the connection or
// the session goes away.
func readLoop(ctx context.Context, clientConn *websocket.Conn, conn *wsConn, s *session.Session, limiter *tokenBucket) {
	for {
		msgType, data, err := clientConn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				log.Printf("[stream] session %s: input of %d bytes dropped (limit %d)",
					s.ID, len(data), maxInputMessageSize)
				continue
			}
			if err := s.Write(data); err != nil {
				sendStreamError(conn, s.ID, err)
				if errors.Is(err, session.ErrNotAttachable) {
					return
				}
			}
			continue
		}

		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			if len(msg.Data) > maxInputMessageSize {
				continue
			}
			if err := s.Write([]byte(msg.Data)); err != nil {
				sendStreamError(conn, s.ID, err)
			}
		case "submit":
			results, err := s.Submit(msg.Data)
			if err != nil {
				sendStreamError(conn, s.ID, err)
				continue
			}
			go forwardTurnResult(conn, s.ID, results)
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := msg.Cols, msg.Rows
			if cols > maxResizeCols {
				cols = maxResizeCols
			}
			if rows > maxResizeRows {
				rows = maxResizeRows
			}
			if err := s.Resize(cols, rows); err != nil {
				log.Printf("[stream] session %s: resize failed: %v", s.ID, err)
			}
		case "close":
			_ = Registry.Close(s.ID, session.ReasonClientClose)
			return
		}
	}
}

// forwardTurnResult delivers one framed turn back to the client.
func forwardTurnResult(conn *wsConn, sessionID string, results <-chan framer.Result) {
	res, ok := <-results
	if !ok {
		return
	}
	msg := controlMsg{Type: "turn", SessionID: sessionID, Output: string(res.Output)}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	_ = conn.SendControl(msg)
}

func sendStreamError(conn *wsConn, sessionID string, err error) {
	_ = conn.SendControl(controlMsg{Type: "error", SessionID: sessionID, Error: err.Error()})
}

// wsCloseCode maps engine errors onto application close codes.
func wsCloseCode(err error) websocket.StatusCode {
	var capErr *governor.CapExceededError
	var rle *admission.RateLimitedError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrProjectNotFound):
		return 4404
	case errors.As(err, &capErr), errors.Is(err, session.ErrNotAttachable):
		return 4409
	case errors.As(err, &rle):
		return 4429
	case errors.Is(err, admission.ErrCircuitOpen):
		return 4503
	default:
		return 4500
	}
}

// tokenBucket is a simple per-connection rate limiter for inbound
// messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
