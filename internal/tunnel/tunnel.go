// Package tunnel exposes session attachment over a raw TCP listener
// for clients that cannot speak WebSocket. Each TCP connection becomes
// a yamux server session; each yamux stream opens with a one-line
// channel header, then speaks a byte-framed protocol:
//
//	[0x01][uvarint len][payload]  raw session bytes, both directions
//	[0x02][uvarint len][json]     control frames, both directions
//
// Streams bind through the same connection multiplexer as WebSockets,
// so a tunnel client and a WebSocket client supersede each other like
// any two connections.
package tunnel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/sessmux/sessmux/internal/framer"
	"github.com/sessmux/sessmux/internal/mux"
	"github.com/sessmux/sessmux/internal/session"
)

// Channel names. Each yamux stream begins with the channel name and a
// newline.
const (
	ChannelAttach = "attach"
	ChannelPing   = "ping"
)

// Frame type markers.
const (
	frameBinary  byte = 0x01
	frameControl byte = 0x02
)

// maxFramePayload bounds any single frame.
const maxFramePayload = 1024 * 1024

// initHeader is the JSON header a client sends after the channel line.
type initHeader struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// controlMsg is the JSON carried in control frames, both directions.
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

// Server accepts tunnel connections and binds their streams to
// sessions.
type Server struct {
	registry *session.Registry
	mux      *mux.Multiplexer

	ln     net.Listener
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// New creates a tunnel server over the given registry and multiplexer.
func New(registry *session.Registry, m *mux.Multiplexer) *Server {
	return &Server{
		registry: registry,
		mux:      m,
		closed:   make(chan struct{}),
	}
}

// Start listens on addr and serves until Stop. Non-blocking.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunnel listen on %s: %w", addr, err)
	}
	s.ln = ln
	log.Printf("[tunnel] listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and waits for in-flight streams to finish
// detaching.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.closed) })
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[tunnel] accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn turns one TCP connection into a yamux session and serves
// its streams.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	ymx, err := yamux.Server(conn, nil)
	if err != nil {
		log.Printf("[tunnel] yamux setup failed for %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer ymx.Close()

	for {
		stream, err := ymx.AcceptStream()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.routeStream(stream)
		}()
	}
}

func (s *Server) routeStream(stream *yamux.Stream) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	channel, err := readChannelHeader(stream)
	if err != nil {
		log.Printf("[tunnel] bad channel header on stream %d: %v", stream.StreamID(), err)
		return
	}
	stream.SetReadDeadline(time.Time{})

	switch channel {
	case ChannelPing:
		stream.Write([]byte("pong\n"))
	case ChannelAttach:
		s.handleAttach(stream)
	default:
		log.Printf("[tunnel] unknown channel %q on stream %d", channel, stream.StreamID())
	}
}

// readChannelHeader reads a newline-terminated channel name, one byte
// at a time to avoid buffering past the header.
func readChannelHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > 64 {
			return "", errors.New("channel header exceeds 64 bytes")
		}
	}
}

// streamConn adapts one attach stream to the multiplexer's Conn
// interface. Frame writes share a mutex; yamux streams are not safe
// for interleaved concurrent writes of multi-part frames.
type streamConn struct {
	id     string
	stream *yamux.Stream

	writeMu sync.Mutex
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) SendOutput(p []byte) error {
	return c.writeFrame(frameBinary, p)
}

func (c *streamConn) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeFrame(frameControl, data)
}

func (c *streamConn) Close(reason string) error {
	_ = c.SendControl(controlMsg{Type: "close", Reason: reason})
	return c.stream.Close()
}

func (c *streamConn) writeFrame(typ byte, payload []byte) error {
	head := make([]byte, 1+binary.MaxVarintLen64)
	head[0] = typ
	n := binary.PutUvarint(head[1:], uint64(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(head[:1+n]); err != nil {
		return err
	}
	_, err := c.stream.Write(payload)
	return err
}

// readFrame reads one framed message.
func readFrame(r io.Reader) (byte, []byte, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return 0, nil, err
	}
	length, err := binary.ReadUvarint(&byteReader{r: r})
	if err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typeBuf[0], payload, nil
}

// byteReader adapts an io.Reader for binary.ReadUvarint.
type byteReader struct{ r io.Reader }

func (br *byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// handleAttach binds one stream to a session for its whole life.
func (s *Server) handleAttach(stream *yamux.Stream) {
	dec := json.NewDecoder(stream)
	var init initHeader
	if err := dec.Decode(&init); err != nil {
		log.Printf("[tunnel] stream %d: bad init header: %v", stream.StreamID(), err)
		return
	}

	kind := session.KindSystemShell
	if init.Kind != "" {
		k, err := session.ParseKind(init.Kind)
		if err != nil {
			sendError(stream, "", err)
			return
		}
		kind = k
	}

	sess, _, err := s.registry.CreateOrAttach(context.Background(), init.ProjectID, kind, init.SessionID)
	if err != nil {
		sendError(stream, init.SessionID, err)
		return
	}
	if init.Cols > 0 && init.Rows > 0 {
		_ = sess.Resize(init.Cols, init.Rows)
	}

	conn := &streamConn{id: uuid.New().String(), stream: stream}
	if err := conn.SendControl(controlMsg{
		Type:      "session_info",
		SessionID: sess.ID,
		State:     sess.State().String(),
	}); err != nil {
		return
	}

	if err := s.mux.Attach(sess, conn); err != nil {
		sendError(stream, sess.ID, err)
		return
	}
	defer s.mux.Detach(sess.ID, conn.id)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sess.Done():
			_ = conn.SendControl(controlMsg{
				Type:      "close",
				SessionID: sess.ID,
				Reason:    sess.CloseReason(),
			})
			stream.Close()
		case <-done:
		case <-s.closed:
			stream.Close()
		}
	}()

	// The init decoder may have buffered bytes past the header.
	reader := io.MultiReader(dec.Buffered(), stream)
	s.readFrames(reader, conn, sess)
}

// readFrames pumps client frames into the session until the stream or
// the session goes away.
func (s *Server) readFrames(r io.Reader, conn *streamConn, sess *session.Session) {
	for {
		typ, payload, err := readFrame(r)
		if err != nil {
			return
		}

		switch typ {
		case frameBinary:
			if err := sess.Write(payload); err != nil {
				_ = conn.SendControl(controlMsg{Type: "error", SessionID: sess.ID, Error: err.Error()})
				if errors.Is(err, session.ErrNotAttachable) {
					return
				}
			}
		case frameControl:
			var msg controlMsg
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := sess.Write([]byte(msg.Data)); err != nil {
					_ = conn.SendControl(controlMsg{Type: "error", SessionID: sess.ID, Error: err.Error()})
				}
			case "submit":
				results, err := sess.Submit(msg.Data)
				if err != nil {
					_ = conn.SendControl(controlMsg{Type: "error", SessionID: sess.ID, Error: err.Error()})
					continue
				}
				go forwardTurn(conn, sess.ID, results)
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					_ = sess.Resize(msg.Cols, msg.Rows)
				}
			case "close":
				_ = s.registry.Close(sess.ID, session.ReasonClientClose)
				return
			}
		default:
			log.Printf("[tunnel] session %s: unknown frame type 0x%02x", sess.ID, typ)
			return
		}
	}
}

func forwardTurn(conn *streamConn, sessionID string, results <-chan framer.Result) {
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

// sendError writes a one-off error control frame on a stream that never
// completed its attach.
func sendError(stream *yamux.Stream, sessionID string, err error) {
	c := &streamConn{stream: stream}
	_ = c.SendControl(controlMsg{Type: "error", SessionID: sessionID, Error: err.Error()})
}
