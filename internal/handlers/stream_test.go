package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// readUntil pulls frames off the socket until cond is satisfied by the
// accumulated binary payload, returning it.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, cond func(string) bool) string {
	t.Helper()
	var buf strings.Builder
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read (have %q): %v", buf.String(), err)
		}
		if msgType == websocket.MessageBinary {
			buf.Write(data)
			if cond(buf.String()) {
				return buf.String()
			}
		}
	}
}

// readSessionInfo expects the first text frame to announce the session.
func readSessionInfo(t *testing.T, ctx context.Context, c *websocket.Conn) controlMsg {
	t.Helper()
	msgType, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read session_info: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("expected text frame first, got %v", msgType)
	}
	var msg controlMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode session_info: %v", err)
	}
	if msg.Type != "session_info" || msg.SessionID == "" {
		t.Fatalf("unexpected first frame: %+v", msg)
	}
	return msg
}

func TestStreamSession_EchoRoundTrip(t *testing.T) {
	router := setupAPI(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/p1/sessions/new/stream"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	readSessionInfo(t, ctx, c)

	if err := c.Write(ctx, websocket.MessageBinary, []byte("echo hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, ctx, c, func(s string) bool { return strings.Contains(s, "echo hello") })
}

func TestStreamSession_ReconnectReplaysHistory(t *testing.T) {
	router := setupAPI(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/p1/sessions/"

	c1, _, err := websocket.Dial(ctx, base+"new/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	info := readSessionInfo(t, ctx, c1)

	if err := c1.Write(ctx, websocket.MessageBinary, []byte("remember me\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, ctx, c1, func(s string) bool { return strings.Contains(s, "remember me") })
	c1.Close(websocket.StatusNormalClosure, "")

	// The session survives the disconnect; a fresh connection gets the
	// buffered output replayed without the input being re-executed.
	c2, _, err := websocket.Dial(ctx, base+info.SessionID+"/stream", nil)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer c2.CloseNow()

	info2 := readSessionInfo(t, ctx, c2)
	if info2.SessionID != info.SessionID {
		t.Fatalf("reconnect bound wrong session: %s != %s", info2.SessionID, info.SessionID)
	}
	replay := readUntil(t, ctx, c2, func(s string) bool { return strings.Contains(s, "remember me") })
	if strings.Count(replay, "remember me") > 1 {
		t.Errorf("input must not re-execute on reconnect: %q", replay)
	}
}

func TestStreamSession_UnknownSessionAllocatesFresh(t *testing.T) {
	router := setupAPI(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A stale session ID (evicted, or from a previous server run) must
	// not strand the client: the stream binds a fresh session and
	// announces its ID.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/p1/sessions/does-not-exist/stream"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	info := readSessionInfo(t, ctx, c)
	if info.SessionID == "does-not-exist" {
		t.Fatal("stale session ID must not be resurrected verbatim")
	}

	if err := c.Write(ctx, websocket.MessageBinary, []byte("fresh start\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, ctx, c, func(s string) bool { return strings.Contains(s, "fresh start") })
}

func TestStreamSession_ConcurrentSessionsNoCrossTalk(t *testing.T) {
	router := setupAPI(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/"
	shellMarkers := []string{"alpha-marker", "beta-marker", "gamma-marker"}
	cliMarkers := []string{"delta-turn", "epsilon-turn", "zeta-turn"}
	allMarkers := append(append([]string{}, shellMarkers...), cliMarkers...)

	shells := make([]*websocket.Conn, len(shellMarkers))
	for i := range shellMarkers {
		c, _, err := websocket.Dial(ctx, base+"p1/sessions/new/stream", nil)
		if err != nil {
			t.Fatalf("dial shell %d: %v", i, err)
		}
		defer c.CloseNow()
		readSessionInfo(t, ctx, c)
		shells[i] = c
	}
	clis := make([]*websocket.Conn, len(cliMarkers))
	for i := range cliMarkers {
		c, _, err := websocket.Dial(ctx, base+"p1/sessions/new/stream?kind=ai-cli", nil)
		if err != nil {
			t.Fatalf("dial cli %d: %v", i, err)
		}
		defer c.CloseNow()
		readSessionInfo(t, ctx, c)
		clis[i] = c
	}

	for i, c := range shells {
		if err := c.Write(ctx, websocket.MessageBinary, []byte(shellMarkers[i]+"\n")); err != nil {
			t.Fatalf("write shell %d: %v", i, err)
		}
	}
	for i, c := range clis {
		msg, _ := json.Marshal(controlMsg{Type: "submit", Data: cliMarkers[i]})
		if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
			t.Fatalf("submit cli %d: %v", i, err)
		}
	}

	for i, c := range shells {
		got := readUntil(t, ctx, c, func(s string) bool {
			return strings.Contains(s, shellMarkers[i])
		})
		for _, m := range allMarkers {
			if m != shellMarkers[i] && strings.Contains(got, m) {
				t.Errorf("shell session %d received %q", i, m)
			}
		}
	}
	for i, c := range clis {
		turn := readTurn(t, ctx, c)
		if turn.Error != "" {
			t.Fatalf("cli session %d: turn error %q", i, turn.Error)
		}
		if !strings.Contains(turn.Output, cliMarkers[i]) {
			t.Errorf("cli session %d: turn output %q missing its marker", i, turn.Output)
		}
		for _, m := range allMarkers {
			if m != cliMarkers[i] && strings.Contains(turn.Output, m) {
				t.Errorf("cli session %d received %q", i, m)
			}
		}
	}
}

// readTurn skips frames until a turn result arrives.
func readTurn(t *testing.T, ctx context.Context, c *websocket.Conn) controlMsg {
	t.Helper()
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read turn: %v", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Type == "turn" {
			return msg
		}
	}
}

func TestStreamSession_ControlClose(t *testing.T) {
	router := setupAPI(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/p1/sessions/new/stream"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()
	info := readSessionInfo(t, ctx, c)

	msg, _ := json.Marshal(controlMsg{Type: "close"})
	if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write close: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := Registry.Get(info.SessionID); err != nil {
			return // session reaped
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session still present after close control message")
}
