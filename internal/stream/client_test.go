package stream

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

var upgrader = websocket.Upgrader{}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastConfig() config.StreamConfig {
	return config.StreamConfig{BaseDelayMS: 10, MaxDelayMS: 50}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBackoffSchedule(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempts, expected := range want {
		if got := backoffDelay(attempts, base, max); got != expected {
			t.Fatalf("attempts=%d: expected %v, got %v", attempts, expected, got)
		}
	}
}

func TestReceivesParsedAndRawFrames(t *testing.T) {
	frames := make(chan protocol.StreamMessage, 4)
	opened := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript_chunk","text":"hello","is_final":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := Dial(wsURL(server), fastConfig(), Handlers{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(msg protocol.StreamMessage) { frames <- msg },
	}, newLogger())
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never opened")
	}

	first := waitFrame(t, frames)
	if first.Type != protocol.MessageTypeTranscriptChunk || first.Text != "hello" || !first.IsFinal {
		t.Fatalf("unexpected parsed frame: %+v", first)
	}
	second := waitFrame(t, frames)
	if second.Raw != "not json at all" || second.Type != "" {
		t.Fatalf("expected raw passthrough, got %+v", second)
	}
	if c.Attempts() != 0 {
		t.Fatalf("attempts should reset on open, got %d", c.Attempts())
	}
}

func waitFrame(t *testing.T, frames chan protocol.StreamMessage) protocol.StreamMessage {
	t.Helper()
	select {
	case msg := <-frames:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.StreamMessage{}
	}
}

func TestSendDeliversWhileOpen(t *testing.T) {
	received := make(chan protocol.StreamMessage, 1)
	opened := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg protocol.StreamMessage
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}))
	defer server.Close()

	c := Dial(wsURL(server), fastConfig(), Handlers{
		OnOpen: func() { opened <- struct{}{} },
	}, newLogger())
	defer c.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never opened")
	}

	c.Send(protocol.StreamMessage{Type: protocol.MessageTypeIdentify, Name: "scribe", ParticipantType: "recorder"})

	select {
	case msg := <-received:
		if msg.Type != protocol.MessageTypeIdentify || msg.Name != "scribe" {
			t.Fatalf("unexpected identify frame: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received identify")
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	c := &Client{
		url:       "ws://127.0.0.1:1/unreachable",
		log:       newLogger(),
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
		status:    StatusConnecting,
	}
	// Must be a silent no-op, not a panic or buffer.
	c.Send(protocol.StreamMessage{Type: protocol.MessageTypeIdentify})
	c.Close()
}

func TestUnintentionalCloseSchedulesReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	opened := make(chan struct{}, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	c := Dial(wsURL(server), fastConfig(), Handlers{
		OnOpen: func() { opened <- struct{}{} },
	}, newLogger())
	defer c.Close()

	// First open, then the drop, then the reconnected open.
	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected open #%d after reconnect", i+1)
		}
	}
	if c.Attempts() != 0 {
		t.Fatalf("attempts should reset after successful reopen, got %d", c.Attempts())
	}
	mu.Lock()
	defer mu.Unlock()
	if conns < 2 {
		t.Fatalf("expected a reconnect, saw %d connections", conns)
	}
}

func TestIntentionalCloseNeverReconnects(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	opened := make(chan struct{}, 2)
	closed := make(chan struct{}, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		mu.Unlock()
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	c := Dial(wsURL(server), fastConfig(), Handlers{
		OnOpen:  func() { opened <- struct{}{} },
		OnClose: func() { closed <- struct{}{} },
	}, newLogger())

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never opened")
	}

	c.Close()
	c.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler never fired")
	}

	// Give a would-be reconnect timer time to fire.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if conns != 1 {
		t.Fatalf("intentional close must not reconnect, saw %d connections", conns)
	}
	if c.Status() != StatusClosed {
		t.Fatalf("expected closed status, got %s", c.Status())
	}
	select {
	case <-closed:
		t.Fatal("close handler fired twice")
	default:
	}
}

func TestDialFailureBacksOff(t *testing.T) {
	errs := make(chan error, 8)
	c := Dial("ws://127.0.0.1:1/unreachable", fastConfig(), Handlers{
		OnError: func(err error) { errs <- err },
	}, newLogger())
	defer c.Close()

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("dial failure never surfaced")
	}

	// The failed constructor goes through the same backoff path.
	deadline := time.Now().Add(2 * time.Second)
	for c.Attempts() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect scheduled after dial failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
