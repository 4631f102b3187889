package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hant916/MCP-Gateway-sub002/internal/stream"
)

func TestSSESendWritesCommentsAndEventsAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewSSE(rec)
	if err != nil {
		t.Fatalf("NewSSE: %v", err)
	}
	if err := s.Send(stream.Token{Type: stream.TokenStart}); err != nil {
		t.Fatalf("Send(START): %v", err)
	}
	if err := s.Send(stream.Token{Type: stream.TokenText, Sequence: 1, Text: "hi"}); err != nil {
		t.Fatalf("Send(TEXT): %v", err)
	}
	if err := s.Send(stream.Token{Type: stream.TokenEnd}); err != nil {
		t.Fatalf("Send(END): %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, ": stream-start") {
		t.Error("expected a stream-start comment as the first SSE write")
	}
	if !strings.Contains(body, "data:hi") {
		t.Error("expected the TEXT token's data to appear")
	}
	if !strings.Contains(body, "event: done") {
		t.Error("expected a done event for the END token")
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestSSESendAfterCloseFails(t *testing.T) {
	s, _ := NewSSE(httptest.NewRecorder())
	s.Close()
	if err := s.Send(stream.Token{Type: stream.TokenText}); err == nil {
		t.Error("expected an error sending on a closed SSE adapter")
	}
	if s.IsConnected() {
		t.Error("expected IsConnected false after Close")
	}
}

func TestNDJSONSendWritesOneLinePerToken(t *testing.T) {
	rec := httptest.NewRecorder()
	n, err := NewNDJSON(rec)
	if err != nil {
		t.Fatalf("NewNDJSON: %v", err)
	}
	if err := n.Send(stream.Token{Type: stream.TokenText, Text: "a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := n.Send(stream.Token{Type: stream.TokenText, Text: "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestAsyncJobSendIsANoOpAndAlwaysConnectedUntilClosed(t *testing.T) {
	a := NewAsyncJob(stream.NewBuffer())
	if !a.IsConnected() {
		t.Fatal("expected a fresh AsyncJob adapter to be connected")
	}
	if err := a.Send(stream.Token{Type: stream.TokenText}); err != nil {
		t.Errorf("Send: %v", err)
	}
	a.Close()
	if a.IsConnected() {
		t.Error("expected IsConnected false after Close")
	}
}

func TestSyncAwaitBlocksUntilTerminatorToken(t *testing.T) {
	buf := stream.NewBuffer()
	s := NewSync(buf)

	buf.Append(stream.TokenText, "hello ", nil)
	buf.Append(stream.TokenText, "world", nil)

	resultCh := make(chan string, 1)
	go func() { resultCh <- s.Await() }()

	select {
	case <-resultCh:
		t.Fatal("Await returned before a terminator token was sent")
	case <-time.After(30 * time.Millisecond):
	}

	s.Send(stream.Token{Type: stream.TokenText, Text: "hello "})
	s.Send(stream.Token{Type: stream.TokenText, Text: "world"})
	s.Send(stream.Token{Type: stream.TokenEnd})

	select {
	case got := <-resultCh:
		if got != "hello world" {
			t.Errorf("Await = %q, want %q", got, "hello world")
		}
	case <-time.After(time.Second):
		t.Fatal("Await never returned after the END token")
	}
}

func TestWSUpgradeSendAndReceive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := NewWS(w, r)
		if err != nil {
			t.Errorf("NewWS: %v", err)
			return
		}
		defer ws.Close()
		if err := ws.Send(stream.Token{Type: stream.TokenText, Text: "ping"}); err != nil {
			t.Errorf("Send: %v", err)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(data), "ping") {
		t.Errorf("message = %s, want it to contain the token text", data)
	}
}

func TestWSReplayFromSendsOnlyTokensAfterSequence(t *testing.T) {
	buf := stream.NewBuffer()
	for i := 0; i < 5; i++ {
		buf.Append(stream.TokenText, "x", nil)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := NewWS(w, r)
		if err != nil {
			t.Errorf("NewWS: %v", err)
			return
		}
		defer ws.Close()
		if err := ws.ReplayFrom(buf, 2); err != nil {
			t.Errorf("ReplayFrom: %v", err)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	count := 0
	for {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("received %d replayed tokens, want 2 (sequences 3,4)", count)
	}
}
