// Package transport implements the six delivery-mode adapters that send
// StreamTokens to a client: SSE, WebSocket, NDJSON, STDIO, async-job, and
// sync. Grounded on the teacher's SSE handling in
// internal/mcp/streamable_server.go (handleStreamingConnection,
// sendSSEEvent) and its websocket.Upgrader usage, generalized from the
// teacher's single hardcoded MCP route set to the spec's six-adapter
// contract.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hant916/MCP-Gateway-sub002/internal/stream"
)

// Type identifies which concrete adapter is in play.
type Type string

const (
	TypeSSEDirect Type = "SSE_DIRECT"
	TypeWSPush    Type = "WS_PUSH"
	TypeNDJSON    Type = "NDJSON"
	TypeSTDIO     Type = "STDIO"
	TypeAsyncJob  Type = "ASYNC_JOB"
	TypeSync      Type = "SYNC"
)

// Adapter is the shared contract every transport implements.
type Adapter interface {
	Send(tok stream.Token) error
	Flush() error
	Close() error
	IsConnected() bool
	GetType() Type
}

// SSE delivers tokens as Server-Sent Events. On START it writes a
// ": stream-start" comment as the stream's first byte; the adapter keeps no
// TTFB timer of its own. Every Send is flushed immediately. A write error
// is returned to the caller; http.Flusher reports no flush errors.
type SSE struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	connected bool
}

// NewSSE prepares w for an SSE stream by setting its headers, mirroring
// streamable_server.go's handleStreamingConnection. It writes nothing; the
// ": stream-start" comment goes out when the START token is sent.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("transport: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	s := &SSE{w: w, flusher: flusher, connected: true}
	return s, nil
}

func (s *SSE) GetType() Type { return TypeSSEDirect }

func (s *SSE) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SSE) Send(tok stream.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("transport: sse closed")
	}

	var err error
	switch tok.Type {
	case stream.TokenStart:
		_, err = fmt.Fprintf(s.w, ": stream-start\n\n")
	case stream.TokenHeartbeat:
		_, err = fmt.Fprintf(s.w, ": heartbeat\n\n")
	case stream.TokenEnd:
		_, err = fmt.Fprintf(s.w, "event: done\ndata: [DONE]\n\n")
	case stream.TokenError:
		_, err = fmt.Fprintf(s.w, "event: error\nid:%d\ndata:%s\n\n", tok.Sequence, tok.Text)
	default:
		_, err = fmt.Fprintf(s.w, "id:%d\ndata:%s\n\n", tok.Sequence, tok.Text)
	}
	if err != nil {
		return err
	}
	return s.flushLocked()
}

func (s *SSE) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *SSE) flushLocked() error {
	s.flusher.Flush()
	return nil
}

func (s *SSE) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// WS is a full-duplex WebSocket adapter. It supports resuming from a given
// sequence using the session's StreamBuffer.
type WS struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// Upgrader is shared across gateway WS endpoints, mirroring the teacher's
// package-level wsUpgrader in streamable_server.go.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWS upgrades the HTTP connection to a WebSocket.
func NewWS(w http.ResponseWriter, r *http.Request) (*WS, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: ws upgrade: %w", err)
	}
	return &WS{conn: conn, connected: true}, nil
}

func (w *WS) GetType() Type { return TypeWSPush }

func (w *WS) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *WS) Send(tok stream.Token) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return fmt.Errorf("transport: ws closed")
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReplayFrom sends every token in buf with sequence > fromSequence, used
// to resume a reconnecting WS client.
func (w *WS) ReplayFrom(buf *stream.Buffer, fromSequence uint64) error {
	for _, tok := range buf.Since(fromSequence) {
		if err := w.Send(tok); err != nil {
			return err
		}
	}
	return nil
}

func (w *WS) Flush() error { return nil }

func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil
	}
	w.connected = false
	return w.conn.Close()
}

// NDJSON delivers each token as one LF-terminated JSON line, flushed after
// every write.
type NDJSON struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	connected bool
}

// NewNDJSON prepares w for an NDJSON stream.
func NewNDJSON(w http.ResponseWriter) (*NDJSON, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("transport: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	return &NDJSON{w: w, flusher: flusher, connected: true}, nil
}

func (n *NDJSON) GetType() Type { return TypeNDJSON }

func (n *NDJSON) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *NDJSON) Send(tok stream.Token) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return fmt.Errorf("transport: ndjson closed")
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	n.flusher.Flush()
	return nil
}

func (n *NDJSON) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flusher.Flush()
	return nil
}

func (n *NDJSON) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = false
	return nil
}

// STDIO delivers tokens read from a child process's stdout as TEXT tokens
// and stderr lines as ERROR-metadata tokens, per spec §4.2. The process
// itself is started by the upstream connector (internal/upstream); STDIO
// here is the client-facing half that writes lines to an io.Writer.
type STDIO struct {
	mu        sync.Mutex
	w         io.Writer
	connected bool
}

// NewSTDIO wraps w (typically the HTTP response body for the
// `text/plain` stdio subscription endpoint).
func NewSTDIO(w io.Writer) *STDIO {
	return &STDIO{w: w, connected: true}
}

func (s *STDIO) GetType() Type { return TypeSTDIO }

func (s *STDIO) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *STDIO) Send(tok stream.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("transport: stdio closed")
	}
	_, err := fmt.Fprintf(s.w, "%s\n", tok.Text)
	return err
}

func (s *STDIO) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *STDIO) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// AsyncJob writes nothing to the originating request beyond the initial
// acceptance acknowledgement; tokens are only appended to the session's
// StreamBuffer by the caller and retrieved later via GET /result/{id}.
type AsyncJob struct {
	mu        sync.Mutex
	buf       *stream.Buffer
	connected bool
}

// NewAsyncJob wraps buf as the async job's sole delivery surface.
func NewAsyncJob(buf *stream.Buffer) *AsyncJob {
	return &AsyncJob{buf: buf, connected: true}
}

func (a *AsyncJob) GetType() Type { return TypeAsyncJob }

func (a *AsyncJob) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Send is a no-op: the token is already in the buffer by the time a
// caller holding an AsyncJob adapter observes it (the caller appends it to
// the buffer itself). Send exists to satisfy Adapter uniformly.
func (a *AsyncJob) Send(stream.Token) error { return nil }

func (a *AsyncJob) Flush() error { return nil }

func (a *AsyncJob) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// Sync collects tokens until END/ERROR and exposes the concatenated text
// as a single synchronous response.
type Sync struct {
	mu        sync.Mutex
	buf       *stream.Buffer
	done      chan struct{}
	closeOnce sync.Once
	connected bool
}

// NewSync returns a Sync adapter backed by buf.
func NewSync(buf *stream.Buffer) *Sync {
	return &Sync{buf: buf, done: make(chan struct{}), connected: true}
}

func (s *Sync) GetType() Type { return TypeSync }

func (s *Sync) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Sync) Send(tok stream.Token) error {
	if tok.Type == stream.TokenEnd || tok.Type == stream.TokenError {
		s.closeOnce.Do(func() { close(s.done) })
	}
	return nil
}

func (s *Sync) Flush() error { return nil }

func (s *Sync) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Await blocks until a terminator token has been seen, then returns the
// buffer's concatenated text.
func (s *Sync) Await() string {
	<-s.done
	return s.buf.ConcatenatedText()
}

// LineReader returns a scanner over LF-delimited lines from r, accepting
// lines of up to 1 MiB.
func LineReader(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
