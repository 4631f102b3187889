// Package session implements the session manager: per-client session
// state, creation/lookup/expiry, and the periodic sweep that tears down
// stale sessions. Adapted from the teacher's SessionManager/SessionContext
// actor in internal/mcp/session_context.go, generalized from "MCP instance
// connections" to the gateway's Session/TransportAdapter/UpstreamConnector
// ownership triple.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hant916/MCP-Gateway-sub002/internal/policy"
	"github.com/hant916/MCP-Gateway-sub002/internal/protocol"
	"github.com/hant916/MCP-Gateway-sub002/internal/stream"
	"github.com/hant916/MCP-Gateway-sub002/internal/upstream"
)

// TransportType enumerates the transports a session may be bound to.
type TransportType string

const (
	TransportSSE       TransportType = "SSE"
	TransportWebSocket TransportType = "WEBSOCKET"
	TransportNDJSON    TransportType = "NDJSON"
	TransportSTDIO     TransportType = "STDIO"
	TransportAsyncJob  TransportType = "ASYNC_JOB"
	TransportSync      TransportType = "SYNC"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusActive       Status = "ACTIVE"
	StatusClosing      Status = "CLOSING"
	StatusClosed       Status = "CLOSED"
	StatusExpired      Status = "EXPIRED"
)

// Closer is implemented by anything a Session exclusively owns and must
// release on teardown: TransportAdapters and UpstreamConnectors both
// satisfy this via Close().
type Closer interface {
	Close() error
}

// Upstream is the subset of an upstream connector's contract a Session
// needs to forward a client's JSON-RPC envelope: both HTTPConnector and
// STDIOConnector satisfy this despite their differing transports.
type Upstream interface {
	Closer
	Send(ctx context.Context, env upstream.Envelope) error
}

var (
	// ErrClosed is returned by any mutation attempted on a session that is
	// already CLOSED or EXPIRED.
	ErrClosed = errors.New("session: already closed")
	// ErrNotFound is returned by Manager.Close for an unknown id.
	ErrNotFound = errors.New("session: not found")
)

// Session is one logical client<->upstream conversation. Exactly one
// upstream and one transport for the session's lifetime (invariant 3a).
type Session struct {
	mu sync.Mutex

	ID            string
	Token         string
	TransportType TransportType
	Status        Status
	UserID        string
	ServerID      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Heartbeat     time.Time

	Buffer *stream.Buffer
	Log    *protocol.MessageLog

	// Decision is the policy.Decision that selected this session's
	// delivery mode, set at creation and overwritten in place on fallback.
	Decision policy.Decision

	transport Closer
	upstream  Upstream
}

// Bind attaches the transport adapter and upstream connector the session
// exclusively owns. Each call replaces both fields. The HTTP handlers call
// it twice: with the transport alone (upstream nil) before Activate, and
// again with both once the upstream connector opens.
func (s *Session) Bind(transport Closer, upstream Upstream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = transport
	s.upstream = upstream
}

// SetDecision overwrites the session's recorded policy decision, used when
// a live stream falls back to a different delivery mode mid-flight.
func (s *Session) SetDecision(d policy.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Decision = d
}

// SendUpstream forwards one parsed request to the session's bound upstream
// connector. It rejects the send once the session is no longer connected
// (invariant: no sends once closed) or before an upstream has been bound.
func (s *Session) SendUpstream(ctx context.Context, method string, args json.RawMessage) error {
	s.mu.Lock()
	up := s.upstream
	connected := s.Status == StatusActive || s.Status == StatusInitializing
	s.mu.Unlock()

	if !connected {
		return ErrClosed
	}
	if up == nil {
		return errors.New("session: no upstream bound")
	}
	return up.Send(ctx, upstream.Envelope{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: json.RawMessage(args)})
}

// Activate moves INITIALIZING -> ACTIVE on first successful upstream
// handshake. No-op (and an error) from any other state.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusInitializing {
		return errors.New("session: activate requires INITIALIZING state")
	}
	s.Status = StatusActive
	return nil
}

// Touch refreshes the heartbeat timestamp; called on any client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Heartbeat = time.Now()
}

// Close tears the session down: CLOSING -> released resources -> CLOSED.
// Idempotent — a second call on an already-closed session is a no-op,
// matching the invariant that sweeper and explicit close may race.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.Status == StatusClosed || s.Status == StatusExpired {
		s.mu.Unlock()
		return nil
	}
	s.Status = StatusClosing
	transport, upstream := s.transport, s.upstream
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	if upstream != nil {
		_ = upstream.Close()
	}

	s.mu.Lock()
	s.Status = StatusClosed
	s.mu.Unlock()
	return nil
}

// expire is like Close but lands in EXPIRED instead of CLOSED, used only
// by the sweeper for TTL lapse (invariant 3c: EXPIRED reachable from any
// pre-closed state).
func (s *Session) expire() {
	s.mu.Lock()
	if s.Status == StatusClosed || s.Status == StatusExpired {
		s.mu.Unlock()
		return
	}
	s.Status = StatusExpired
	transport, upstream := s.transport, s.upstream
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	if upstream != nil {
		_ = upstream.Close()
	}
}

// IsConnected reports whether the session still accepts tokens (invariant
// 3c: once CLOSED or EXPIRED, no further tokens may be sent).
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusActive || s.Status == StatusInitializing
}

// EventFunc is the callback signature SetCallbacks registers, mirroring the
// teacher's onConnect/onDisconnect/onError hooks in session_context.go.
type EventFunc func(sessionID string)

// Manager owns every Session. All mutating operations run on the manager's
// single owner goroutine via request channels, the same actor pattern the
// teacher's ConnectionManager.run uses for its connections/sessions maps —
// chosen here because the session table is both iterated (sweeper) and
// mutated (create/expire/close) under concurrent load.
type Manager struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	onDisconnect  EventFunc
	onError       EventFunc

	createCh chan createRequest
	getCh    chan getRequest
	closeCh  chan closeRequest
	listCh   chan listRequest
	sweepCh  chan struct{}
	stopCh   chan struct{}

	sessions map[string]*Session
}

type createRequest struct {
	userID, serverID string
	transportType    TransportType
	reply            chan *Session
}

type getRequest struct {
	id    string
	reply chan *Session
}

type closeRequest struct {
	id    string
	reply chan error
}

type listRequest struct {
	reply chan []*Session
}

// NewManager builds a Manager with the given TTL and sweep cadence, falling
// back to the spec defaults (1h TTL, 60s sweep) for zero values.
func NewManager(ttl, sweepInterval time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	m := &Manager{
		defaultTTL:    ttl,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*Session),
		createCh:      make(chan createRequest),
		getCh:         make(chan getRequest),
		closeCh:       make(chan closeRequest),
		listCh:        make(chan listRequest),
		sweepCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	go m.run()
	go m.sweepLoop()
	return m
}

// SetCallbacks registers disconnect/error hooks, mirroring the teacher's
// SessionManager.SetCallbacks.
func (m *Manager) SetCallbacks(onDisconnect, onError EventFunc) {
	m.onDisconnect = onDisconnect
	m.onError = onError
}

// Create allocates a new session in INITIALIZING state.
func (m *Manager) Create(userID, serverID string, transportType TransportType) *Session {
	reply := make(chan *Session, 1)
	m.createCh <- createRequest{userID: userID, serverID: serverID, transportType: transportType, reply: reply}
	return <-reply
}

// Get looks up a session by id; returns nil if absent.
func (m *Manager) Get(id string) *Session {
	reply := make(chan *Session, 1)
	m.getCh <- getRequest{id: id, reply: reply}
	return <-reply
}

// Close explicitly closes a session by id.
func (m *Manager) Close(id string) error {
	reply := make(chan error, 1)
	m.closeCh <- closeRequest{id: id, reply: reply}
	return <-reply
}

// List returns a snapshot of every live session, for the admin surface.
func (m *Manager) List() []*Session {
	reply := make(chan []*Session, 1)
	m.listCh <- listRequest{reply: reply}
	return <-reply
}

// Stop halts the manager's goroutines. Not part of the spec's normative
// interface; used by tests and graceful shutdown.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run() {
	for {
		select {
		case req := <-m.createCh:
			now := time.Now()
			s := &Session{
				ID:            uuid.NewString(),
				Token:         uuid.NewString(),
				TransportType: req.transportType,
				Status:        StatusInitializing,
				UserID:        req.userID,
				ServerID:      req.serverID,
				CreatedAt:     now,
				ExpiresAt:     now.Add(m.defaultTTL),
				Heartbeat:     now,
				Buffer:        stream.NewBuffer(),
				Log:           protocol.NewMessageLog(),
			}
			m.sessions[s.ID] = s
			req.reply <- s

		case req := <-m.getCh:
			req.reply <- m.sessions[req.id]

		case req := <-m.closeCh:
			s, ok := m.sessions[req.id]
			if !ok {
				req.reply <- ErrNotFound
				continue
			}
			delete(m.sessions, req.id)
			go func() {
				_ = s.Close()
				if m.onDisconnect != nil {
					m.onDisconnect(s.ID)
				}
			}()
			req.reply <- nil

		case req := <-m.listCh:
			out := make([]*Session, 0, len(m.sessions))
			for _, s := range m.sessions {
				out = append(out, s)
			}
			req.reply <- out

		case <-m.sweepCh:
			m.sweepExpired()

		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case m.sweepCh <- struct{}{}:
			default:
			}
		case <-m.stopCh:
			return
		}
	}
}

// sweepExpired runs on the owner goroutine only (invoked from run()'s
// select), so map iteration and mutation never race.
func (m *Manager) sweepExpired() {
	now := time.Now()
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := now.After(s.ExpiresAt) && s.Status != StatusClosed && s.Status != StatusExpired
		s.mu.Unlock()
		if !expired {
			continue
		}
		delete(m.sessions, id)
		go func(s *Session) {
			s.expire()
			if m.onDisconnect != nil {
				m.onDisconnect(s.ID)
			}
		}(s)
	}
}
