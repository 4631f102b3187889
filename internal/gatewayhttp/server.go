// Package gatewayhttp wires the ten normative streaming data-plane
// endpoints (spec §6) plus the supplemented admin surface
// (§4.11) onto a gorilla/mux router, dispatching into session, policy,
// transport, upstream, resilience, and load-balancer. Route layout is
// grounded on the teacher's mux.NewRouter + subrouter style in
// internal/mcp/streamable_server.go, generalized from the teacher's
// single hardcoded MCP route set to the spec's normative route table.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hant916/MCP-Gateway-sub002/internal/loadbalancer"
	"github.com/hant916/MCP-Gateway-sub002/internal/observability"
	"github.com/hant916/MCP-Gateway-sub002/internal/policy"
	"github.com/hant916/MCP-Gateway-sub002/internal/protocol"
	"github.com/hant916/MCP-Gateway-sub002/internal/resilience"
	"github.com/hant916/MCP-Gateway-sub002/internal/session"
	"github.com/hant916/MCP-Gateway-sub002/internal/stream"
	"github.com/hant916/MCP-Gateway-sub002/internal/transport"
	"github.com/hant916/MCP-Gateway-sub002/internal/upstream"
)

// ttfbBudgetMs is the first-byte budget the SSE, NDJSON and STDIO subscribe
// handlers check against how long opening the upstream took: exceed it and
// the stream falls back to ASYNC_JOB rather than keep the client waiting.
// The WebSocket upgrade handler does not apply it.
const ttfbBudgetMs = 1000

// Server holds every component the HTTP surface dispatches into.
type Server struct {
	Sessions *session.Manager
	Pools    *loadbalancer.Manager
	Events   *observability.Facade
	Router   *mux.Router

	breakersMu sync.Mutex
	Breakers   map[string]*resilience.Breaker

	// PIDs registers STDIO upstream child processes; nil disables PID
	// persistence (used in tests), in which case OpenSTDIO still runs, it
	// just skips crash-recovery bookkeeping.
	PIDs *upstream.PIDRegistry
}

// NewServer builds a Server and registers every route.
func NewServer(sessions *session.Manager, pools *loadbalancer.Manager, events *observability.Facade) *Server {
	s := &Server{
		Sessions: sessions,
		Pools:    pools,
		Breakers: make(map[string]*resilience.Breaker),
		Events:   events,
		Router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.Router
	r.HandleFunc("/api/v1/mcp-server/{serverId}/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{sessionId}/sse", s.handleSSESubscribe).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sse/message", s.handleSSEMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{sessionId}/streamable-http", s.handleNDJSONSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/streamable-http/message", s.handleNDJSONMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{sessionId}/stdio", s.handleSTDIOSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/stdio/message", s.handleSTDIOMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions/{sessionId}/stdio", s.handleSTDIOClose).Methods(http.MethodDelete)
	r.HandleFunc("/ws/sessions/{sessionId}", s.handleWSUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/result/{requestId}", s.handleAsyncResult).Methods(http.MethodGet)

	r.HandleFunc("/admin/sessions", s.handleAdminSessions).Methods(http.MethodGet)
	r.HandleFunc("/admin/loadbalancer/{pool}", s.handleAdminPool).Methods(http.MethodGet)
	r.HandleFunc("/admin/breakers", s.handleAdminBreakers).Methods(http.MethodGet)
	r.HandleFunc("/admin/breakers/{upstream}/reset", s.handleAdminBreakerReset).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, path string) {
	writeJSON(w, status, map[string]any{
		"code":      status,
		"message":   message,
		"path":      path,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// breakerFor lazily creates the per-upstream breaker the first time an
// upstream id is seen, populating the admin-visible Breakers map (review:
// it used to stay permanently empty).
func (s *Server) breakerFor(upstreamID string) *resilience.Breaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.Breakers[upstreamID]
	if !ok {
		b = resilience.NewBreaker(resilience.DefaultBreakerConfig())
		s.Breakers[upstreamID] = b
	}
	return b
}

// createSessionBody is the create-session request body; its policyContext
// method builds a stream policy Context from it, defaulting every streaming-capability hint to
// false so an unconfigured client lands on the conservative SYNC/ASYNC_JOB
// branches of the ladder rather than silently getting SSE.
type createSessionBody struct {
	TransportType string `json:"transportType"`
	UserID        string `json:"userId"`

	ClientType          string  `json:"clientType"`
	EntryTopology       string  `json:"entryTopology"`
	ExpectedLatencySecs float64 `json:"expectedLatencySecs"`
	PersistenceAllowed  bool    `json:"persistenceAllowed"`
	CostBudget          float64 `json:"costBudget"`
	StreamingRequested  bool    `json:"streamingRequested"`
	SSESupported        bool    `json:"sseSupported"`
	WSSupported         bool    `json:"wsSupported"`
}

func (b createSessionBody) policyContext(requestID, clientIP, userAgent, accept string) policy.Context {
	return policy.Context{
		RequestID:           requestID,
		ClientType:          policy.ClientType(b.ClientType),
		EntryTopology:       policy.Topology(b.EntryTopology),
		ExpectedLatencySecs: b.ExpectedLatencySecs,
		PersistenceAllowed:  b.PersistenceAllowed,
		CostBudget:          b.CostBudget,
		StreamingRequested:  b.StreamingRequested,
		SSESupported:        b.SSESupported,
		WSSupported:         b.WSSupported,
		UserID:              b.UserID,
		ClientIP:            clientIP,
		UserAgent:           userAgent,
		AcceptHeader:        accept,
	}
}

// modeToTransport maps a policy.Mode onto the session TransportType that
// serves it. NDJSON and STDIO are explicit client protocol choices outside
// the ladder's output set, so handleCreateSession only applies this mapping
// for SSE/WS/async/sync requests.
func modeToTransport(m policy.Mode) session.TransportType {
	switch m {
	case policy.ModeSSEDirect:
		return session.TransportSSE
	case policy.ModeWSPush:
		return session.TransportWebSocket
	case policy.ModeSync:
		return session.TransportSync
	default:
		return session.TransportAsyncJob
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serverID := vars["serverId"]

	var body createSessionBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.TransportType == "" {
		body.TransportType = string(session.TransportSSE)
	}

	transportType := session.TransportType(body.TransportType)
	var decision policy.Decision
	switch transportType {
	case session.TransportNDJSON, session.TransportSTDIO:
		// Explicit protocol choice: not subject to the SSE/WS/async/sync
		// ladder, so record a trivial decision for the audit trail.
		decision = policy.Decision{Mode: policy.Mode(transportType), Reason: "explicit_client_protocol", RuleID: "EXPLICIT", Confidence: 1}
	default:
		ctx := body.policyContext(serverID, r.RemoteAddr, r.UserAgent(), r.Header.Get("Accept"))
		decision = policy.Decide(ctx)
		transportType = modeToTransport(decision.Mode)
	}

	sess := s.Sessions.Create(body.UserID, serverID, transportType)
	sess.SetDecision(decision)
	s.Events.Publish(observability.Event{Type: observability.EventDecisionMade, RequestID: sess.ID, Mode: string(decision.Mode), Reason: decision.Reason})

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"mode":      decision.Mode,
		"endpoints": map[string]string{
			"sse":    fmt.Sprintf("/api/v1/sessions/%s/sse", sess.ID),
			"ndjson": fmt.Sprintf("/api/v1/sessions/%s/streamable-http", sess.ID),
			"stdio":  fmt.Sprintf("/api/v1/sessions/%s/stdio", sess.ID),
			"ws":     fmt.Sprintf("/ws/sessions/%s", sess.ID),
		},
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) sessionOrNotFound(w http.ResponseWriter, r *http.Request, id string) *session.Session {
	sess := s.Sessions.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown session", r.URL.Path)
		return nil
	}
	return sess
}

// openHTTPUpstream selects an instance from the session's server pool and
// opens a connector through that upstream's circuit breaker, so a tripped
// breaker short-circuits establishment (spec §4.4's "routed through
// LoadBalancer AND CircuitBreaker") instead of only ever gating through the
// load balancer's own health bookkeeping.
func (s *Server) openHTTPUpstream(ctx context.Context, sess *session.Session, method string) (*upstream.HTTPConnector, error) {
	pool := s.Pools.Pool(sess.ServerID)
	selCtx := loadbalancer.SelectContext{SessionID: sess.ID, UserID: sess.UserID}
	breaker := s.breakerFor(sess.ServerID)

	var conn *upstream.HTTPConnector
	err := breaker.CallContext(ctx, func(c context.Context) error {
		var openErr error
		conn, openErr = upstream.Open(c, pool, selCtx, method, nil, upstream.DefaultConfig())
		return openErr
	})
	return conn, err
}

// streamHTTPSession drives the common SSE/NDJSON lifecycle: bind, send
// START, open the upstream connector through the breaker, check the TTFB
// budget, pump upstream tokens into the buffer and out through adapter,
// then append END and close. mode labels the attempt for observability and
// becomes Fallback's originalMode if the TTFB budget is blown.
func (s *Server) streamHTTPSession(ctx context.Context, sess *session.Session, adapter transport.Adapter, mode policy.Mode) {
	sess.Bind(adapter, nil)
	_ = sess.Activate()

	timer := observability.NewTTFBTimer()
	startTok, _ := sess.Buffer.Append(stream.TokenStart, "", nil)
	if err := adapter.Send(startTok); err != nil {
		_ = sess.Close()
		return
	}

	conn, err := s.openHTTPUpstream(ctx, sess, "stream")
	if err != nil || timer.ElapsedMs() > ttfbBudgetMs {
		if conn != nil {
			_ = conn.Close()
		}
		s.fallback(sess, adapter, mode, timer.ElapsedMs(), err)
		return
	}
	sess.Bind(adapter, conn)
	defer conn.Close()

	s.Events.Publish(observability.Event{Type: observability.EventFirstByteSent, RequestID: sess.ID, Mode: string(mode), TTFBMs: timer.ElapsedMs()})
	s.pumpTokens(ctx, sess, adapter, conn.Tokens())
}

// fallback records a FALLBACK_TRIGGERED event, switches the session's
// decision to ASYNC_JOB per spec §4.1 invariant ii, writes an ERROR token
// the live transport can still deliver, and closes the session — the
// client's next move is to poll /result/{sessionId}.
func (s *Server) fallback(sess *session.Session, adapter transport.Adapter, originalMode policy.Mode, elapsedMs int64, cause error) {
	reason := string(policy.FailureFirstByteTimeout)
	if cause != nil {
		reason = cause.Error()
	}
	fb := policy.Fallback(policy.Context{RequestID: sess.ID}, originalMode, reason)
	sess.SetDecision(fb)
	s.Events.Publish(observability.Event{
		Type: observability.EventFallbackTriggered, RequestID: sess.ID,
		Mode: string(fb.Mode), Reason: fb.FallbackReason, TTFBMs: elapsedMs,
	})

	errTok, ok := sess.Buffer.Append(stream.TokenError, reason, nil)
	if ok {
		_ = adapter.Send(errTok)
	}
	_ = sess.Close()
}

// pumpTokens appends every token from upstream into the session's buffer
// and forwards it through adapter until upstream closes, then appends a
// terminal END token. No END token is appended when an append overflows or
// a send fails. If the request context is cancelled first, the session is
// closed without waiting for upstream to finish.
func (s *Server) pumpTokens(ctx context.Context, sess *session.Session, adapter transport.Adapter, upstreamTokens <-chan stream.Token) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for tok := range upstreamTokens {
			appended, ok := sess.Buffer.Append(tok.Type, tok.Text, tok.Metadata)
			if !ok {
				s.Events.Publish(observability.Event{Type: observability.EventBufferOverflow, RequestID: sess.ID})
				return
			}
			if err := adapter.Send(appended); err != nil {
				s.Events.Publish(observability.Event{Type: observability.EventStreamFailed, RequestID: sess.ID, Reason: err.Error()})
				return
			}
		}
		endTok, ok := sess.Buffer.Append(stream.TokenEnd, "", nil)
		if ok {
			_ = adapter.Send(endTok)
		}
		s.Events.Publish(observability.Event{Type: observability.EventStreamCompleted, RequestID: sess.ID})
	}()

	select {
	case <-ctx.Done():
		s.Events.Publish(observability.Event{Type: observability.EventClientDisconnect, RequestID: sess.ID})
	case <-done:
	}
	_ = sess.Close()
}

func (s *Server) handleSSESubscribe(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOrNotFound(w, r, mux.Vars(r)["sessionId"])
	if sess == nil {
		return
	}

	adapter, err := transport.NewSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), r.URL.Path)
		return
	}
	s.streamHTTPSession(r.Context(), sess, adapter, policy.ModeSSEDirect)
}

func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	s.acceptMessage(w, r, `{"status":"ok"}`)
}

func (s *Server) handleNDJSONSubscribe(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOrNotFound(w, r, mux.Vars(r)["sessionId"])
	if sess == nil {
		return
	}
	adapter, err := transport.NewNDJSON(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), r.URL.Path)
		return
	}
	s.streamHTTPSession(r.Context(), sess, adapter, policy.Mode("NDJSON"))
}

func (s *Server) handleNDJSONMessage(w http.ResponseWriter, r *http.Request) {
	s.acceptMessage(w, r, `{"status":"Message sent"}`)
}

func (s *Server) handleSTDIOSubscribe(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOrNotFound(w, r, mux.Vars(r)["sessionId"])
	if sess == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	adapter := transport.NewSTDIO(w)
	sess.Bind(adapter, nil)
	_ = sess.Activate()

	timer := observability.NewTTFBTimer()
	startTok, _ := sess.Buffer.Append(stream.TokenStart, "", nil)
	if err := adapter.Send(startTok); err != nil {
		_ = sess.Close()
		return
	}

	// The session's ServerID is the launchable command path (Open
	// Question ii in the design notes): never a shell interpretation of
	// the session token, a direct exec.Command argv[0].
	breaker := s.breakerFor(sess.ServerID)
	var conn *upstream.STDIOConnector
	err := breaker.CallContext(r.Context(), func(c context.Context) error {
		var openErr error
		conn, openErr = upstream.OpenSTDIO(c, sess.ID, upstream.STDIOCommand{Path: sess.ServerID}, s.PIDs)
		return openErr
	})
	if err != nil || timer.ElapsedMs() > ttfbBudgetMs {
		if conn != nil {
			_ = conn.Close()
		}
		s.fallback(sess, adapter, policy.Mode(session.TransportSTDIO), timer.ElapsedMs(), err)
		return
	}
	sess.Bind(adapter, conn)
	defer conn.Close()

	s.Events.Publish(observability.Event{Type: observability.EventFirstByteSent, RequestID: sess.ID, Mode: string(session.TransportSTDIO), TTFBMs: timer.ElapsedMs()})
	s.pumpTokens(r.Context(), sess, adapter, conn.Tokens())
}

func (s *Server) handleSTDIOMessage(w http.ResponseWriter, r *http.Request) {
	s.acceptMessage(w, r, `{"status":"ok"}`)
}

func (s *Server) handleSTDIOClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionId"]
	if err := s.Sessions.Close(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleWSUpgrade(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionOrNotFound(w, r, mux.Vars(r)["sessionId"])
	if sess == nil {
		return
	}
	adapter, err := transport.NewWS(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), r.URL.Path)
		return
	}
	sess.Bind(adapter, nil)
	_ = sess.Activate()

	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		if n, err := strconv.ParseUint(cursor, 10, 64); err == nil {
			_ = adapter.ReplayFrom(sess.Buffer, n)
		}
	}
}

func (s *Server) handleAsyncResult(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	sess := s.sessionOrNotFound(w, r, requestID)
	if sess == nil {
		return
	}

	cursor := uint64(0)
	if c := r.URL.Query().Get("cursor"); c != "" {
		if n, err := strconv.ParseUint(c, 10, 64); err == nil {
			cursor = n
		}
	}

	toks := sess.Buffer.Since(cursor)
	terminal := false
	next := cursor
	for _, t := range toks {
		next = t.Sequence
		if t.Type == stream.TokenEnd || t.Type == stream.TokenError {
			terminal = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":   toks,
		"next":     next,
		"terminal": terminal,
	})
}

// acceptMessage parses the client's JSON-RPC batch, records each request in
// the session's MessageLog, and forwards it to the session's bound upstream
// connector — previously this parsed and discarded the body without ever
// reaching the upstream or the audit log.
func (s *Server) acceptMessage(w http.ResponseWriter, r *http.Request, ack string) {
	sessionID := r.URL.Query().Get("sessionId")
	sess := s.sessionOrNotFound(w, r, sessionID)
	if sess == nil {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), r.URL.Path)
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	batch, err := protocol.ParseBatch(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), r.URL.Path)
		return
	}

	for _, req := range batch {
		sess.Log.Append(protocol.EntryRequest, req.EffectiveMethod(), req.EffectiveArguments())
		if sendErr := sess.SendUpstream(r.Context(), req.EffectiveMethod(), req.EffectiveArguments()); sendErr != nil {
			sess.Log.Append(protocol.EntryError, req.EffectiveMethod(), jsonString(sendErr.Error()))
			writeError(w, http.StatusBadGateway, sendErr.Error(), r.URL.Path)
			return
		}
	}

	sess.Log.Append(protocol.EntryResponse, "", json.RawMessage(ack))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ack))
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.Sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"id":            sess.ID,
			"status":        sess.Status,
			"transportType": sess.TransportType,
			"mode":          sess.Decision.Mode,
			"createdAt":     sess.CreatedAt,
			"expiresAt":     sess.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminPool(w http.ResponseWriter, r *http.Request) {
	poolName := mux.Vars(r)["pool"]
	pool := s.Pools.Pool(poolName)
	instances := pool.Snapshot()
	out := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		out = append(out, map[string]any{
			"id":                inst.ID,
			"host":              inst.Host,
			"port":              inst.Port,
			"weight":            inst.Weight,
			"effectiveWeight":   inst.EffectiveWeight(),
			"available":         inst.Available(),
			"activeConnections": inst.ActiveConnections(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	s.breakersMu.Lock()
	out := make(map[string]string, len(s.Breakers))
	for id, b := range s.Breakers {
		out[id] = string(b.State())
	}
	s.breakersMu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	upstreamID := mux.Vars(r)["upstream"]
	s.breakersMu.Lock()
	b, ok := s.Breakers[upstreamID]
	s.breakersMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown upstream", r.URL.Path)
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "upstream": upstreamID})
}
