package protocol

import (
	"encoding/json"
	"sync"
	"time"
)

// EntryKind enumerates the three record kinds a MessageLog holds, per
// spec §3's {REQUEST, RESPONSE, ERROR} data model entry.
type EntryKind string

const (
	EntryRequest  EntryKind = "REQUEST"
	EntryResponse EntryKind = "RESPONSE"
	EntryError    EntryKind = "ERROR"
)

// LogEntry is one append-only record.
type LogEntry struct {
	Kind      EntryKind       `json:"kind"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageLog is the append-only per-session audit/replay record named in
// spec §3: every inbound request and every outbound response or error is
// recorded here for later inspection, never read by the hot streaming
// path. Grounded on stream.Buffer's append-only, RWMutex-guarded slice
// shape, generalized from token replay to envelope audit.
type MessageLog struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewMessageLog returns an empty MessageLog.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append records one entry and returns it.
func (l *MessageLog) Append(kind EntryKind, method string, payload json.RawMessage) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := LogEntry{Kind: kind, Method: method, Payload: payload, Timestamp: time.Now()}
	l.entries = append(l.entries, e)
	return e
}

// Snapshot returns every entry recorded so far, in append order.
func (l *MessageLog) Snapshot() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries recorded.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
