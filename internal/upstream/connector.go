// Package upstream implements the upstream connectors that fetch
// StreamTokens from an MCP server: HTTPConnector for SSE/NDJSON line
// streams over HTTP, and STDIOConnector for a child process. There is no
// WebSocket upstream connector. Grounded on the teacher's HubClient
// (internal/mcp/hub_client.go) for the HTTP/JSON-RPC request shape. Each
// connector serves one session and tracks only whether it has been closed.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hant916/MCP-Gateway-sub002/internal/loadbalancer"
	"github.com/hant916/MCP-Gateway-sub002/internal/stream"
)

// Envelope is the minimal outbound JSON-RPC payload a connector sends
// upstream, mirroring hub_client.go's map[string]interface{} construction.
type Envelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Config bounds a connector's timeouts, per spec §4.4.
type Config struct {
	OpenTimeout time.Duration
	IdleTimeout time.Duration
}

// DefaultConfig matches the gateway's global timeout default (5s) for
// establishment, and sets IdleTimeout to 5 minutes. No connector reads
// IdleTimeout; an idle stream is not timed out.
func DefaultConfig() Config {
	return Config{OpenTimeout: 5 * time.Second, IdleTimeout: 5 * time.Minute}
}

// HTTPConnector fetches tokens from an upstream MCP server's HTTP/SSE or
// NDJSON endpoint. One HTTPConnector instance serves exactly one session,
// per the Session ownership invariant.
type HTTPConnector struct {
	client        *http.Client
	instance      *loadbalancer.Instance
	pool          *loadbalancer.Pool
	correlationID string
	cfg           Config

	closed bool
	resp   *http.Response
	cancel context.CancelFunc
}

// Open selects a ServerInstance from pool, issues the upstream request
// with the gateway's correlation header, and returns a connector ready to
// yield tokens. cfg.OpenTimeout bounds establishment, up to the response
// headers; after that only the caller's context bounds the stream.
func Open(ctx context.Context, pool *loadbalancer.Pool, selCtx loadbalancer.SelectContext, method string, params any, cfg Config) (*HTTPConnector, error) {
	if cfg.OpenTimeout <= 0 {
		cfg = DefaultConfig()
	}

	inst := pool.SelectInstance(selCtx)
	if inst == nil {
		return nil, fmt.Errorf("upstream: no available instance in pool %s", pool.Name())
	}

	openCtx, cancel := context.WithCancel(ctx)
	openTimer := time.AfterFunc(cfg.OpenTimeout, cancel)

	env := Envelope{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	body, err := json.Marshal(env)
	if err != nil {
		cancel()
		pool.RecordFailure(inst.ID)
		return nil, fmt.Errorf("upstream: marshal envelope: %w", err)
	}

	url := fmt.Sprintf("%s://%s:%d/rpc", inst.Protocol, inst.Host, inst.Port)
	req, err := http.NewRequestWithContext(openCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		pool.RecordFailure(inst.ID)
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	correlationID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Correlation-Id", correlationID)

	start := time.Now()
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		pool.RecordFailure(inst.ID)
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		pool.RecordFailure(inst.ID)
		return nil, fmt.Errorf("upstream: non-2xx establishment: %d", resp.StatusCode)
	}
	openTimer.Stop()
	pool.RecordSuccess(inst.ID, time.Since(start))

	return &HTTPConnector{
		client:        client,
		instance:      inst,
		pool:          pool,
		correlationID: correlationID,
		cfg:           cfg,
		resp:          resp,
		cancel:        cancel,
	}, nil
}

// Tokens returns a channel yielding one TEXT StreamToken per non-blank line
// of the upstream response body, with no JSON parsing, until the body
// is exhausted or the connector is closed. Closing the returned channel's
// upstream source happens on all exit paths via Close.
func (c *HTTPConnector) Tokens() <-chan stream.Token {
	out := make(chan stream.Token)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(c.resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var seq uint64
		for scanner.Scan() {
			if c.closed {
				return
			}
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			seq++
			out <- stream.Token{Sequence: seq, Type: stream.TokenText, Text: string(line), Timestamp: time.Now()}
		}
	}()
	return out
}

// Send writes an additional JSON-RPC envelope to the upstream connection,
// rejecting it once the connector has been closed.
func (c *HTTPConnector) Send(ctx context.Context, env Envelope) error {
	if c.closed {
		return fmt.Errorf("upstream: send on closed connector")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s://%s:%d/rpc", c.instance.Protocol, c.instance.Host, c.instance.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Correlation-Id", c.correlationID)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Close releases the underlying socket on every exit path (success,
// error, cancellation), matching the connector contract in spec §4.4.
func (c *HTTPConnector) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	if c.resp != nil {
		return c.resp.Body.Close()
	}
	return nil
}
