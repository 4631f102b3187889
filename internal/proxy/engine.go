// Package proxy wraps a goproxy.ProxyHttpServer whose OnRequest/OnResponse
// hooks inject a correlation header and record TTFB timing. It stands
// alone: the upstream HTTPConnector sends its requests with its own
// http.Client and sets the correlation header itself, not through this
// Engine. Adapted from the teacher's
// internal/proxy/server.go, which used the identical hook pair to attach
// request IDs and measure response duration for dev-server traffic; here
// the hooks carry the gateway's correlation id and stamp first-byte
// timing on the forwarded response instead of injecting browser telemetry.
package proxy

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
)

// RequestTiming is recorded per proxied call and handed to the
// observability facade by the caller.
type RequestTiming struct {
	CorrelationID string
	Method        string
	URL           string
	StartedAt     time.Time
	FirstByteAt   time.Time
	StatusCode    int
}

// Engine wraps a goproxy.ProxyHttpServer configured to inject the gateway
// correlation header on every forwarded request and record TTFB on every
// forwarded response.
type Engine struct {
	proxy *goproxy.ProxyHttpServer

	mu      sync.Mutex
	timings map[string]*RequestTiming

	onResponse func(RequestTiming)
}

// NewEngine builds an Engine with hooks installed. onResponse, if non-nil,
// is invoked once per completed response with its final timing.
func NewEngine(onResponse func(RequestTiming)) *Engine {
	e := &Engine{
		proxy:      goproxy.NewProxyHttpServer(),
		timings:    make(map[string]*RequestTiming),
		onResponse: onResponse,
	}
	e.proxy.Verbose = false
	e.proxy.Logger = silentLogger{}
	e.setupHandlers()
	return e
}

// silentLogger discards goproxy's internal logging, mirroring the
// teacher's createSilentLogger convention in internal/proxy/server.go so
// the proxy engine never writes to the process's own stdout/stderr.
type silentLogger struct{}

func (silentLogger) Printf(string, ...any) {}

func (e *Engine) setupHandlers() {
	e.proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		correlationID := uuid.NewString()
		r.Header.Set("X-Gateway-Correlation-Id", correlationID)
		ctx.UserData = correlationID

		e.mu.Lock()
		e.timings[correlationID] = &RequestTiming{
			CorrelationID: correlationID,
			Method:        r.Method,
			URL:           r.URL.String(),
			StartedAt:     time.Now(),
		}
		e.mu.Unlock()

		return r, nil
	})

	e.proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		correlationID, _ := ctx.UserData.(string)
		if correlationID == "" {
			return resp
		}

		e.mu.Lock()
		t, ok := e.timings[correlationID]
		if ok {
			delete(e.timings, correlationID)
		}
		e.mu.Unlock()
		if !ok {
			return resp
		}

		t.FirstByteAt = time.Now()
		if resp != nil {
			t.StatusCode = resp.StatusCode
			resp.Header.Set("X-Gateway-Correlation-Id", correlationID)
		}

		if e.onResponse != nil {
			e.onResponse(*t)
		}
		return resp
	})

	e.proxy.OnResponse(goproxy.StatusCodeIs(0)).DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		correlationID, _ := ctx.UserData.(string)
		e.mu.Lock()
		delete(e.timings, correlationID)
		e.mu.Unlock()
		log.Printf("proxy: upstream connection failed correlationId=%s", correlationID)
		return resp
	})
}

// TTFBMs returns milliseconds between request start and first byte for a
// completed timing.
func (t RequestTiming) TTFBMs() int64 {
	if t.FirstByteAt.IsZero() {
		return 0
	}
	return t.FirstByteAt.Sub(t.StartedAt).Milliseconds()
}

// ServeHTTP lets Engine be mounted directly as the forward-proxy handler
// for upstream SSE/NDJSON traffic.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.proxy.ServeHTTP(w, r)
}

// String renders a timing for log lines.
func (t RequestTiming) String() string {
	return fmt.Sprintf("%s %s status=%d ttfb=%dms", t.Method, t.URL, t.StatusCode, t.TTFBMs())
}
