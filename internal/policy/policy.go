// Package policy implements the stream policy engine: the rule ladder that
// picks a DeliveryMode from a StreamContext, and the fallback path taken on
// transport failure. Grounded on the teacher's decision-with-reason-string
// logging convention seen throughout internal/mcp (every state transition
// logs before acting), generalized into a pure, ordered rule table.
package policy

import (
	"fmt"
	"log"
)

// Mode is the delivery mode a decision selects.
type Mode string

const (
	ModeSSEDirect Mode = "SSE_DIRECT"
	ModeWSPush    Mode = "WS_PUSH"
	ModeAsyncJob  Mode = "ASYNC_JOB"
	ModeSync      Mode = "SYNC"
)

// ClientType enumerates the caller categories the ladder branches on.
type ClientType string

const (
	ClientBrowser ClientType = "BROWSER"
	ClientCLI     ClientType = "CLI"
	ClientSDK     ClientType = "SDK"
)

// Topology enumerates the last network element in front of the gateway.
type Topology string

const (
	TopologyDirect       Topology = "DIRECT"
	TopologyAPIGateway   Topology = "API_GATEWAY"
	TopologyCDN          Topology = "CDN"
	TopologyALB          Topology = "ALB"
	TopologyNLB          Topology = "NLB"
	TopologyReverseProxy Topology = "REVERSE_PROXY"
	TopologyUnknown      Topology = "UNKNOWN"
)

// Context is the decider's input, one per inbound request.
type Context struct {
	RequestID           string
	ClientType          ClientType
	EntryTopology       Topology
	ExpectedLatencySecs float64
	PersistenceAllowed  bool
	CostBudget          float64
	StreamingRequested  bool
	SSESupported        bool
	WSSupported         bool
	UserID              string
	ClientIP            string
	UserAgent           string
	AcceptHeader        string

	// MaxLatencyForStreamingSeconds overrides the default 20s ceiling
	// (rule 3) when positive; zero means "use the default".
	MaxLatencyForStreamingSeconds float64
	EnableSSEThroughAPIGateway    bool
	EnableSSEThroughCDN           bool
}

// Decision is the decider's output. A Decision with an empty Reason is
// invalid and must never be returned (spec invariant).
type Decision struct {
	Mode              Mode
	Reason            string
	UpstreamStreaming bool
	Confidence        float64
	RuleID            string
	IsFallback        bool
	OriginalMode      Mode
	FallbackReason    string
}

// DefaultMaxLatencyForStreamingSeconds is rule 3's threshold absent config.
const DefaultMaxLatencyForStreamingSeconds = 20

// Decide runs the thirteen-rule ladder, first match wins. Every returned
// decision is logged before being handed back, and validated to carry a
// non-empty reason.
func Decide(ctx Context) Decision {
	d := decide(ctx)
	return validate(d)
}

func decide(ctx Context) Decision {
	maxLatency := ctx.MaxLatencyForStreamingSeconds
	if maxLatency <= 0 {
		maxLatency = DefaultMaxLatencyForStreamingSeconds
	}

	switch {
	case ctx.EntryTopology == TopologyAPIGateway && !ctx.EnableSSEThroughAPIGateway:
		return Decision{Mode: ModeAsyncJob, Reason: "api_gateway_blocks_streaming", RuleID: "R1", Confidence: 1}

	case ctx.EntryTopology == TopologyCDN && !ctx.EnableSSEThroughCDN:
		return Decision{Mode: ModeAsyncJob, Reason: "cdn_blocks_streaming", RuleID: "R2", Confidence: 1}

	case ctx.ExpectedLatencySecs > maxLatency:
		return Decision{Mode: ModeAsyncJob, Reason: "expected_latency_exceeds_streaming_budget", RuleID: "R3", Confidence: 1}

	case !ctx.SSESupported && !ctx.WSSupported:
		return Decision{Mode: ModeSync, Reason: "client_supports_no_streaming_transport", RuleID: "R4", Confidence: 1}

	case !ctx.StreamingRequested:
		return Decision{Mode: ModeSync, Reason: "streaming_not_requested", RuleID: "R5", Confidence: 1}

	case ctx.WSSupported && ctx.ClientType == ClientSDK:
		return Decision{Mode: ModeWSPush, Reason: "sdk_client_prefers_websocket", RuleID: "R6", Confidence: 0.9, UpstreamStreaming: true}

	case ctx.EntryTopology == TopologyUnknown:
		if ctx.ClientType == ClientBrowser && ctx.SSESupported {
			return Decision{Mode: ModeSSEDirect, Reason: "unknown_topology_browser_sse_capable", RuleID: "R7", Confidence: 0.6, UpstreamStreaming: true}
		}
		return Decision{Mode: ModeAsyncJob, Reason: "unknown_topology_conservative_async", RuleID: "R7", Confidence: 0.5}

	case ctx.EntryTopology == TopologyReverseProxy && (ctx.ClientType == ClientBrowser || ctx.ClientType == ClientCLI):
		return Decision{Mode: ModeSSEDirect, Reason: "reverse_proxy_direct_streaming_safe", RuleID: "R8", Confidence: 0.9, UpstreamStreaming: true}

	case ctx.EntryTopology == TopologyALB:
		return Decision{Mode: ModeAsyncJob, Reason: "alb_l7_buffering_risk", RuleID: "R9", Confidence: 0.8}

	case ctx.EntryTopology == TopologyNLB:
		return Decision{Mode: ModeSSEDirect, Reason: "nlb_direct_streaming_safe", RuleID: "R10", Confidence: 0.95, UpstreamStreaming: true}

	case ctx.EntryTopology == TopologyDirect:
		if ctx.SSESupported {
			return Decision{Mode: ModeSSEDirect, Reason: "direct_topology_sse_capable", RuleID: "R11", Confidence: 0.9, UpstreamStreaming: true}
		}
		if ctx.WSSupported {
			return Decision{Mode: ModeWSPush, Reason: "direct_topology_ws_capable", RuleID: "R11", Confidence: 0.85, UpstreamStreaming: true}
		}
		return Decision{Mode: ModeAsyncJob, Reason: "direct_topology_no_streaming_capability", RuleID: "R11", Confidence: 0.5}

	case !ctx.PersistenceAllowed:
		return Decision{Mode: ModeSSEDirect, Reason: "stateless_path_requires_sse", RuleID: "R12", Confidence: 0.7, UpstreamStreaming: true}

	default:
		if ctx.SSESupported {
			return Decision{Mode: ModeSSEDirect, Reason: "default_sse_capable", RuleID: "R13", Confidence: 0.5, UpstreamStreaming: true}
		}
		return Decision{Mode: ModeAsyncJob, Reason: "default_no_sse_capability", RuleID: "R13", Confidence: 0.4}
	}
}

// Fallback produces a decision after a transport failure: mode is forced to
// ASYNC_JOB, isFallback is set, and the original mode/reason are recorded.
// Per the spec, fallback is a success path, not an exception.
func Fallback(ctx Context, original Mode, reason string) Decision {
	d := Decision{
		Mode:           ModeAsyncJob,
		Reason:         "fallback_" + reason,
		IsFallback:     true,
		OriginalMode:   original,
		FallbackReason: reason,
		Confidence:     1,
		RuleID:         "FALLBACK",
	}
	return validate(d)
}

func validate(d Decision) Decision {
	if d.Reason == "" {
		panic("policy: decision without reason is invalid")
	}
	log.Printf("policy decision mode=%s reason=%s rule=%s fallback=%v", d.Mode, d.Reason, d.RuleID, d.IsFallback)
	return d
}

// FailureKind enumerates the reasons Fallback is invoked, used to build the
// "reason" string passed to Fallback.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureNon2xx           FailureKind = "non_2xx_establishment"
	FailureFirstByteTimeout FailureKind = "ttfb_exceeded"
	FailureFlush            FailureKind = "flush_failure"
)

// String renders a FailureKind for inclusion in a fallback reason.
func (f FailureKind) String() string {
	return fmt.Sprintf("%s", string(f))
}
