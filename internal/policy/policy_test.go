package policy

import "testing"

func baseContext() Context {
	return Context{
		RequestID:          "req-1",
		ClientType:         ClientBrowser,
		EntryTopology:      TopologyDirect,
		StreamingRequested: true,
		SSESupported:       true,
		PersistenceAllowed: true,
	}
}

func TestDecideEveryRuleProducesANonEmptyReason(t *testing.T) {
	cases := []struct {
		name string
		ctx  Context
		mode Mode
		rule string
	}{
		{
			name: "R1 api gateway blocks streaming",
			ctx:  setf(baseContext(), func(c *Context) { c.EntryTopology = TopologyAPIGateway }),
			mode: ModeAsyncJob, rule: "R1",
		},
		{
			name: "R2 cdn blocks streaming",
			ctx:  setf(baseContext(), func(c *Context) { c.EntryTopology = TopologyCDN }),
			mode: ModeAsyncJob, rule: "R2",
		},
		{
			name: "R3 latency ceiling",
			ctx:  setf(baseContext(), func(c *Context) { c.ExpectedLatencySecs = 100 }),
			mode: ModeAsyncJob, rule: "R3",
		},
		{
			name: "R4 no streaming capability",
			ctx:  setf(baseContext(), func(c *Context) { c.SSESupported = false; c.WSSupported = false }),
			mode: ModeSync, rule: "R4",
		},
		{
			name: "R5 streaming not requested",
			ctx:  setf(baseContext(), func(c *Context) { c.StreamingRequested = false }),
			mode: ModeSync, rule: "R5",
		},
		{
			name: "R6 sdk prefers websocket",
			ctx:  setf(baseContext(), func(c *Context) { c.WSSupported = true; c.ClientType = ClientSDK }),
			mode: ModeWSPush, rule: "R6",
		},
		{
			name: "R7 unknown topology browser sse capable",
			ctx:  setf(baseContext(), func(c *Context) { c.EntryTopology = TopologyUnknown }),
			mode: ModeSSEDirect, rule: "R7",
		},
		{
			name: "R7 unknown topology conservative async",
			ctx: setf(baseContext(), func(c *Context) {
				c.EntryTopology = TopologyUnknown
				c.ClientType = ClientCLI
				c.SSESupported = false
				c.WSSupported = true
			}),
			mode: ModeAsyncJob, rule: "R7",
		},
		{
			name: "R8 reverse proxy direct streaming safe",
			ctx:  setf(baseContext(), func(c *Context) { c.EntryTopology = TopologyReverseProxy }),
			mode: ModeSSEDirect, rule: "R8",
		},
		{
			name: "R9 alb buffering risk",
			ctx:  setf(baseContext(), func(c *Context) { c.EntryTopology = TopologyALB }),
			mode: ModeAsyncJob, rule: "R9",
		},
		{
			name: "R10 nlb direct streaming safe",
			ctx:  setf(baseContext(), func(c *Context) { c.EntryTopology = TopologyNLB }),
			mode: ModeSSEDirect, rule: "R10",
		},
		{
			name: "R11 direct topology sse capable",
			ctx:  baseContext(),
			mode: ModeSSEDirect, rule: "R11",
		},
		{
			name: "R11 direct topology ws capable",
			ctx:  setf(baseContext(), func(c *Context) { c.SSESupported = false; c.WSSupported = true }),
			mode: ModeWSPush, rule: "R11",
		},
		{
			name: "R4 catches no streaming capability before R11 on direct topology",
			ctx: setf(baseContext(), func(c *Context) {
				c.SSESupported = false
				c.WSSupported = false
				c.StreamingRequested = true
			}),
			// R4 fires first since it checks capability before R11 is reached.
			mode: ModeSync, rule: "R4",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.ctx)
			if d.Reason == "" {
				t.Error("decision has an empty reason")
			}
			if d.Mode != tc.mode {
				t.Errorf("Mode = %v, want %v", d.Mode, tc.mode)
			}
			if d.RuleID != tc.rule {
				t.Errorf("RuleID = %v, want %v", d.RuleID, tc.rule)
			}
		})
	}
}

func TestDecideR12NoPersistenceForcesSSE(t *testing.T) {
	ctx := setf(baseContext(), func(c *Context) {
		c.EntryTopology = Topology("SOMETHING_UNMATCHED")
		c.PersistenceAllowed = false
	})
	d := Decide(ctx)
	if d.RuleID != "R12" || d.Mode != ModeSSEDirect {
		t.Errorf("got mode=%v rule=%v, want SSE_DIRECT/R12", d.Mode, d.RuleID)
	}
}

func TestDecideR13DefaultFallsThroughOnUnmatchedTopology(t *testing.T) {
	ctx := setf(baseContext(), func(c *Context) {
		c.EntryTopology = Topology("SOMETHING_UNMATCHED")
	})
	d := Decide(ctx)
	if d.RuleID != "R13" || d.Mode != ModeSSEDirect {
		t.Errorf("got mode=%v rule=%v, want SSE_DIRECT/R13", d.Mode, d.RuleID)
	}
}

func TestFallbackForcesAsyncJobAndRecordsOriginal(t *testing.T) {
	d := Fallback(baseContext(), ModeSSEDirect, string(FailureTimeout))
	if d.Mode != ModeAsyncJob {
		t.Errorf("Mode = %v, want ASYNC_JOB", d.Mode)
	}
	if !d.IsFallback {
		t.Error("expected IsFallback true")
	}
	if d.OriginalMode != ModeSSEDirect {
		t.Errorf("OriginalMode = %v, want SSE_DIRECT", d.OriginalMode)
	}
	if d.Reason == "" {
		t.Error("fallback decision must carry a non-empty reason")
	}
}

func TestDecidePanicsNeverObservedThroughPublicAPI(t *testing.T) {
	// Decide/Fallback always set a non-empty Reason internally, so validate's
	// panic path should be unreachable through the exported API; this just
	// pins that every rule branch in decide() sets Reason.
	for _, topology := range []Topology{
		TopologyDirect, TopologyAPIGateway, TopologyCDN, TopologyALB,
		TopologyNLB, TopologyReverseProxy, TopologyUnknown, Topology("X"),
	} {
		ctx := setf(baseContext(), func(c *Context) { c.EntryTopology = topology })
		if Decide(ctx).Reason == "" {
			t.Errorf("topology %v produced an empty reason", topology)
		}
	}
}

func setf(c Context, f func(*Context)) Context {
	f(&c)
	return c
}
