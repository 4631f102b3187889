package loadbalancer

import "testing"

func TestSmoothWeightedRoundRobinCanonicalSequence(t *testing.T) {
	a := NewInstance("A", "a.local", 80, "http", 5)
	b := NewInstance("B", "b.local", 80, "http", 1)
	c := NewInstance("C", "c.local", 80, "http", 1)
	pool := []*Instance{a, b, c}

	s := &SmoothWeightedRoundRobin{}
	want := []string{"A", "A", "B", "A", "C", "A", "A"}
	for i, w := range want {
		got := s.Select(pool, SelectContext{})
		if got.ID != w {
			t.Fatalf("pick %d: got %s, want %s", i, got.ID, w)
		}
	}
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	a := NewInstance("A", "h", 1, "http", 1)
	b := NewInstance("B", "h", 1, "http", 1)
	r := &RoundRobin{}
	seq := []*Instance{a, b}
	for i := 0; i < 4; i++ {
		got := r.Select(seq, SelectContext{})
		if got != seq[i%2] {
			t.Errorf("pick %d: got %s, want %s", i, got.ID, seq[i%2].ID)
		}
	}
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	a := NewInstance("A", "h", 1, "http", 1)
	b := NewInstance("B", "h", 1, "http", 1)
	a.acquire()
	a.acquire()
	l := &LeastConnections{}
	got := l.Select([]*Instance{a, b}, SelectContext{})
	if got.ID != "B" {
		t.Errorf("got %s, want B (fewer active connections)", got.ID)
	}
}

func TestLeastResponseTimePrefersZeroHistoryOverSlowHistory(t *testing.T) {
	a := NewInstance("A", "h", 1, "http", 1)
	b := NewInstance("B", "h", 1, "http", 1)
	a.acquire()
	a.recordSuccess(1_500_000_000, 3) // 1500ms, slower than the 1000/weight zero-history score
	l := &LeastResponseTime{}
	got := l.Select([]*Instance{a, b}, SelectContext{})
	if got.ID != "B" {
		t.Errorf("got %s, want B (no history should score better than a slow instance)", got.ID)
	}
}

func TestIPHashIsStickyForTheSameKey(t *testing.T) {
	a := NewInstance("A", "h", 1, "http", 1)
	b := NewInstance("B", "h", 1, "http", 1)
	c := NewInstance("C", "h", 1, "http", 1)
	available := []*Instance{a, b, c}
	h := &IPHash{}
	ctx := SelectContext{SessionID: "sess-1", ClientIP: "10.0.0.5", UserID: "u1"}

	first := h.Select(available, ctx)
	for i := 0; i < 10; i++ {
		got := h.Select(available, ctx)
		if got.ID != first.ID {
			t.Fatalf("iteration %d: got %s, want sticky %s", i, got.ID, first.ID)
		}
	}
}

func TestIPHashDiffersAcrossAvailableSetWhenKeyChanges(t *testing.T) {
	a := NewInstance("A", "h", 1, "http", 1)
	b := NewInstance("B", "h", 1, "http", 1)
	available := []*Instance{a, b}
	h := &IPHash{}

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ctx := SelectContext{SessionID: string(rune('a' + i))}
		seen[h.Select(available, ctx).ID] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected both instances to be reachable across varied keys, got %v", seen)
	}
}

func TestNewStrategyResolvesByName(t *testing.T) {
	cases := map[string]string{
		"weighted-round-robin": "weighted-round-robin",
		"least-connections":    "least-connections",
		"least-response-time":  "least-response-time",
		"ip-hash":              "ip-hash",
		"random":               "random",
		"round-robin":          "round-robin",
		"unknown-name":         "round-robin",
	}
	for name, want := range cases {
		if got := NewStrategy(name).Name(); got != want {
			t.Errorf("NewStrategy(%q).Name() = %q, want %q", name, got, want)
		}
	}
}
