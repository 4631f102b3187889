package loadbalancer

import (
	"testing"
	"time"
)

func TestPoolRegisterAndSelectRoundTrip(t *testing.T) {
	p := NewPool("default", &RoundRobin{}, 3)
	defer p.Stop()

	p.Register(NewInstance("A", "a.local", 80, "http", 1))
	p.Register(NewInstance("B", "b.local", 80, "http", 1))

	winner := p.SelectInstance(SelectContext{})
	if winner == nil {
		t.Fatal("expected a selected instance")
	}
	if winner.ActiveConnections() != 1 {
		t.Errorf("ActiveConnections = %d, want 1 after selection", winner.ActiveConnections())
	}
}

func TestPoolRecordSuccessAndFailureRouteToNamedInstance(t *testing.T) {
	p := NewPool("default", &RoundRobin{}, 3)
	defer p.Stop()
	p.Register(NewInstance("A", "a.local", 80, "http", 1))

	p.RecordFailure("A")
	p.RecordFailure("A")
	p.RecordFailure("A")

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(snap))
	}
	if snap[0].Available() {
		t.Error("instance should be unavailable after 3 consecutive failures")
	}

	p.RecordSuccess("A", 5*time.Millisecond)
	if !p.Snapshot()[0].Available() {
		t.Error("instance should be available again after a recorded success")
	}
}

func TestPoolSelectInstanceSkipsUnavailableInstances(t *testing.T) {
	p := NewPool("default", &RoundRobin{}, 1)
	defer p.Stop()
	p.Register(NewInstance("A", "a.local", 80, "http", 1))
	p.Register(NewInstance("B", "b.local", 80, "http", 1))

	p.RecordFailure("A") // unhealthyThreshold=1, so A is now unavailable

	for i := 0; i < 5; i++ {
		winner := p.SelectInstance(SelectContext{})
		if winner.ID != "B" {
			t.Fatalf("iteration %d: got %s, want B (A is unavailable)", i, winner.ID)
		}
	}
}

func TestPoolSelectInstanceReturnsNilWhenNoneAvailable(t *testing.T) {
	p := NewPool("default", &RoundRobin{}, 1)
	defer p.Stop()
	p.Register(NewInstance("A", "a.local", 80, "http", 1))
	p.RecordFailure("A")

	if got := p.SelectInstance(SelectContext{}); got != nil {
		t.Errorf("SelectInstance = %v, want nil with no available instances", got)
	}
}

func TestPoolReloadReplacesInstanceList(t *testing.T) {
	p := NewPool("default", &RoundRobin{}, 3)
	defer p.Stop()
	p.Register(NewInstance("A", "a.local", 80, "http", 1))

	p.Reload([]*Instance{
		NewInstance("X", "x.local", 80, "http", 1),
		NewInstance("Y", "y.local", 80, "http", 1),
	})

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	ids := map[string]bool{snap[0].ID: true, snap[1].ID: true}
	if !ids["X"] || !ids["Y"] {
		t.Errorf("expected reloaded instances X and Y, got %v", snap)
	}
}
