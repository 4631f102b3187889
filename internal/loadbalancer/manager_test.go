package loadbalancer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManagerPoolCreatesOnFirstAccess(t *testing.T) {
	m := NewManager("round-robin")
	p1 := m.Pool("default")
	p2 := m.Pool("default")
	if p1 != p2 {
		t.Error("Pool should return the same instance for the same name")
	}
	defer p1.Stop()
}

func TestLoadPoolsFileRegistersInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.toml")
	contents := `
[[pools]]
name = "default"
strategy = "least-connections"

[[pools.instances]]
id = "A"
host = "a.local"
port = 9001
protocol = "http"
weight = 5

[[pools.instances]]
id = "B"
host = "b.local"
port = 9002
protocol = "http"
weight = 1
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := NewManager("round-robin")
	if err := m.LoadPoolsFile(path); err != nil {
		t.Fatalf("LoadPoolsFile: %v", err)
	}

	snap := m.Snapshot()
	instances, ok := snap["default"]
	if !ok {
		t.Fatal("expected a \"default\" pool to be created from the file")
	}
	if len(instances) != 2 {
		t.Fatalf("len(instances) = %d, want 2", len(instances))
	}
}

func TestLoadPoolsFileReloadReplacesInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.toml")
	write := func(contents string) {
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	write(`
[[pools]]
name = "default"
[[pools.instances]]
id = "A"
host = "a.local"
port = 1
protocol = "http"
weight = 1
`)
	m := NewManager("round-robin")
	if err := m.LoadPoolsFile(path); err != nil {
		t.Fatalf("LoadPoolsFile: %v", err)
	}

	write(`
[[pools]]
name = "default"
[[pools.instances]]
id = "B"
host = "b.local"
port = 2
protocol = "http"
weight = 1
`)
	if err := m.LoadPoolsFile(path); err != nil {
		t.Fatalf("LoadPoolsFile (reload): %v", err)
	}

	snap := m.Snapshot()["default"]
	if len(snap) != 1 || snap[0].ID != "B" {
		t.Errorf("expected reload to replace the instance list with just B, got %v", snap)
	}
}
