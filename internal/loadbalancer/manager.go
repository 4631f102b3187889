package loadbalancer

import (
	"fmt"
	"log"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Manager owns every named Pool, keyed by pool name. Registration of new
// pools is rare relative to selection, so a plain RWMutex-guarded map is
// used here rather than the channel-actor pattern each individual Pool
// uses internally for its own instance list.
type Manager struct {
	mu            sync.RWMutex
	pools         map[string]*Pool
	defaultPolicy string

	watcher *fsnotify.Watcher
}

// NewManager returns an empty Manager using defaultStrategy for any pool
// created without an explicit strategy override.
func NewManager(defaultStrategy string) *Manager {
	return &Manager{pools: make(map[string]*Pool), defaultPolicy: defaultStrategy}
}

// Pool returns the named pool, creating it with the manager's default
// strategy if it doesn't exist yet.
func (m *Manager) Pool(name string) *Pool {
	m.mu.RLock()
	p, ok := m.pools[name]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[name]; ok {
		return p
	}
	p = NewPool(name, NewStrategy(m.defaultPolicy), unhealthyThresholdDefault)
	m.pools[name] = p
	return p
}

// poolConfig is the on-disk shape of one [[pools]] entry in the hot-reload
// file.
type poolConfig struct {
	Name      string `toml:"name"`
	Strategy  string `toml:"strategy"`
	Instances []struct {
		ID       string `toml:"id"`
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Protocol string `toml:"protocol"`
		Weight   int    `toml:"weight"`
	} `toml:"instances"`
}

type poolsFile struct {
	Pools []poolConfig `toml:"pools"`
}

// LoadPoolsFile parses a TOML pools file and replaces each named pool's
// instance list via Reload, creating pools that don't exist yet.
func (m *Manager) LoadPoolsFile(path string) error {
	var pf poolsFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return fmt.Errorf("loadbalancer: parse pools file: %w", err)
	}

	for _, pc := range pf.Pools {
		strategy := pc.Strategy
		if strategy == "" {
			strategy = m.defaultPolicy
		}

		m.mu.Lock()
		p, ok := m.pools[pc.Name]
		if !ok {
			p = NewPool(pc.Name, NewStrategy(strategy), unhealthyThresholdDefault)
			m.pools[pc.Name] = p
		}
		m.mu.Unlock()

		instances := make([]*Instance, 0, len(pc.Instances))
		for _, ic := range pc.Instances {
			instances = append(instances, NewInstance(ic.ID, ic.Host, ic.Port, ic.Protocol, ic.Weight))
		}
		p.Reload(instances)
	}
	return nil
}

// WatchPoolsFile watches path for writes via fsnotify and reloads the
// pool registry on every change, letting operators add/drain instances
// without a gateway restart (spec §4.11).
func (m *Manager) WatchPoolsFile(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loadbalancer: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("loadbalancer: watch pools file: %w", err)
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := m.LoadPoolsFile(path); err != nil {
						log.Printf("loadbalancer: reload failed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("loadbalancer: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Snapshot returns each pool the manager currently holds, keyed by pool
// name, with that pool's instance snapshot, for the admin surface.
func (m *Manager) Snapshot() map[string][]*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]*Instance, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Snapshot()
	}
	return out
}
