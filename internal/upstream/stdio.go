package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/hant916/MCP-Gateway-sub002/internal/stream"
)

// STDIOConnector launches a configured upstream command with arguments —
// never a shell interpretation of the session token (Open Question ii in
// the design notes) — and turns its stdout lines into TEXT tokens and
// stderr lines into ERROR-metadata tokens.
type STDIOConnector struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	mu     sync.Mutex
	closed bool

	sessionID string
	registry  *PIDRegistry
}

// STDIOCommand configures the upstream command a STDIOConnector spawns.
type STDIOCommand struct {
	Path string
	Args []string
	Env  []string
}

// OpenSTDIO spawns cmd's configured command, registering its PID in
// registry under sessionID when registry is non-nil.
func OpenSTDIO(ctx context.Context, sessionID string, cmdCfg STDIOCommand, registry *PIDRegistry) (*STDIOConnector, error) {
	cmd := exec.CommandContext(ctx, cmdCfg.Path, cmdCfg.Args...)
	if len(cmdCfg.Env) > 0 {
		cmd.Env = cmdCfg.Env
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("upstream: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("upstream: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("upstream: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("upstream: start stdio upstream: %w", err)
	}

	if registry != nil {
		if err := registry.Register(sessionID, cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("upstream: register pid: %w", err)
		}
	}

	return &STDIOConnector{
		cmd:       cmd,
		stdin:     stdinPipe.(*os.File),
		stdout:    stdoutPipe.(*os.File),
		stderr:    stderrPipe.(*os.File),
		sessionID: sessionID,
		registry:  registry,
	}, nil
}

// Tokens streams stdout lines as TEXT tokens and stderr lines as
// ERROR-metadata tokens until the process exits. Sequence numbers are
// assigned by the caller's StreamBuffer on Append, not here.
func (s *STDIOConnector) Tokens() <-chan stream.Token {
	out := make(chan stream.Token)
	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(r *os.File, tokenType stream.TokenType) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			out <- stream.Token{Type: tokenType, Text: scanner.Text(), Timestamp: time.Now()}
		}
	}

	go pump(s.stdout, stream.TokenText)
	go pump(s.stderr, stream.TokenError)
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Send writes an envelope as a JSON line to the child's stdin. ctx is
// checked before writing so a cancelled caller never blocks on a wedged
// pipe; the write itself is not otherwise context-aware.
func (s *STDIOConnector) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("upstream: send on closed stdio connector")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(append(body, '\n'))
	return err
}

// Close terminates the child process and deregisters its PID, idempotent
// across repeated calls and safe on every exit path.
func (s *STDIOConnector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.registry != nil {
		_ = s.registry.Deregister(s.sessionID)
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.stdin.Close()
	_, _ = s.cmd.Process.Wait()
	return nil
}

// PIDRegistry is a flock-guarded JSON file mapping session id -> child
// PID, adapted from the teacher's AtomicFileOperations
// (internal/discovery/atomic_ops.go), which used the same gofrs/flock
// guard around a JSON instance file. Here it guards the STDIO child
// registry instead of MCP instance discovery records. The registry only
// records PIDs: no code consults it before spawning a command.
type PIDRegistry struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
}

// NewPIDRegistry returns a registry backed by path, creating its parent
// directory if needed.
func NewPIDRegistry(path string) (*PIDRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &PIDRegistry{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: 30 * time.Second,
	}, nil
}

func (r *PIDRegistry) withLock(fn func(entries map[string]int) (map[string]int, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()

	locked, err := r.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("upstream: acquire pid registry lock: %w", err)
	}
	defer r.lock.Unlock()

	entries := map[string]int{}
	if data, err := os.ReadFile(r.path); err == nil {
		_ = json.Unmarshal(data, &entries)
	}

	updated, err := fn(entries)
	if err != nil {
		return err
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0644)
}

// Register records sessionID -> pid.
func (r *PIDRegistry) Register(sessionID string, pid int) error {
	return r.withLock(func(entries map[string]int) (map[string]int, error) {
		entries[sessionID] = pid
		return entries, nil
	})
}

// Deregister removes sessionID's entry.
func (r *PIDRegistry) Deregister(sessionID string) error {
	return r.withLock(func(entries map[string]int) (map[string]int, error) {
		delete(entries, sessionID)
		return entries, nil
	})
}

// Snapshot returns a copy of every registered session->pid pair. Nothing in
// the gateway reads it to reap children left by a crashed gateway process.
func (r *PIDRegistry) Snapshot() (map[string]int, error) {
	var out map[string]int
	err := r.withLock(func(entries map[string]int) (map[string]int, error) {
		out = make(map[string]int, len(entries))
		for k, v := range entries {
			out[k] = v
		}
		return entries, nil
	})
	return out, err
}
