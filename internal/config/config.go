// Package config loads the gateway's TOML configuration file and exposes
// the mcp.* keys consumed by the resilience, policy, and load-balancer
// packages, with the defaults described in the component design.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of gateway.toml: a single top-level [mcp] table whose
// subtables match the mcp.* keys named in the component design.
type Config struct {
	MCP MCPConfig `toml:"mcp"`
}

// MCPConfig holds every mcp.* subtable.
type MCPConfig struct {
	CircuitBreaker CircuitBreakerConfig `toml:"circuit-breaker"`
	Retry          RetryConfig          `toml:"retry"`
	Timeout        TimeoutConfig        `toml:"timeout"`
	Stream         StreamConfig         `toml:"stream"`
	LoadBalancer   LoadBalancerConfig   `toml:"load-balancer"`
	Session        SessionConfig        `toml:"session"`
}

// CircuitBreakerConfig mirrors mcp.circuit-breaker.*.
type CircuitBreakerConfig struct {
	FailureRateThreshold      float64       `toml:"failure-rate-threshold"`
	SlidingWindowSize         int           `toml:"sliding-window-size"`
	MinimumNumberOfCalls      int           `toml:"minimum-number-of-calls"`
	WaitDurationInOpenState   time.Duration `toml:"wait-duration-in-open-state"`
	PermittedCallsInHalfOpen  int           `toml:"permitted-calls-in-half-open"`
	SlowCallRateThreshold     float64       `toml:"slow-call-rate-threshold"`
	SlowCallDurationThreshold time.Duration `toml:"slow-call-duration-threshold"`
}

// RetryConfig mirrors mcp.retry.*.
type RetryConfig struct {
	MaxAttempts  int           `toml:"max-attempts"`
	WaitDuration time.Duration `toml:"wait-duration"`
}

// TimeoutConfig mirrors mcp.timeout.*.
type TimeoutConfig struct {
	Duration time.Duration `toml:"duration"`
}

// StreamConfig mirrors mcp.stream.*.
type StreamConfig struct {
	MaxLatencyForStreamingSeconds int  `toml:"max-latency-for-streaming-seconds"`
	EnableSSEThroughAPIGateway    bool `toml:"enable-sse-through-api-gateway"`
	EnableSSEThroughCDN           bool `toml:"enable-sse-through-cdn"`
}

// LoadBalancerConfig mirrors mcp.load-balancer.*.
type LoadBalancerConfig struct {
	DefaultStrategy    string            `toml:"default-strategy"`
	HealthCheck        HealthCheckConfig `toml:"health-check"`
	UnhealthyThreshold int               `toml:"unhealthy-threshold"`
}

// HealthCheckConfig mirrors mcp.load-balancer.health-check.*.
type HealthCheckConfig struct {
	Interval time.Duration `toml:"interval"`
	Timeout  time.Duration `toml:"timeout"`
}

// SessionConfig mirrors mcp.session.*.
type SessionConfig struct {
	Expiration time.Duration `toml:"expiration"`
}

// Default returns the configuration with every default named in the
// component design (spec §4.5, §4.6, §4.1, §4.3).
func Default() *Config {
	return &Config{
		MCP: MCPConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureRateThreshold:      50,
				SlidingWindowSize:         10,
				MinimumNumberOfCalls:      5,
				WaitDurationInOpenState:   10 * time.Second,
				PermittedCallsInHalfOpen:  3,
				SlowCallRateThreshold:     50,
				SlowCallDurationThreshold: 2 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				WaitDuration: 500 * time.Millisecond,
			},
			Timeout: TimeoutConfig{
				Duration: 5 * time.Second,
			},
			Stream: StreamConfig{
				MaxLatencyForStreamingSeconds: 20,
				EnableSSEThroughAPIGateway:    false,
				EnableSSEThroughCDN:           false,
			},
			LoadBalancer: LoadBalancerConfig{
				DefaultStrategy: "round-robin",
				HealthCheck: HealthCheckConfig{
					Interval: 30 * time.Second,
					Timeout:  5 * time.Second,
				},
				UnhealthyThreshold: 3,
			},
			Session: SessionConfig{
				Expiration: time.Hour,
			},
		},
	}
}

// DefaultConfigPath returns the path to gateway.toml under the user's home
// config directory, creating the directory if needed.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(homeDir, ".mcp-gateway")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(configDir, "gateway.toml"), nil
}

// Load reads gateway.toml from path, layering parsed values over Default().
// A missing file is not an error; the caller gets the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
