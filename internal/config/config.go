// Package config handles toolrelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolrelay/config.yaml, /etc/toolrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/toolrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolrelay configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" (default) or "json"
	DataDir   string        `yaml:"data_dir"`
	Client    ClientConfig  `yaml:"client"`
	Pool      PoolConfig    `yaml:"pool"`
	Bridge    BridgeConfig  `yaml:"bridge"`
	Servers   []MCPServer   `yaml:"servers"`
	CallLog   CallLogConfig `yaml:"call_log"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
}

// MCPServer describes one tool-hosting MCP server. Exactly one of
// Command or URL must be set.
type MCPServer struct {
	Name string `yaml:"name"`

	// Command and Args launch a stdio server as a subprocess.
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	WorkingDir string            `yaml:"working_dir"`
	Env        map[string]string `yaml:"env"`

	// URL reaches a remote server. http(s) selects the HTTP transport,
	// ws(s) the WebSocket transport.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// InsecureSkipVerify accepts any TLS certificate from the server.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// IncludeTools, when non-empty, limits bridging to these tool names.
	IncludeTools []string `yaml:"include_tools"`
	// ExcludeTools skips these tool names. Ignored when IncludeTools is set.
	ExcludeTools []string `yaml:"exclude_tools"`
}

// ClientConfig tunes the protocol client used for every connection.
type ClientConfig struct {
	// MaxAttempts is the total number of tries per request on transport
	// failure (default 3).
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelay is the delay between attempts (default 1s). With the
	// exponential strategy it is the initial delay.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Backoff selects the delay strategy: "fixed" (default) or "exponential".
	Backoff string `yaml:"backoff"`
	// MaxRetryDelay caps exponential growth (default 30s).
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// RequestTimeout bounds a single request attempt. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ConnectTimeout bounds connection creation and the initialize
	// handshake (default 30s).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// PoolConfig controls background health checking of pooled servers.
type PoolConfig struct {
	// HealthInterval is how often serve mode probes each connection
	// (default 60s).
	HealthInterval time.Duration `yaml:"health_interval"`
}

// BridgeConfig controls remote tool discovery.
type BridgeConfig struct {
	// Remotes are MCP server URLs connected at startup by URL alone.
	Remotes []string `yaml:"remotes"`
	// RetractOnDisconnect unregisters a server's proxy tools when it is
	// disconnected. By default tools outlive their discovery session.
	RetractOnDisconnect bool `yaml:"retract_on_disconnect"`
}

// CallLogConfig controls the SQLite audit log of tool calls.
type CallLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the database file. Defaults to {data_dir}/calls.db.
	Path string `yaml:"path"`
}

// MQTTConfig configures the optional event forwarder.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// StatusInterval is how often the retained status message is
	// refreshed (default 60s).
	StatusInterval time.Duration `yaml:"status_interval"`
	// MaxEventsPerSecond caps forwarded events; excess events are
	// dropped and counted (default 50).
	MaxEventsPerSecond int `yaml:"max_events_per_second"`
}

// Configured reports whether enough MQTT settings are present to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Client.MaxAttempts <= 0 {
		c.Client.MaxAttempts = 3
	}
	if c.Client.RetryDelay <= 0 {
		c.Client.RetryDelay = time.Second
	}
	if c.Client.Backoff == "" {
		c.Client.Backoff = "fixed"
	}
	if c.Client.MaxRetryDelay <= 0 {
		c.Client.MaxRetryDelay = 30 * time.Second
	}
	if c.Client.ConnectTimeout <= 0 {
		c.Client.ConnectTimeout = 30 * time.Second
	}
	if c.Pool.HealthInterval <= 0 {
		c.Pool.HealthInterval = 60 * time.Second
	}
	if c.CallLog.Path == "" {
		c.CallLog.Path = filepath.Join(c.DataDir, "calls.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "toolrelay"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "toolrelay"
	}
	if c.MQTT.StatusInterval <= 0 {
		c.MQTT.StatusInterval = 60 * time.Second
	}
	if c.MQTT.MaxEventsPerSecond <= 0 {
		c.MQTT.MaxEventsPerSecond = 50
	}
}

// Validate reports configuration problems. All problems are returned
// together so a user can fix them in one pass.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (expected text or json)", c.LogFormat))
	}
	if c.Client.Backoff != "fixed" && c.Client.Backoff != "exponential" {
		errs = append(errs, fmt.Errorf("client.backoff %q (expected fixed or exponential)", c.Client.Backoff))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("server %s: name is required", label))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("server %s: duplicate name", label))
		}
		seen[s.Name] = true

		switch {
		case s.Command == "" && s.URL == "":
			errs = append(errs, fmt.Errorf("server %s: one of command or url is required", label))
		case s.Command != "" && s.URL != "":
			errs = append(errs, fmt.Errorf("server %s: command and url are mutually exclusive", label))
		case s.URL != "" && !hasScheme(s.URL, "http://", "https://", "ws://", "wss://"):
			errs = append(errs, fmt.Errorf("server %s: unsupported url scheme in %q", label, s.URL))
		case s.Command != "" && s.InsecureSkipVerify:
			errs = append(errs, fmt.Errorf("server %s: insecure_skip_verify applies only to url servers", label))
		}
	}

	for _, r := range c.Bridge.Remotes {
		if !hasScheme(r, "http://", "https://", "ws://", "wss://") {
			errs = append(errs, fmt.Errorf("bridge remote %q: unsupported url scheme", r))
		}
	}

	return errors.Join(errs...)
}

func hasScheme(u string, schemes ...string) bool {
	lower := strings.ToLower(u)
	for _, s := range schemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}
