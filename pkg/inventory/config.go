package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the complete configuration for execd
type Config struct {
	SSH      SSHConfig            `toml:"ssh"`
	Exec     ExecConfig           `toml:"exec"`
	Registry RegistryConfig       `toml:"registry"`
	Pool     PoolConfig           `toml:"pool"`
	Audit    AuditConfig          `toml:"audit"`
	Server   ServerConfig         `toml:"server"`
	Log      LogConfig            `toml:"log"`
	Hosts    map[string]HostGroup `toml:"hosts"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level    string `toml:"level"`     // debug, info, warn, error
	Output   string `toml:"output"`    // stdout, stderr, or file path
	NoColor  bool   `toml:"no_color"`  // disable colored output
	ShowTime bool   `toml:"show_time"` // show timestamp
}

// SSHConfig contains default settings for SSH connections
type SSHConfig struct {
	User           string `toml:"user"`
	Port           int    `toml:"port"`
	KeyPath        string `toml:"key_path"`        // fleet default private key
	PublicKeyPath  string `toml:"public_key_path"` // installed by host verification
	UseAgent       bool   `toml:"use_agent"`       // fall back to ssh-agent signers
	Timeout        string `toml:"timeout"`         // connect timeout
	KnownHostsPath string `toml:"known_hosts"`
	StrictHostKey  bool   `toml:"strict_host_key"`
}

// ExecConfig contains default execution settings
type ExecConfig struct {
	Parallel        int    `toml:"parallel"`
	Timeout         string `toml:"timeout"` // per host
	Shell           string `toml:"shell"`
	AbortOnFailure  bool   `toml:"abort_on_failure"`
	WorkDir         string `toml:"work_dir"`         // local scratch for playbook runs
	AnsiblePlaybook string `toml:"ansible_playbook"` // ansible-playbook binary
}

// RegistryConfig selects the run registry backend.
type RegistryConfig struct {
	Backend       string      `toml:"backend"` // memory or redis
	TTL           string      `toml:"ttl"`
	SweepInterval string      `toml:"sweep_interval"`
	Redis         RedisConfig `toml:"redis"`
}

// RedisConfig is used when the registry backend is redis.
type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// PoolConfig bounds the number of runs executing at once.
type PoolConfig struct {
	Workers         int    `toml:"workers"`
	Queue           int    `toml:"queue"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// AuditConfig selects where execution history is written.
type AuditConfig struct {
	Backend string `toml:"backend"` // sqlite or memory
	Path    string `toml:"path"`
}

// ServerConfig configures the network boundaries.
type ServerConfig struct {
	HTTPAddr        string `toml:"http_addr"`
	GRPCAddr        string `toml:"grpc_addr"`
	SubmitterHeader string `toml:"submitter_header"`
}

// HostGroup is either a named group of addresses or, when keyed by an
// address, the overrides for a single host.
type HostGroup struct {
	ID        int64    `toml:"id"`   // host directory id, single hosts only
	Name      string   `toml:"name"` // display name, single hosts only
	Addresses []string `toml:"addresses"`
	User      string   `toml:"user"`
	Port      int      `toml:"port"`
	KeyPath   string   `toml:"key_path"`
	Password  string   `toml:"password"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		SSH: SSHConfig{
			Port:           22,
			KeyPath:        "~/.ssh/id_rsa",
			PublicKeyPath:  "",
			UseAgent:       true,
			Timeout:        "10s",
			KnownHostsPath: "~/.ssh/known_hosts",
		},
		Exec: ExecConfig{
			Parallel:        10,
			Timeout:         "5m",
			Shell:           "/bin/sh",
			AnsiblePlaybook: "ansible-playbook",
		},
		Registry: RegistryConfig{
			Backend:       "memory",
			TTL:           "1h",
			SweepInterval: "1m",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "execd:result:",
			},
		},
		Pool: PoolConfig{
			Workers:         8,
			Queue:           64,
			ShutdownTimeout: "30s",
		},
		Audit: AuditConfig{
			Backend: "sqlite",
			Path:    "~/.execd/history.db",
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			SubmitterHeader: "X-Execd-User",
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
		Hosts: make(map[string]HostGroup),
	}
}

// Inventory holds the configuration and serves as the host directory.
type Inventory struct {
	mu     sync.RWMutex
	config *Config
	path   string
}

// DefaultPath is ~/.execd/config.toml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".execd", "config.toml")
}

// New creates an Inventory, reading configPath when the file exists.
func New(configPath string) (*Inventory, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}

	inv := &Inventory{
		config: DefaultConfig(),
		path:   configPath,
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := inv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	return inv, nil
}

// NewFromConfig wraps an in-memory configuration.
func NewFromConfig(cfg *Config) *Inventory {
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]HostGroup)
	}
	return &Inventory{config: cfg}
}

// Load loads configuration from file over the defaults.
func (inv *Inventory) Load() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return err
	}
	if err := config.validate(); err != nil {
		return err
	}

	inv.config = config
	return nil
}

// Save saves configuration to file
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if inv.path == "" {
		return fmt.Errorf("inventory has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(inv.path), 0755); err != nil {
		return err
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
		return err
	}

	return os.WriteFile(inv.path, []byte(buf.String()), 0600)
}

func (c *Config) validate() error {
	durations := map[string]string{
		"ssh.timeout":             c.SSH.Timeout,
		"exec.timeout":            c.Exec.Timeout,
		"registry.ttl":            c.Registry.TTL,
		"registry.sweep_interval": c.Registry.SweepInterval,
		"pool.shutdown_timeout":   c.Pool.ShutdownTimeout,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Registry.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("registry.backend: unknown backend %q", c.Registry.Backend)
	}
	switch c.Audit.Backend {
	case "", "sqlite", "memory", "none":
	default:
		return fmt.Errorf("audit.backend: unknown backend %q", c.Audit.Backend)
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ConnectTimeout is the SSH dial and handshake timeout.
func (c *Config) ConnectTimeout() time.Duration { return parseDuration(c.SSH.Timeout, 10*time.Second) }

// HostTimeout is the default wall-clock limit for one host's execution.
func (c *Config) HostTimeout() time.Duration { return parseDuration(c.Exec.Timeout, 5*time.Minute) }

// RegistryTTL is the lifetime of a run registry entry.
func (c *Config) RegistryTTL() time.Duration { return parseDuration(c.Registry.TTL, time.Hour) }

// SweepInterval is how often expired registry entries are reclaimed.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Registry.SweepInterval, time.Minute)
}

// ShutdownTimeout bounds how long shutdown waits for in-flight runs.
func (c *Config) ShutdownTimeout() time.Duration {
	return parseDuration(c.Pool.ShutdownTimeout, 30*time.Second)
}

// GetConfig returns complete configuration
func (inv *Inventory) GetConfig() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}

// GetDefaultParallel returns default parallel count
func (inv *Inventory) GetDefaultParallel() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if inv.config.Exec.Parallel <= 0 {
		return 10
	}
	return inv.config.Exec.Parallel
}

// ExpandPath expands ~ in path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		return home
	}

	return path
}
