// Package config handles configuration loading and runtime updates,
// following the same shape as the teacher's scrubber config: a single
// YAML-backed struct with defaults, validation, and a mutex around the
// fields that change at runtime.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the top-level otto-bgp configuration.
type Config struct {
	mu sync.RWMutex

	LogLevel string `yaml:"log_level"` // "debug", "info", "warn", "error"

	SetupMode bool `yaml:"setup_mode"`

	SSH       SSHConfig       `yaml:"ssh"`
	HostKeys  HostKeyConfig   `yaml:"host_keys"`
	RPKI      RPKIConfig      `yaml:"rpki"`
	Cache     CacheConfig     `yaml:"cache"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Generator GeneratorConfig `yaml:"generator"`
	IRRProxy  IRRProxyConfig  `yaml:"irr_proxy"`
	NETCONF   NETCONFConfig   `yaml:"netconf"`
	Rollout   RolloutConfig   `yaml:"rollout"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// SSHConfig controls collection connections (spec §4.2, §6).
type SSHConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	KeyPath        string `yaml:"key_path"`
	MaxWorkers     int    `yaml:"max_workers"`
	DeviceListPath string `yaml:"device_list_path"`
}

// HostKeyConfig controls host-key verification (spec §4.1).
type HostKeyConfig struct {
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// RPKIConfig controls the RPKI validator (spec §4.8).
type RPKIConfig struct {
	Enabled         bool   `yaml:"enabled"`
	VRPSnapshotPath string `yaml:"vrp_snapshot_path"`
	MaxVRPAgeHours  int    `yaml:"max_vrp_age_hours"`
	FailClosed      bool   `yaml:"fail_closed"`
	Workers         int    `yaml:"workers"`
}

// CacheConfig controls the policy cache backing store (spec §4.5, §6).
type CacheConfig struct {
	RedisAddr  string `yaml:"redis_addr"`
	DefaultTTL int    `yaml:"default_ttl_seconds"`
}

// DiscoveryConfig controls discovery persistence (spec §4.4).
type DiscoveryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	HistoryDir    string   `yaml:"history_dir"`
}

// GeneratorConfig controls the bgpq4 wrapper (spec §4.7).
type GeneratorConfig struct {
	BinaryPath   string `yaml:"binary_path"`
	BatchWorkers int    `yaml:"batch_workers"`
	OutputDir    string `yaml:"output_dir"`
	CombinedFile bool   `yaml:"combined_file"`
}

// IRRProxyConfig controls SSH-tunneled IRR access (spec §4.6).
type IRRProxyConfig struct {
	Enabled  bool         `yaml:"enabled"`
	JumpHost string       `yaml:"jump_host"`
	Tunnels  []TunnelSpec `yaml:"tunnels"`
}

// TunnelSpec describes one named local-forward tunnel.
type TunnelSpec struct {
	Name       string `yaml:"name"`
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// NETCONFConfig controls the applier (spec §4.12).
type NETCONFConfig struct {
	Port            int `yaml:"port"`
	ConnectTimeoutS int `yaml:"connect_timeout_seconds"`
	ConfirmTimeoutS int `yaml:"confirm_timeout_seconds"`
}

// RolloutConfig controls the coordinator's defaults (spec §4.13).
type RolloutConfig struct {
	DefaultConcurrency int      `yaml:"default_concurrency"`
	EtcdEndpoints      []string `yaml:"etcd_endpoints"`
}

// GuardrailConfig names the active guardrail rules and mode (spec §4.10).
type GuardrailConfig struct {
	ActiveRules    []string `yaml:"active_rules"`
	Mode           string   `yaml:"mode"` // "autonomous" or "manual"
	PrefixCountMax int      `yaml:"prefix_count_max"`
}

// APIConfig controls the read-only status surface (spec §4.14 / C15).
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// TelemetryConfig controls the Prometheus metrics collector (ambient
// concern, carried per SPEC_FULL.md's DOMAIN STACK even though spec.md
// treats metrics/UI as out of scope for the core pipeline logic).
type TelemetryConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// TimeoutConfig mirrors the environment-tunable timeouts in spec §6.
type TimeoutConfig struct {
	ProcessSeconds int `yaml:"process_seconds"`
	ThreadSeconds  int `yaml:"thread_seconds"`
	NetworkSeconds int `yaml:"network_seconds"`
	SSHSeconds     int `yaml:"ssh_seconds"`
	NETCONFSeconds int `yaml:"netconf_seconds"`
	BatchSeconds   int `yaml:"batch_seconds"`
	RPKISeconds    int `yaml:"rpki_seconds"`
}

// DefaultConfig returns a configuration with the defaults named in spec §6.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		SetupMode: false,
		SSH: SSHConfig{
			MaxWorkers:     5,
			DeviceListPath: "devices.csv",
		},
		HostKeys: HostKeyConfig{
			KnownHostsPath: "/var/lib/otto-bgp/ssh-keys/known_hosts",
		},
		RPKI: RPKIConfig{
			Enabled:         true,
			VRPSnapshotPath: "/var/lib/otto-bgp/rpki/vrp.json",
			MaxVRPAgeHours:  24,
			FailClosed:      true,
			Workers:         4,
		},
		Cache: CacheConfig{
			RedisAddr:  "127.0.0.1:6379",
			DefaultTTL: 3600,
		},
		Discovery: DiscoveryConfig{
			EtcdEndpoints: []string{"127.0.0.1:2379"},
			HistoryDir:    "discovered/history",
		},
		Generator: GeneratorConfig{
			BinaryPath:   "bgpq4",
			BatchWorkers: 4,
			OutputDir:    "routers",
			CombinedFile: false,
		},
		IRRProxy: IRRProxyConfig{Enabled: false},
		NETCONF: NETCONFConfig{
			Port:            830,
			ConnectTimeoutS: 30,
			ConfirmTimeoutS: 120,
		},
		Rollout: RolloutConfig{
			DefaultConcurrency: 5,
			EtcdEndpoints:      []string{"127.0.0.1:2379"},
		},
		Guardrail: GuardrailConfig{
			ActiveRules:    []string{"prefix_count", "bogon_check", "rpki_validation", "session_impact"},
			Mode:           "manual",
			PrefixCountMax: 500000,
		},
		API:       APIConfig{Listen: "127.0.0.1:9091"},
		Telemetry: TelemetryConfig{PollIntervalSeconds: 15},
		Timeouts: TimeoutConfig{
			ProcessSeconds: 30,
			ThreadSeconds:  60,
			NetworkSeconds: 10,
			SSHSeconds:     15,
			NETCONFSeconds: 45,
			BatchSeconds:   300,
			RPKISeconds:    120,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, layering it over the
// defaults and validating the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency, including
// the spec §4.10 rule that RPKI-enabled configs must activate the
// rpki_validation guardrail.
func (c *Config) Validate() error {
	if c.SSH.MaxWorkers < 1 {
		return fmt.Errorf("ssh.max_workers must be >= 1")
	}
	if c.RPKI.MaxVRPAgeHours < 1 {
		return fmt.Errorf("rpki.max_vrp_age_hours must be >= 1")
	}
	switch c.Guardrail.Mode {
	case "autonomous", "manual":
	default:
		return fmt.Errorf("invalid guardrail.mode: %s (must be autonomous or manual)", c.Guardrail.Mode)
	}
	if c.RPKI.Enabled && !hasRule(c.Guardrail.ActiveRules, "rpki_validation") {
		return fmt.Errorf("rpki enabled but rpki_validation guardrail rule is not active")
	}
	return nil
}

func hasRule(rules []string, name string) bool {
	for _, r := range rules {
		if r == name {
			return true
		}
	}
	return false
}

// SaveToFile writes the current configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// GetGuardrailConfig returns the current guardrail config (thread-safe).
func (c *Config) GetGuardrailConfig() GuardrailConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Guardrail
}

// SetGuardrailConfig updates the guardrail config (thread-safe).
func (c *Config) SetGuardrailConfig(g GuardrailConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Guardrail = g
}
