package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Egress     EgressConfig     `yaml:"egress"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Registry   RegistryConfig   `yaml:"registry"`
	Database   DatabaseConfig   `yaml:"database"`
	Keys       KeysConfig       `yaml:"keys"`
	Logging    LoggingConfig    `yaml:"logging"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type DispatcherConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	MaxResultBytes int           `yaml:"max_result_bytes"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	// ExecutorURLs maps a service type to the base URL of its remote
	// executor. Types without an entry use built-in executors.
	ExecutorURLs map[string]string `yaml:"executor_urls"`
}

// EgressConfig controls the loopback proxy remote executor calls go
// through. The upstream credential lives here, on the host side, so
// sandboxed service code never holds it.
type EgressConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	Upstream string `yaml:"upstream"` // scheme://host the proxy forwards to
	Token    string `yaml:"token"`    // credential injected on forwarded requests
	Secret   string `yaml:"secret"`   // shared secret callers must present
}

type SandboxConfig struct {
	DefaultQuotaBytes int64 `yaml:"default_quota_bytes"`
	MaxValueBytes     int64 `yaml:"max_value_bytes"`
	MaxKeys           int   `yaml:"max_keys"`
	StrictPeers       bool  `yaml:"strict_peers"`
}

type ProxyConfig struct {
	// Allowlist entries are "Contract:method" pairs the proxy may sign for.
	Allowlist           []string      `yaml:"allowlist"`
	SigningKeyLabel     string        `yaml:"signing_key_label"`
	Sender              string        `yaml:"sender"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval"`
	ConfirmWindow       time.Duration `yaml:"confirm_window"`
}

type LedgerConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StartHeight  uint64        `yaml:"start_height"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RegistryConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// AllowCallbackMismatch skips comparing an event's callback target
	// against the registered one. Development only.
	AllowCallbackMismatch bool `yaml:"allow_callback_mismatch"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type KeysConfig struct {
	EnclaveID string `yaml:"enclave_id"`
	// Simulated runs the key store without enclave-sealed persistence.
	Simulated bool `yaml:"simulated"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// TLSConfig controls HTTPS termination and mutual TLS for peer identity.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
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

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Dispatcher: DispatcherConfig{
			QueueSize:      512,
			Workers:        4,
			MaxResultBytes: 800,
			ExecTimeout:    30 * time.Second,
		},
		Egress: EgressConfig{
			Enabled: false,
			Port:    8091,
		},
		Sandbox: SandboxConfig{
			DefaultQuotaBytes: 64 << 20, // 64MB
			MaxValueBytes:     1 << 20,  // 1MB
			MaxKeys:           10000,
			StrictPeers:       true,
		},
		Proxy: ProxyConfig{
			SigningKeyLabel:     "proxy-signing",
			Sender:              "offchain-core",
			ConfirmPollInterval: 5 * time.Second,
			ConfirmWindow:       10 * time.Minute,
		},
		Ledger: LedgerConfig{
			PollInterval: 3 * time.Second,
			Timeout:      15 * time.Second,
		},
		Registry: RegistryConfig{
			CacheTTL: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          "",
			MaxOpenConns: 25,
		},
		Keys: KeysConfig{
			EnclaveID: "enclave-dev",
			Simulated: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Dispatcher.QueueSize < 1 {
		return fmt.Errorf("dispatcher.queue_size must be >= 1")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be >= 1")
	}
	if c.Dispatcher.MaxResultBytes < 1 {
		return fmt.Errorf("dispatcher.max_result_bytes must be >= 1")
	}
	if c.Egress.Enabled {
		if c.Egress.Port < 1 || c.Egress.Port > 65535 {
			return fmt.Errorf("egress.port must be 1-65535, got %d", c.Egress.Port)
		}
		if c.Egress.Upstream == "" {
			return fmt.Errorf("egress.upstream is required when egress is enabled")
		}
	}
	if c.Proxy.ConfirmWindow < c.Proxy.ConfirmPollInterval {
		return fmt.Errorf("proxy.confirm_window (%s) must be >= confirm_poll_interval (%s)",
			c.Proxy.ConfirmWindow, c.Proxy.ConfirmPollInterval)
	}
	if c.Keys.EnclaveID == "" {
		return fmt.Errorf("keys.enclave_id is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
