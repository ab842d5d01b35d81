// Package config loads and validates siphon's on-disk configuration and
// exposes the layered operator-settings store in settings.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for siphon.
type Config struct {
	Listen    string          `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	Rules     RulesConfig     `yaml:"rules"`
	Upstream  string          `yaml:"upstream_proxy"` // scheme://[user:pass@]host:port
	TLS       TLSConfig       `yaml:"tls"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Redaction RedactionConfig `yaml:"redaction"`
	Debug     DebugConfig     `yaml:"debug"`
}

// RulesConfig locates rule definitions on disk.
type RulesConfig struct {
	Dir  string `yaml:"dir"`  // RULES_DIR: directory of YAML rule files
	File string `yaml:"file"` // RULES_FILE: legacy single JSON rules file, used if Dir is empty
}

// TLSConfig holds the MITM TLS termination material. siphon never
// generates or manages CA material itself; it only accepts what its host
// process hands it.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"` // self-signed, development only
}

// ControlConfig holds the /_relay control-channel configuration. Unlike
// teacher, the control channel is served on the proxy's own listener
// under a path prefix rather than a separate port, so it has no listen
// address of its own; the only setting is whether it is enabled.
type ControlConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// RedactionConfig controls PII/secret scrubbing on export and debug logs.
type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DebugConfig controls the breakpoint manager's optional cross-instance
// coordination.
type DebugConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration, reused for the debug
// manager's optional cross-instance breakpoint relay.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads and parses the configuration file, falling back to defaults
// if it does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".siphon")

	return &Config{
		Listen:  ":8080",
		DataDir: dataDir,
		Rules: RulesConfig{
			Dir:  filepath.Join(dataDir, "rules"),
			File: filepath.Join(dataDir, "rules.json"),
		},
		Control: ControlConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "siphon",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		TLS: TLSConfig{
			Enabled:  false,
			CertFile: "",
			KeyFile:  "",
			AutoCert: false,
		},
		Redaction: RedactionConfig{
			Enabled: false,
		},
		Debug: DebugConfig{
			Redis: RedisConfig{
				Enabled:   false,
				Addr:      "localhost:6379",
				KeyPrefix: "siphon:debug:",
			},
		},
	}
}

// DBPath returns the flow database file path, derived from DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "traffic", "flows.db")
}

// BodyDir returns the external-tier body storage directory, derived from
// DataDir.
func (c *Config) BodyDir() string {
	return filepath.Join(c.DataDir, "traffic", "bodies")
}

// applyEnvOverrides applies environment variable overrides. Env var names
// match spec.md's external-interface names (DATA_DIR, RULES_DIR,
// RULES_FILE, UPSTREAM_PROXY) plus a SIPHON_ prefix family for the ambient
// concerns the teacher's ELIDA_ family covered.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RULES_DIR"); v != "" {
		c.Rules.Dir = v
	}
	if v := os.Getenv("RULES_FILE"); v != "" {
		c.Rules.File = v
	}
	if v := os.Getenv("UPSTREAM_PROXY"); v != "" {
		c.Upstream = v
	}

	if v := os.Getenv("SIPHON_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SIPHON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if os.Getenv("SIPHON_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SIPHON_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("SIPHON_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("SIPHON_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("SIPHON_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("SIPHON_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if os.Getenv("SIPHON_TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}

	if os.Getenv("SIPHON_REDACTION_ENABLED") == "true" {
		c.Redaction.Enabled = true
	}

	if os.Getenv("SIPHON_DEBUG_REDIS_ENABLED") == "true" {
		c.Debug.Redis.Enabled = true
	}
	if v := os.Getenv("SIPHON_DEBUG_REDIS_ADDR"); v != "" {
		c.Debug.Redis.Addr = v
	}
	if v := os.Getenv("SIPHON_DEBUG_REDIS_PASSWORD"); v != "" {
		c.Debug.Redis.Password = v
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Upstream != "" {
		if err := validateUpstreamScheme(c.Upstream); err != nil {
			return err
		}
	}
	return nil
}

func validateUpstreamScheme(upstream string) error {
	for _, scheme := range []string{"http://", "https://", "socks4://", "socks5://", "socks5-auth://"} {
		if len(upstream) >= len(scheme) && upstream[:len(scheme)] == scheme {
			return nil
		}
	}
	return fmt.Errorf("upstream_proxy: unsupported scheme in %q, want one of http/https/socks4/socks5/socks5-auth", upstream)
}
