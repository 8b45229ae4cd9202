// Package config provides configuration structures and loading logic for the
// trust provider and its tooling.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/polis-trust/internal/trust"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for polis-trust.
type Config struct {
	Trust     TrustConfig     `yaml:"trust" json:"trust"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// TrustConfig configures the trust bundle and the TLS context built from it.
type TrustConfig struct {
	Bundle             BundleConfig `yaml:"bundle" json:"bundle"`
	IncludeSystemRoots bool         `yaml:"include_system_roots" json:"include_system_roots"`
	MinVersion         string       `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	ServerName         string       `yaml:"server_name,omitempty" json:"server_name,omitempty"`
}

// BundleConfig locates the trust bundle. Exactly one of Path and Inline is set.
type BundleConfig struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	Inline      string `yaml:"inline,omitempty" json:"inline,omitempty"`
	Format      string `yaml:"format,omitempty" json:"format,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`
	SHA256      string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Trust: TrustConfig{
			Bundle:     BundleConfig{Format: string(trust.FormatAuto)},
			MinVersion: string(TLSVersion12),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-trust",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML (or JSON) file, applies environment
// variable overrides and validates the result. An empty path yields the
// defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse is Load without validation, for callers that layer flags on top.
func Parse(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_TRUST_BUNDLE_PATH"); val != "" {
		cfg.Trust.Bundle.Path = val
		cfg.Trust.Bundle.Inline = ""
	}
	if val := os.Getenv("POLIS_TRUST_BUNDLE_FORMAT"); val != "" {
		cfg.Trust.Bundle.Format = val
	}
	if val := os.Getenv("POLIS_TRUST_INCLUDE_SYSTEM_ROOTS"); val != "" {
		cfg.Trust.IncludeSystemRoots = strings.EqualFold(val, "true") || val == "1"
	}
	if val := os.Getenv("POLIS_TRUST_MIN_VERSION"); val != "" {
		cfg.Trust.MinVersion = val
	}

	if val := os.Getenv("POLIS_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}

	if val := os.Getenv("POLIS_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the whole configuration and returns the first *ConfigError.
func (c *Config) Validate() error {
	if err := c.Trust.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return NewConfigValidationError("logging.level", c.Logging.Level, "unknown log level").
			WithSuggestion("Use one of: debug, info, warn, error")
	}

	return nil
}

// Validate checks the trust section.
func (t *TrustConfig) Validate() error {
	if err := t.Bundle.Validate(); err != nil {
		return err
	}

	version, err := ParseTLSVersion(t.MinVersion)
	if err != nil {
		return NewConfigValidationError("trust.min_version", t.MinVersion, err.Error()).
			WithSuggestion("Use a valid TLS version: 1.2 or 1.3")
	}
	if version.Uint16() < TLSVersion12.Uint16() {
		return NewConfigValidationError("trust.min_version", t.MinVersion, "TLS versions below 1.2 are not allowed").
			WithSuggestion("Use TLS 1.2 or higher")
	}

	return nil
}

// Validate checks the bundle section.
func (b *BundleConfig) Validate() error {
	hasPath := strings.TrimSpace(b.Path) != ""
	hasInline := strings.TrimSpace(b.Inline) != ""

	switch {
	case !hasPath && !hasInline:
		return NewConfigMissingError("trust.bundle.path").
			WithSuggestion("Set trust.bundle.path to an absolute bundle file").
			WithSuggestion("Or embed PEM certificates in trust.bundle.inline")
	case hasPath && hasInline:
		return NewConfigValidationError("trust.bundle", "path+inline", "path and inline are mutually exclusive").
			WithSuggestion("Remove either trust.bundle.path or trust.bundle.inline")
	case hasPath && !filepath.IsAbs(b.Path):
		return NewConfigValidationError("trust.bundle.path", b.Path, "bundle path must be absolute").
			WithSuggestion("Use an absolute path such as /etc/polis/trust/bundle.pem")
	}

	if _, err := trust.ParseFormat(b.Format); err != nil {
		return NewConfigValidationError("trust.bundle.format", b.Format, err.Error()).
			WithSuggestion("Use one of: auto, pem, der, pkcs12, jks")
	}

	if b.PasswordEnv != "" {
		if _, ok := os.LookupEnv(b.PasswordEnv); !ok {
			return NewConfigValidationError("trust.bundle.password_env", b.PasswordEnv, "environment variable is not set").
				WithSuggestion(fmt.Sprintf("Export %s with the key store password", b.PasswordEnv)).
				WithSuggestion("Remove trust.bundle.password_env if the bundle has no password")
		}
	}

	if b.SHA256 != "" && !isSHA256Pin(b.SHA256) {
		return NewConfigValidationError("trust.bundle.sha256", b.SHA256, "checksum must be 64 hexadecimal characters").
			WithSuggestion("Compute the pin with: sha256sum <bundle>").
			WithSuggestion("An optional 'sha256:' prefix is accepted")
	}

	return nil
}

func isSHA256Pin(value string) bool {
	pin := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "sha256:")
	if len(pin) != 64 {
		return false
	}
	for _, r := range pin {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Source converts the bundle section into a trust.Source.
func (c *Config) Source() trust.Source {
	bundle := c.Trust.Bundle
	if strings.TrimSpace(bundle.Path) != "" {
		return trust.FileSource(bundle.Path)
	}

	name := bundle.Name
	if name == "" {
		name = "inline"
	}
	return trust.BytesSource(name, []byte(bundle.Inline))
}

// ProviderOptions converts the configuration into trust.Options. The bundle
// password is read from the environment variable named by password_env.
func (c *Config) ProviderOptions(logger *slog.Logger, metrics *trust.MetricsCollector) trust.Options {
	format, _ := trust.ParseFormat(c.Trust.Bundle.Format)
	version, _ := ParseTLSVersion(c.Trust.MinVersion)

	var password string
	if c.Trust.Bundle.PasswordEnv != "" {
		password = os.Getenv(c.Trust.Bundle.PasswordEnv)
	}

	return trust.Options{
		Format:             format,
		Password:           password,
		SHA256:             c.Trust.Bundle.SHA256,
		IncludeSystemRoots: c.Trust.IncludeSystemRoots,
		MinVersion:         version.Uint16(),
		ServerName:         c.Trust.ServerName,
		Logger:             logger,
		Metrics:            metrics,
	}
}
