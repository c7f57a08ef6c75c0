// Package config loads the broker's configuration following the
// precedence CLI flags > environment variables > configuration file >
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the broker needs to run.
type Config struct {
	Host string
	Port int

	TokenTTL         time.Duration
	SafetyMargin     time.Duration
	VMTimeout        time.Duration
	MaxVMTimeout     time.Duration
	RequestTimeout   time.Duration
	ChallengeTimeout time.Duration
	MaxPOTEntries    int

	CacheDir string

	Proxy      string
	HTTPProxy  string
	HTTPSProxy string
	AllProxy   string
	NoProxy    string

	LogLevel string
	Verbose  bool

	Telemetry TelemetryConfig
}

// TelemetryConfig configures the ambient OpenTelemetry trace exporter.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// fileConfig is the subset of Config a YAML file may override; CLI flags
// and environment variables always take precedence over it.
type fileConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	TokenTTL         string `yaml:"token_ttl"`
	SafetyMargin     string `yaml:"safety_margin"`
	VMTimeout        string `yaml:"vm_timeout"`
	MaxVMTimeout     string `yaml:"max_vm_timeout"`
	RequestTimeout   string `yaml:"request_timeout"`
	ChallengeTimeout string `yaml:"challenge_timeout"`
	MaxPOTEntries    int    `yaml:"max_pot_entries"`
	CacheDir         string `yaml:"cache_dir"`
	LogLevel         string `yaml:"log_level"`
}

// Defaults returns the built-in configuration, the lowest-priority layer.
func Defaults() *Config {
	return &Config{
		Host:             "::",
		Port:             4416,
		TokenTTL:         6 * time.Hour,
		SafetyMargin:     60 * time.Second,
		VMTimeout:        5 * time.Second,
		MaxVMTimeout:     30 * time.Second,
		RequestTimeout:   60 * time.Second,
		ChallengeTimeout: 30 * time.Second,
		MaxPOTEntries:    0,
		CacheDir:         defaultCacheDir(),
		LogLevel:         "info",
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "bgutil-pot-broker"),
		},
	}
}

// Flags is the subset of configuration a CLI invocation may set. Zero
// values mean "not set on the command line" and fall through to the next
// layer.
type Flags struct {
	Host       string
	Port       int
	ConfigPath string
	Verbose    bool
	LogLevel   string
}

// Load resolves Config following CLI > env > file > defaults.
func Load(flags Flags) (*Config, error) {
	cfg := Defaults()

	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = os.Getenv("BGUTIL_CONFIG")
	}
	if configPath != "" {
		if err := applyFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	applyEnv(cfg)
	applyFlags(cfg, flags)

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.CacheDir != "" {
		cfg.CacheDir = fc.CacheDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.MaxPOTEntries != 0 {
		cfg.MaxPOTEntries = fc.MaxPOTEntries
	}
	applyDuration(&cfg.TokenTTL, fc.TokenTTL)
	applyDuration(&cfg.SafetyMargin, fc.SafetyMargin)
	applyDuration(&cfg.VMTimeout, fc.VMTimeout)
	applyDuration(&cfg.MaxVMTimeout, fc.MaxVMTimeout)
	applyDuration(&cfg.RequestTimeout, fc.RequestTimeout)
	applyDuration(&cfg.ChallengeTimeout, fc.ChallengeTimeout)
	return nil
}

func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TokenTTL = d
		}
	}
	if v := os.Getenv("RUST_LOG"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}

	cfg.HTTPProxy = envStr("HTTP_PROXY", cfg.HTTPProxy)
	cfg.HTTPSProxy = envStr("HTTPS_PROXY", cfg.HTTPSProxy)
	cfg.AllProxy = envStr("ALL_PROXY", cfg.AllProxy)
	cfg.NoProxy = envStr("NO_PROXY", cfg.NoProxy)
}

func applyFlags(cfg *Config, flags Flags) {
	if flags.Host != "" {
		cfg.Host = flags.Host
	}
	if flags.Port != 0 {
		cfg.Port = flags.Port
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.Verbose {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}
}

func defaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return xdg + "/bgutil-pot-broker"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache/bgutil-pot-broker"
	}
	return home + "/.cache/bgutil-pot-broker"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
