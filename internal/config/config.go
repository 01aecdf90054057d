// Package config loads orchestrator and agent settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned by Validate when no control-plane key is configured.
var ErrMissingAPIKey = errors.New("api_key is required (set SCRIPT_MESH_MAIN_KEY)")

// Config is the orchestrator configuration.
type Config struct {
	Listen string `yaml:"listen" toml:"listen"`
	APIKey string `yaml:"api_key" toml:"api_key"`
	// ReadDir is the only directory GET /read may serve files from.
	ReadDir string `yaml:"read_dir" toml:"read_dir"`

	Vault    VaultConfig    `yaml:"vault" toml:"vault"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Health   HealthConfig   `yaml:"health" toml:"health"`
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

type VaultConfig struct {
	KeyFile string `yaml:"key_file" toml:"key_file"`
}

type RegistryConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

type DispatchConfig struct {
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	VerifyOnRegister bool          `yaml:"verify_on_register" toml:"verify_on_register"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Dir receives daily log files. Empty disables file logging.
	Dir          string `yaml:"dir" toml:"dir"`
	CompressDays int    `yaml:"compress_days" toml:"compress_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:  ":8000",
		ReadDir: "/data",
		Vault:   VaultConfig{KeyFile: filepath.Join("cfg", "vault.key")},
		Registry: RegistryConfig{
			Backend: "file",
			Path:    filepath.Join("cfg", "agent_registry.json"),
		},
		Health:   HealthConfig{Interval: 60 * time.Second, Timeout: 3 * time.Second},
		Dispatch: DispatchConfig{Timeout: 30 * time.Second},
		Log:      LogConfig{Level: "info", Dir: "logs", CompressDays: 7},
	}
}

// DefaultDir resolves $XDG_CONFIG_HOME/scriptmesh or ~/.config/scriptmesh.
func DefaultDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "scriptmesh")
}

// Load reads the configuration at path. YAML and TOML are selected by file
// extension. If path is empty the default location is used, and a missing
// default file yields the built-in defaults. Values from secrets.env and the
// environment are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, []byte(os.ExpandEnv(string(content))), &cfg); err != nil {
			return cfg, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	applyOverrides(&cfg, lookupWith(secrets))
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(content), cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		return fmt.Errorf("parse config: unsupported format %q", filepath.Ext(path))
	}
	return nil
}

// lookupWith prefers the process environment over secrets.env values.
func lookupWith(secrets map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := secrets[key]
		return v, ok && v != ""
	}
}

func applyOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("SCRIPT_MESH_MAIN_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := lookup("SCRIPT_MESH_LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := lookup("SCRIPT_MESH_READ_DIR"); ok {
		cfg.ReadDir = v
	}
	if v, ok := lookup("SCRIPT_MESH_VAULT_KEY_FILE"); ok {
		cfg.Vault.KeyFile = v
	}
	if v, ok := lookup("SCRIPT_MESH_REGISTRY_BACKEND"); ok {
		cfg.Registry.Backend = v
	}
	if v, ok := lookup("SCRIPT_MESH_REGISTRY_PATH"); ok {
		cfg.Registry.Path = v
	}
	if v, ok := lookup("SCRIPT_MESH_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup("SCRIPT_MESH_LOG_DIR"); ok {
		cfg.Log.Dir = v
	}
	if v, ok := lookup("SCRIPT_MESH_AGENTS_CA_FILE"); ok {
		cfg.Agents.TLS.CAFile = v
	}
	if v, ok := lookup("SCRIPT_MESH_AGENTS_CERT_FILE"); ok {
		cfg.Agents.TLS.CertFile = v
	}
	if v, ok := lookup("SCRIPT_MESH_AGENTS_KEY_FILE"); ok {
		cfg.Agents.TLS.KeyFile = v
	}
	if v, ok := lookup("SCRIPT_MESH_VERIFY_ON_REGISTER"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dispatch.VerifyOnRegister = b
		}
	}
}

// Validate reports settings the orchestrator cannot start with.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	switch c.Registry.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("registry.backend must be file or sqlite, got %q", c.Registry.Backend)
	}
	if c.Registry.Path == "" {
		return errors.New("registry.path is required")
	}
	if c.Vault.KeyFile == "" {
		return errors.New("vault.key_file is required")
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		return errors.New("health.interval and health.timeout must be positive")
	}
	if c.Dispatch.Timeout <= 0 {
		return errors.New("dispatch.timeout must be positive")
	}
	if (c.Agents.TLS.CertFile == "") != (c.Agents.TLS.KeyFile == "") {
		return errors.New("agents.tls.cert_file and agents.tls.key_file must be set together")
	}
	return nil
}
