// Package config loads the envhub server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/envhub/internal/limits"
)

// Config is the contents of config.yaml.
type Config struct {
	// Listen is a TCP address for the HTTP API.
	Listen string `yaml:"listen"`
	// Socket, when set, serves the API on a Unix socket instead of Listen.
	Socket string `yaml:"socket,omitempty"`
	// DockerHost overrides DOCKER_HOST.
	DockerHost string `yaml:"docker_host,omitempty"`
	// StateDir holds the token database, the fallback key and debug logs.
	StateDir string `yaml:"state_dir,omitempty"`

	Limits       LimitsConfig     `yaml:"limits"`
	Builder      BuilderConfig    `yaml:"builder"`
	Session      SessionConfig    `yaml:"session"`
	RDMFS        RDMFSConfig      `yaml:"rdmfs"`
	TokenStore   TokenStoreConfig `yaml:"token_store"`
	FormTemplate string           `yaml:"form_template,omitempty"`
	Log          LogConfig        `yaml:"log"`
}

// LimitsConfig holds the default session limits.
type LimitsConfig struct {
	Memory string  `yaml:"memory,omitempty"` // e.g. "2G"
	CPU    float64 `yaml:"cpu,omitempty"`    // fractional cores
}

// BuilderConfig configures image builds.
type BuilderConfig struct {
	Image        string `yaml:"image"`
	DockerSocket string `yaml:"docker_socket"`
}

// SessionConfig configures session containers.
type SessionConfig struct {
	NamePrefix string `yaml:"name_prefix"`
	Port       int    `yaml:"port"`
	// Mounts are "source:target[:ro]" specs added to every session.
	Mounts []string `yaml:"mounts,omitempty"`
}

// RDMFSConfig configures the storage bridge sidecar.
type RDMFSConfig struct {
	Image         string `yaml:"image"`
	BasePath      string `yaml:"base_path"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// TokenStoreConfig selects where access tokens live.
type TokenStoreConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "secretsmanager"
	Path    string `yaml:"path,omitempty"`
	Region  string `yaml:"region,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"`
}

// LogConfig configures the debug log files.
type LogConfig struct {
	JSON          bool `yaml:"json,omitempty"`
	Debug         bool `yaml:"debug,omitempty"`
	RetentionDays int  `yaml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8765",
		StateDir: Dir(),
		Limits:   LimitsConfig{},
		Builder: BuilderConfig{
			Image:        "quay.io/jupyterhub/repo2docker:main",
			DockerSocket: "/var/run/docker.sock",
		},
		Session: SessionConfig{
			NamePrefix: "jupyter-",
			Port:       8888,
		},
		RDMFS: RDMFSConfig{
			Image:         "gcr.io/nii-ap-ops/rdmfs:2024.12.0",
			BasePath:      "/mnt/rdmfs",
			SweepSchedule: "@every 5m",
		},
		TokenStore: TokenStoreConfig{Backend: "sqlite"},
		Log:        LogConfig{RetentionDays: 14},
	}
}

// Dir returns ~/.envhub.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".envhub")
	}
	return filepath.Join(home, ".envhub")
}

// Path returns the config file location: $ENVHUB_CONFIG or
// ~/.envhub/config.yaml.
func Path() string {
	if p := os.Getenv("ENVHUB_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the config file at path (Path() when empty), applies
// environment overrides and validates the result. A missing file is only
// an error when path was given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv applies ENVHUB_* overrides.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"ENVHUB_LISTEN":           &c.Listen,
		"ENVHUB_SOCKET":           &c.Socket,
		"ENVHUB_DOCKER_HOST":      &c.DockerHost,
		"ENVHUB_STATE_DIR":        &c.StateDir,
		"ENVHUB_MEM_LIMIT":        &c.Limits.Memory,
		"ENVHUB_BUILDER_IMAGE":    &c.Builder.Image,
		"ENVHUB_RDMFS_IMAGE":      &c.RDMFS.Image,
		"ENVHUB_RDMFS_BASE_PATH":  &c.RDMFS.BasePath,
		"ENVHUB_SWEEP_SCHEDULE":   &c.RDMFS.SweepSchedule,
		"ENVHUB_TOKEN_STORE":      &c.TokenStore.Backend,
		"ENVHUB_TOKEN_STORE_PATH": &c.TokenStore.Path,
		"ENVHUB_FORM_TEMPLATE":    &c.FormTemplate,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("ENVHUB_CPU_LIMIT"); v != "" {
		cpu, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ENVHUB_CPU_LIMIT: %w", err)
		}
		c.Limits.CPU = cpu
	}
	return nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" && c.Socket == "" {
		errs = append(errs, errors.New("one of listen or socket is required"))
	}
	if c.Limits.CPU < 0 {
		errs = append(errs, errors.New("limits.cpu must not be negative"))
	}
	if c.Limits.Memory != "" {
		if _, err := limits.ParseMemory(c.Limits.Memory); err != nil {
			errs = append(errs, fmt.Errorf("limits.memory: %w", err))
		}
	}
	switch c.TokenStore.Backend {
	case "sqlite", "secretsmanager":
	default:
		errs = append(errs, fmt.Errorf("token_store.backend must be sqlite or secretsmanager, got %q", c.TokenStore.Backend))
	}
	for _, m := range c.Session.Mounts {
		if _, err := ParseMount(m); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Session.Port <= 0 || c.Session.Port > 65535 {
		errs = append(errs, fmt.Errorf("session.port out of range: %d", c.Session.Port))
	}
	return errors.Join(errs...)
}

// MemoryBytes returns the default memory limit in bytes, 0 when unset.
func (c *Config) MemoryBytes() int64 {
	if strings.TrimSpace(c.Limits.Memory) == "" {
		return 0
	}
	n, _ := limits.ParseMemory(c.Limits.Memory)
	return n
}
