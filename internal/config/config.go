package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

var DefaultTestCommands = []string{"npm test", "pytest", "go test ./...", "make test"}

type Config struct {
	Model                string         `toml:"model"`
	ModelProvider        string         `toml:"model_provider"`
	ModelReasoningEffort string         `toml:"model_reasoning_effort"`
	ApprovalPolicy       string         `toml:"approval_policy"`
	Workflow             WorkflowConfig `toml:"workflow"`
	Backend              BackendConfig  `toml:"backend"`
	Raw                  map[string]any `toml:"-"`
	Path                 string         `toml:"-"`
}

type WorkflowConfig struct {
	Addr              string   `toml:"addr"`
	DBPath            string   `toml:"db_path"`
	WorkspaceRoot     string   `toml:"workspace_root"`
	Mode              string   `toml:"mode"`
	MaxIterations     int      `toml:"max_iterations"`
	MaxSpecRevisions  int      `toml:"max_spec_revisions"`
	TickIntervalMS    int      `toml:"tick_interval_ms"`
	CompletenessEvery int      `toml:"completeness_every"`
	SpecPath          string   `toml:"spec_path"`
	TestCommands      []string `toml:"test_commands"`
	CommandTimeoutMS  int      `toml:"command_timeout_ms"`
}

type BackendConfig struct {
	Kind         string `toml:"kind"`
	Binary       string `toml:"binary"`
	Workdir      string `toml:"workdir"`
	Endpoint     string `toml:"endpoint"`
	AuthTokenEnv string `toml:"auth_token_env"`
	TimeoutMS    int    `toml:"timeout_ms"`
	Retries      int    `toml:"retries"`
}

// Load reads the TOML file at path. An empty path means the default location,
// which may be missing; an explicitly named file must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Config{}.withDefaults()
			cfg.Path = resolved
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", resolved, err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.ApprovalPolicy == "" {
		c.ApprovalPolicy = "auto"
	}
	w := &c.Workflow
	if w.Mode == "" {
		w.Mode = ModeSequential
	}
	if w.MaxIterations <= 0 {
		w.MaxIterations = 5
	}
	if w.TickIntervalMS <= 0 {
		w.TickIntervalMS = 200
	}
	if w.CompletenessEvery <= 0 {
		w.CompletenessEvery = 3
	}
	if w.SpecPath == "" {
		w.SpecPath = "specs/SPEC.md"
	}
	if len(w.TestCommands) == 0 {
		w.TestCommands = append([]string(nil), DefaultTestCommands...)
	}
	if w.CommandTimeoutMS <= 0 {
		w.CommandTimeoutMS = int((10 * time.Minute).Milliseconds())
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = "exec"
	}
	return c
}

func (c Config) validate() error {
	switch c.Workflow.Mode {
	case ModeSequential, ModeParallel:
	default:
		return fmt.Errorf("unknown workflow mode %q", c.Workflow.Mode)
	}
	switch c.ApprovalPolicy {
	case "auto", "manual":
	default:
		return fmt.Errorf("unknown approval policy %q", c.ApprovalPolicy)
	}
	return nil
}

// AuthToken reads the backend token from the configured environment variable.
func (c Config) AuthToken() string {
	if c.Backend.AuthTokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.Backend.AuthTokenEnv))
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pingpong/config.toml"
	}
	return filepath.Join(home, ".pingpong", "config.toml")
}
