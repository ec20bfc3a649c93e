package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentbus/internal/otel"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const (
	defaultPollIntervalSeconds = 2
	defaultRetentionDays       = 30
	defaultRetentionSchedule   = "@hourly"
	defaultExportTimeoutSecs   = 30
	defaultRoleTimeoutSecs     = 120
)

// defaultInstructionTemplate is the fixed instruction concatenated between the
// channel transcript and the extracted task text when building a worker prompt.
const defaultInstructionTemplate = "You are addressed by name in the conversation above. " +
	"Complete the task below and write your reply to standard output.\n\nTask: "

// RoleConfig maps a mentionable role to the worker command that serves it.
// The worker is invoked as `command <prompt> args...`.
type RoleConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the per-role worker budget, defaulting to 120s.
func (rc RoleConfig) Timeout() time.Duration {
	if rc.TimeoutSeconds <= 0 {
		return defaultRoleTimeoutSecs * time.Second
	}
	return time.Duration(rc.TimeoutSeconds) * time.Second
}

// ExportConfig names the subprocess that materializes a channel transcript
// for prompt building. Empty command means "this binary, `export` subcommand".
type ExportConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (ec ExportConfig) Timeout() time.Duration {
	if ec.TimeoutSeconds <= 0 {
		return defaultExportTimeoutSecs * time.Second
	}
	return time.Duration(ec.TimeoutSeconds) * time.Second
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath              string `yaml:"db_path"`
	LogLevel            string `yaml:"log_level"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	RetentionDays       int    `yaml:"retention_days"`
	RetentionSchedule   string `yaml:"retention_schedule"`
	InstructionTemplate string `yaml:"instruction_template"`

	Export ExportConfig          `yaml:"export"`
	Roles  map[string]RoleConfig `yaml:"roles"`

	OTel otel.Config `yaml:"otel"`
}

// HomeDir resolves the data directory: AGENTBUS_HOME or ~/.agentbus.
func HomeDir() string {
	if dir := os.Getenv("AGENTBUS_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentbus")
}

// Path returns the config file location under a home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads <homeDir>/config.yaml, validates it against the embedded schema,
// and applies defaults. A missing file yields a default config.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	data, err := os.ReadFile(Path(homeDir))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg.applyDefaults()
		return cfg, nil
	}

	if err := validate(data); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "agentbus.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = defaultRetentionSchedule
	}
	if c.InstructionTemplate == "" {
		c.InstructionTemplate = defaultInstructionTemplate
	}
	if c.Roles == nil {
		c.Roles = map[string]RoleConfig{}
	}
}

// Role returns the worker configuration for a mentionable role name.
func (c *Config) Role(name string) (RoleConfig, bool) {
	rc, ok := c.Roles[name]
	return rc, ok
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// validate checks the raw YAML document against the embedded JSON schema so
// shape errors surface at startup instead of deep inside dispatch.
func validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	// jsonschema.UnmarshalJSON preserves numbers as json.Number, which the
	// validator requires.
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	if err := compiledSchema().Validate(value); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
