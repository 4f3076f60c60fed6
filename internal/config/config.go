package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither flags nor the config file say otherwise.
const (
	DefaultBackend       = "claude"
	DefaultMaxIterations = 10
	DefaultPollInterval  = 30 * time.Second
	DefaultSessionBudget = 30 * time.Minute
)

// Config is resolved once at process start and passed explicitly into
// every constructor. Nothing below this layer reads the environment.
type Config struct {
	WorkDir string
	DataDir string

	Backend     string
	BackendArgs []string

	MaxIterations    int
	CompletionMarker string

	PollInterval  time.Duration
	SessionBudget time.Duration
}

// fileConfig mirrors the optional .drover/config.yaml.
type fileConfig struct {
	Backend          string   `yaml:"backend"`
	BackendArgs      []string `yaml:"backend_args"`
	MaxIterations    int      `yaml:"max_iterations"`
	CompletionMarker string   `yaml:"completion_marker"`
	PollIntervalSec  int      `yaml:"poll_interval_seconds"`
	SessionBudgetMin int      `yaml:"session_budget_minutes"`
}

// New resolves configuration for the given project working directory.
// The data dir is project-local (never shared between projects) unless
// DROVER_DATA_DIR overrides it.
func New(workDir string) (*Config, error) {
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = wd
	}
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("DROVER_DATA_DIR", filepath.Join(absWork, ".drover"))

	c := &Config{
		WorkDir:       absWork,
		DataDir:       dataDir,
		Backend:       DefaultBackend,
		MaxIterations: DefaultMaxIterations,
		PollInterval:  DefaultPollInterval,
		SessionBudget: DefaultSessionBudget,
	}

	if err := c.applyFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if fc.Backend != "" {
		c.Backend = fc.Backend
	}
	if len(fc.BackendArgs) > 0 {
		c.BackendArgs = fc.BackendArgs
	}
	if fc.MaxIterations > 0 {
		c.MaxIterations = fc.MaxIterations
	}
	if fc.CompletionMarker != "" {
		c.CompletionMarker = fc.CompletionMarker
	}
	if fc.PollIntervalSec > 0 {
		c.PollInterval = time.Duration(fc.PollIntervalSec) * time.Second
	}
	if fc.SessionBudgetMin > 0 {
		c.SessionBudget = time.Duration(fc.SessionBudgetMin) * time.Minute
	}

	return nil
}

// EnsureDataDir creates the project data directory layout.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.TasksDir(), 0755)
}

func (c *Config) TasksDir() string {
	return filepath.Join(c.DataDir, "tasks")
}

func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
