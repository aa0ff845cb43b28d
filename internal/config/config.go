package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all mapnerd configuration.
type Config struct {
	// Term storage
	TermStore TermStoreConfig `yaml:"term_store"`

	// Consensus optimization
	ADMM ADMMConfig `yaml:"admm"`

	// Rule grounding
	Grounding GroundingConfig `yaml:"grounding"`

	// Atom database
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// TermStoreConfig configures the term store.
type TermStoreConfig struct {
	InitialSize int    `yaml:"initial_size"`
	Internal    string `yaml:"internal"` // registered store kind, "memory" by default
}

// ADMMConfig configures the consensus solver.
type ADMMConfig struct {
	StepSize      float64 `yaml:"step_size"`
	MaxIterations int     `yaml:"max_iterations"`
	EpsilonAbs    float64 `yaml:"epsilon_abs"`
	EpsilonRel    float64 `yaml:"epsilon_rel"`
	ComputePeriod int     `yaml:"compute_period"`
	InitialValue  string  `yaml:"initial_value"` // zero, random, atom
	Workers       int     `yaml:"workers"`       // 0 = GOMAXPROCS
	Seed          uint64  `yaml:"seed"`
}

// GroundingConfig configures rule grounding.
type GroundingConfig struct {
	Workers   int  `yaml:"workers"` // 0 = GOMAXPROCS
	SortTerms bool `yaml:"sort_terms"`
}

// StoreConfig configures the SQLite atom database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// InitialValues lists the accepted admm.initial_value settings.
var InitialValues = []string{"zero", "random", "atom"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TermStore: TermStoreConfig{
			InitialSize: 5000,
			Internal:    "memory",
		},

		ADMM: ADMMConfig{
			StepSize:      1.0,
			MaxIterations: 25000,
			EpsilonAbs:    1e-5,
			EpsilonRel:    1e-3,
			ComputePeriod: 50,
			InitialValue:  "atom",
			Seed:          4,
		},

		Grounding: GroundingConfig{
			SortTerms: true,
		},

		Store: StoreConfig{
			DatabasePath: "data/mapnerd.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if path := os.Getenv("MAPNERD_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if level := os.Getenv("MAPNERD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
		c.Logging.DebugMode = true
	}
	if workers := os.Getenv("MAPNERD_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("MAPNERD_WORKERS: %w", err)
		}
		c.ADMM.Workers = n
		c.Grounding.Workers = n
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.TermStore.InitialSize >= 0, "term_store.initial_size must not be negative, got %d", c.TermStore.InitialSize)
	check(c.ADMM.StepSize > 0, "admm.step_size must be positive, got %g", c.ADMM.StepSize)
	check(c.ADMM.MaxIterations > 0, "admm.max_iterations must be positive, got %d", c.ADMM.MaxIterations)
	check(c.ADMM.EpsilonAbs >= 0 && c.ADMM.EpsilonRel >= 0, "admm tolerances must not be negative")
	check(c.ADMM.ComputePeriod > 0, "admm.compute_period must be positive, got %d", c.ADMM.ComputePeriod)
	check(validInitialValue(c.ADMM.InitialValue), "admm.initial_value %q (valid: %v)", c.ADMM.InitialValue, InitialValues)
	check(c.ADMM.Workers >= 0 && c.Grounding.Workers >= 0, "worker counts must not be negative")
	check(validLevel(c.Logging.Level), "logging.level %q", c.Logging.Level)

	return errors.Join(errs...)
}

func validInitialValue(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, known := range InitialValues {
		if v == known {
			return true
		}
	}
	return false
}

// DefaultConfigPath returns .mapnerd/config.yaml under the workspace root.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(".mapnerd", "config.yaml")
	}
	return filepath.Join(root, ".mapnerd", "config.yaml")
}

// FindWorkspaceRoot walks up from the working directory looking for a .mapnerd
// directory. If none is found, it returns the working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".mapnerd")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
