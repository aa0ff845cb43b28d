package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5000, cfg.TermStore.InitialSize)
	assert.Equal(t, "memory", cfg.TermStore.Internal)
	assert.Equal(t, 1.0, cfg.ADMM.StepSize)
	assert.Equal(t, 25000, cfg.ADMM.MaxIterations)
	assert.Equal(t, 1e-5, cfg.ADMM.EpsilonAbs)
	assert.Equal(t, 1e-3, cfg.ADMM.EpsilonRel)
	assert.Equal(t, 50, cfg.ADMM.ComputePeriod)
	assert.True(t, cfg.Grounding.SortTerms)
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("MAPNERD_DB", "")
	t.Setenv("MAPNERD_LOG_LEVEL", "")
	t.Setenv("MAPNERD_WORKERS", "")

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.ADMM.StepSize = 0.5
	cfg.ADMM.InitialValue = "zero"
	cfg.Grounding.SortTerms = false
	cfg.Logging.Categories = map[string]bool{"admm": true, "grounding": false}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("MAPNERD_DB", "")
	t.Setenv("MAPNERD_LOG_LEVEL", "")
	t.Setenv("MAPNERD_WORKERS", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Setenv("MAPNERD_WORKERS", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admm:\n  max_iterations: 100\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.ADMM.MaxIterations)
	assert.Equal(t, 50, cfg.ADMM.ComputePeriod)
	assert.Equal(t, 5000, cfg.TermStore.InitialSize)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admm: [unclosed"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("database and level", func(t *testing.T) {
		t.Setenv("MAPNERD_DB", "/tmp/atoms.db")
		t.Setenv("MAPNERD_LOG_LEVEL", "debug")
		t.Setenv("MAPNERD_WORKERS", "")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, "/tmp/atoms.db", cfg.Store.DatabasePath)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.DebugMode, "a level from the environment turns logging on")
	})

	t.Run("workers apply to both stages", func(t *testing.T) {
		t.Setenv("MAPNERD_WORKERS", "3")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, 3, cfg.ADMM.Workers)
		assert.Equal(t, 3, cfg.Grounding.Workers)
	})

	t.Run("bad worker count", func(t *testing.T) {
		t.Setenv("MAPNERD_WORKERS", "many")

		cfg := DefaultConfig()
		assert.Error(t, cfg.applyEnvOverrides())
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string]func(*Config){
		"negative initial size": func(c *Config) { c.TermStore.InitialSize = -1 },
		"zero step size":        func(c *Config) { c.ADMM.StepSize = 0 },
		"zero iterations":       func(c *Config) { c.ADMM.MaxIterations = 0 },
		"negative tolerance":    func(c *Config) { c.ADMM.EpsilonRel = -1 },
		"zero compute period":   func(c *Config) { c.ADMM.ComputePeriod = 0 },
		"unknown initial value": func(c *Config) { c.ADMM.InitialValue = "ones" },
		"negative workers":      func(c *Config) { c.Grounding.Workers = -2 },
		"unknown log level":     func(c *Config) { c.Logging.Level = "loud" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoggingConfig(t *testing.T) {
	cfg := LoggingConfig{Level: "debug", Categories: map[string]bool{"admm": false}}
	assert.False(t, cfg.IsCategoryEnabled("grounding"), "nothing is enabled outside debug mode")

	cfg.DebugMode = true
	assert.True(t, cfg.IsCategoryEnabled("grounding"))
	assert.False(t, cfg.IsCategoryEnabled("admm"))

	converted := cfg.ToLogging()
	assert.True(t, converted.DebugMode)
	assert.Equal(t, "debug", converted.Level)
	assert.Equal(t, cfg.Categories, converted.Categories)
}

func TestFindWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".mapnerd"), 0755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	t.Chdir(nested)

	got, err := FindWorkspaceRoot()
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotResolved)
	assert.Equal(t, filepath.Join(got, ".mapnerd", "config.yaml"), DefaultConfigPath())
}
