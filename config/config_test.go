package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 8, cfg.Retrieval.MaxItems)
}

func TestLoad_OverridesOnlyWhatIsSet(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
  path: /var/lib/recall/recall.db
identity:
  fuzzy_threshold: 0.9
retrieval:
  max_items: 5
  half_life: 72h
  weights:
    similarity: 0.5
lifecycle:
  retention: 2160h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 0.9, cfg.Identity.FuzzyThreshold)
	assert.Equal(t, 0.95, cfg.Identity.EmailWeight)
	assert.Equal(t, 5, cfg.Retrieval.MaxItems)
	assert.Equal(t, 2000, cfg.Retrieval.CharBudget)
	assert.Equal(t, 72*time.Hour, cfg.Retrieval.HalfLife)
	assert.Equal(t, 0.5, cfg.Retrieval.Weights.Similarity)
	assert.Equal(t, 0.3, cfg.Retrieval.Weights.Recency)
	assert.Equal(t, 90*24*time.Hour, cfg.Lifecycle.Retention)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "retrieval:\n  max_itmes: 5\n"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "max_itmes"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RECALL_STORAGE_DRIVER", "sqlite")
	t.Setenv("RECALL_STORAGE_PATH", "/tmp/recall.db")
	t.Setenv("RECALL_LOG_LEVEL", "debug")
	t.Setenv("RECALL_RETENTION", "720h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/recall.db", cfg.Storage.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 720*time.Hour, cfg.Lifecycle.Retention)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "RECALL_RETENTION" {
			return "a year", true
		}
		return "", false
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	cfg = Default()
	err = cfg.applyEnv(func(k string) (string, bool) {
		if k == "RECALL_EMBEDDER_DIMENSIONS" {
			return "many", true
		}
		return "", false
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":      func(c *Config) { c.Storage.Driver = "postgres" },
		"sqlite without path": func(c *Config) { c.Storage.Driver = "sqlite" },
		"unknown embedder":    func(c *Config) { c.Embedder.Type = "word2vec" },
		"onnx without model":  func(c *Config) { c.Embedder.Type = "onnx" },
		"threshold above 1":   func(c *Config) { c.Identity.FuzzyThreshold = 1.2 },
		"zero weight":         func(c *Config) { c.Identity.NameWeight = 0 },
		"negative ranking":    func(c *Config) { c.Retrieval.Weights.Recency = -0.1 },
		"zero-sum ranking": func(c *Config) {
			c.Retrieval.Weights.Similarity, c.Retrieval.Weights.Recency = 0, 0
			c.Retrieval.Weights.Importance, c.Retrieval.Weights.Channel = 0, 0
		},
		"negative retention": func(c *Config) { c.Lifecycle.Retention = -time.Hour },
		"zero sweep":         func(c *Config) { c.Lifecycle.SweepInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), core.ErrInvalidInput)
		})
	}
}
