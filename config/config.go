// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/identity"
	"github.com/becomeliminal/nim-recall/logging"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/profile"
)

// StorageConfig selects where records live.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	Path   string `yaml:"path"`   // sqlite database file
}

// IndexConfig configures the chromem embedding index.
type IndexConfig struct {
	Path       string `yaml:"path"` // Empty keeps the index in memory
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
}

// EmbedderConfig selects the embedding function.
type EmbedderConfig struct {
	Type       string `yaml:"type"` // mock, onnx or openai
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int64  `yaml:"cache_size"` // Cached vectors; 0 disables the cache

	// onnx
	ModelPath         string `yaml:"model_path"`
	TokenizerPath     string `yaml:"tokenizer_path"`
	SharedLibraryPath string `yaml:"shared_library_path"`

	// openai
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// LifecycleConfig schedules retention and erasure maintenance.
type LifecycleConfig struct {
	Retention     time.Duration `yaml:"retention"` // 0 keeps records forever
	BatchSize     int           `yaml:"batch_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PendingLimit  int           `yaml:"pending_limit"` // Records re-embedded per sweep
}

// ServerConfig sets listen addresses. Empty disables a listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Config is the root configuration.
type Config struct {
	Storage   StorageConfig        `yaml:"storage"`
	Index     IndexConfig          `yaml:"index"`
	Embedder  EmbedderConfig       `yaml:"embedder"`
	Identity  identity.Config      `yaml:"identity"`
	Retrieval memory.RankingConfig `yaml:"retrieval"`
	Profile   profile.Config       `yaml:"profile"`
	Lifecycle LifecycleConfig      `yaml:"lifecycle"`
	Server    ServerConfig         `yaml:"server"`
	Log       logging.Config       `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Storage:   StorageConfig{Driver: "memory"},
		Index:     IndexConfig{Collection: "interactions"},
		Embedder:  EmbedderConfig{Type: "mock", Dimensions: 384, CacheSize: 10000, APIKeyEnv: "OPENAI_API_KEY"},
		Identity:  identity.DefaultConfig,
		Retrieval: memory.DefaultRankingConfig(),
		Profile:   profile.Config{Workers: 2, QueueSize: 1024, CacheSize: 10000},
		Lifecycle: LifecycleConfig{
			Retention:     365 * 24 * time.Hour,
			BatchSize:     500,
			SweepInterval: time.Hour,
			PendingLimit:  500,
		},
		Server: ServerConfig{HTTPAddr: ":8080", GRPCAddr: ":9090"},
		Log:    logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, applies RECALL_* environment overrides
// and validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := cfg.decode(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides fields from RECALL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RECALL_STORAGE_DRIVER":  &c.Storage.Driver,
		"RECALL_STORAGE_PATH":    &c.Storage.Path,
		"RECALL_INDEX_PATH":      &c.Index.Path,
		"RECALL_EMBEDDER_TYPE":   &c.Embedder.Type,
		"RECALL_EMBEDDER_MODEL":  &c.Embedder.Model,
		"RECALL_ONNX_MODEL_PATH": &c.Embedder.ModelPath,
		"RECALL_ONNX_TOKENIZER":  &c.Embedder.TokenizerPath,
		"RECALL_OPENAI_BASE_URL": &c.Embedder.BaseURL,
		"RECALL_HTTP_ADDR":       &c.Server.HTTPAddr,
		"RECALL_GRPC_ADDR":       &c.Server.GRPCAddr,
		"RECALL_LOG_LEVEL":       &c.Log.Level,
		"RECALL_LOG_FORMAT":      &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"RECALL_RETENTION":      &c.Lifecycle.Retention,
		"RECALL_SWEEP_INTERVAL": &c.Lifecycle.SweepInterval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", core.ErrInvalidInput, key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("RECALL_EMBEDDER_DIMENSIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RECALL_EMBEDDER_DIMENSIONS: %v", core.ErrInvalidInput, err)
		}
		c.Embedder.Dimensions = n
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for sqlite", core.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", core.ErrInvalidInput, c.Storage.Driver)
	}

	switch c.Embedder.Type {
	case "mock", "openai":
	case "onnx":
		if c.Embedder.ModelPath == "" || c.Embedder.TokenizerPath == "" {
			return fmt.Errorf("%w: embedder.model_path and embedder.tokenizer_path are required for onnx", core.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown embedder type %q", core.ErrInvalidInput, c.Embedder.Type)
	}
	if c.Embedder.Dimensions < 0 {
		return fmt.Errorf("%w: embedder.dimensions must not be negative", core.ErrInvalidInput)
	}

	id := c.Identity
	for name, v := range map[string]float64{
		"email_weight":    id.EmailWeight,
		"phone_weight":    id.PhoneWeight,
		"name_weight":     id.NameWeight,
		"fuzzy_threshold": id.FuzzyThreshold,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%w: identity.%s must be in (0,1]", core.ErrInvalidInput, name)
		}
	}

	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if c.Profile.Workers < 0 || c.Profile.QueueSize < 0 || c.Profile.CacheSize < 0 {
		return fmt.Errorf("%w: profile sizes must not be negative", core.ErrInvalidInput)
	}
	if c.Lifecycle.Retention < 0 || c.Lifecycle.BatchSize < 0 || c.Lifecycle.PendingLimit < 0 {
		return fmt.Errorf("%w: lifecycle retention and sizes must not be negative", core.ErrInvalidInput)
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("%w: lifecycle.sweep_interval must be positive", core.ErrInvalidInput)
	}
	return nil
}
