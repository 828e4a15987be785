// Package config loads the batch-scorer configuration: built-in defaults,
// then an optional YAML file, then environment variables (a .env file is
// read first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/breaker"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/cache"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/logging"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/orchestrator"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full batch-scorer configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Scoring ScoringConfig `yaml:"scoring"`
	Run     RunConfig     `yaml:"run"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`

	// CatalogPath is the report catalog file (YAML or JSON).
	CatalogPath string `yaml:"catalog"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ScoringConfig configures the scoring service client.
type ScoringConfig struct {
	BaseURL     string `yaml:"base_url"`
	UserAgent   string `yaml:"user_agent"`
	Version     int    `yaml:"version"`
	MaxBatchIDs int    `yaml:"max_batch_ids"`
}

// RunConfig holds batch run defaults.
type RunConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxItems         int           `yaml:"max_items"`
	ChunkSize        int           `yaml:"chunk_size"`
	SkipCached       bool          `yaml:"skip_cached"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	PacingBase       time.Duration `yaml:"pacing_base"`
	PacingStep       time.Duration `yaml:"pacing_step"`
	PacingMax        time.Duration `yaml:"pacing_max"`
}

// StoreConfig selects the item table backend. An empty RedisURL keeps the
// table in memory.
type StoreConfig struct {
	RedisURL string        `yaml:"redis_url"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	pacing := breaker.DefaultPacerConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Scoring: ScoringConfig{
			UserAgent:   "batch-scorer/0.1.0",
			Version:     3,
			MaxBatchIDs: orchestrator.DefaultChunkSize,
		},
		Run: RunConfig{
			Concurrency:      orchestrator.DefaultConcurrency,
			MaxItems:         orchestrator.DefaultMaxItems,
			ChunkSize:        orchestrator.DefaultChunkSize,
			SkipCached:       true,
			BreakerThreshold: breaker.DefaultThreshold,
			PacingBase:       pacing.Base,
			PacingStep:       pacing.Step,
			PacingMax:        pacing.Max,
		},
		Store: StoreConfig{
			Prefix: cache.DefaultKeyPrefix,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the environment without
// overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("SCORER_ADDR", c.Server.Addr)
	c.Scoring.BaseURL = getEnv("SCORING_BASE_URL", c.Scoring.BaseURL)
	c.Scoring.UserAgent = getEnv("SCORING_USER_AGENT", c.Scoring.UserAgent)
	c.Store.RedisURL = getEnv("REDIS_URL", c.Store.RedisURL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.CatalogPath = getEnv("SCORER_CATALOG", c.CatalogPath)

	var err error
	if c.Scoring.Version, err = getEnvInt("SCORING_VERSION", c.Scoring.Version); err != nil {
		return err
	}
	if c.Run.Concurrency, err = getEnvInt("SCORER_CONCURRENCY", c.Run.Concurrency); err != nil {
		return err
	}
	if c.Run.MaxItems, err = getEnvInt("SCORER_MAX_ITEMS", c.Run.MaxItems); err != nil {
		return err
	}
	if c.Run.SkipCached, err = getEnvBool("SCORER_SKIP_CACHED", c.Run.SkipCached); err != nil {
		return err
	}
	if c.Log.Pretty, err = getEnvBool("LOG_PRETTY", c.Log.Pretty); err != nil {
		return err
	}
	if c.Store.TTL, err = getEnvDuration("SCORER_STORE_TTL", c.Store.TTL); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Scoring.BaseURL == "" {
		return fmt.Errorf("scoring base url is required (SCORING_BASE_URL)")
	}
	if c.Scoring.Version < 1 {
		return fmt.Errorf("scoring version must be >= 1 (got %d)", c.Scoring.Version)
	}
	if c.Scoring.MaxBatchIDs < 1 {
		return fmt.Errorf("max batch ids must be >= 1 (got %d)", c.Scoring.MaxBatchIDs)
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Run.Concurrency)
	}
	if c.Run.MaxItems < 1 {
		return fmt.Errorf("max items must be >= 1 (got %d)", c.Run.MaxItems)
	}
	if c.Run.ChunkSize < 1 || c.Run.ChunkSize > c.Scoring.MaxBatchIDs {
		return fmt.Errorf("chunk size must be in [1, %d] (got %d)", c.Scoring.MaxBatchIDs, c.Run.ChunkSize)
	}
	if c.Run.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be >= 1 (got %d)", c.Run.BreakerThreshold)
	}
	if c.Run.PacingBase < 0 || c.Run.PacingStep < 0 || c.Run.PacingMax < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store ttl must not be negative (got %s)", c.Store.TTL)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ClientConfig returns the scoring client configuration.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.Scoring.BaseURL, c.Scoring.UserAgent)
	cfg.Version = c.Scoring.Version
	cfg.MaxBatchIDs = c.Scoring.MaxBatchIDs
	return cfg
}

// OrchestratorConfig returns the orchestrator configuration.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		ChunkSize:        c.Run.ChunkSize,
		BreakerThreshold: c.Run.BreakerThreshold,
		Pacing: breaker.PacerConfig{
			Base: c.Run.PacingBase,
			Step: c.Run.PacingStep,
			Max:  c.Run.PacingMax,
		},
		MaxItems: c.Run.MaxItems,
	}
}

// Settings returns the default run settings.
func (c Config) Settings() orchestrator.Settings {
	return orchestrator.Settings{
		Concurrency: c.Run.Concurrency,
		SkipCached:  c.Run.SkipCached,
		MaxItems:    c.Run.MaxItems,
	}
}

// RedisConfig returns the item table configuration for Redis.
func (c Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Prefix:  c.Store.Prefix,
		Version: c.Scoring.Version,
		TTL:     c.Store.TTL,
	}
}

// LoggingConfig returns the logger configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	level, _ := logging.ParseLevel(c.Log.Level)
	cfg.Level = level
	cfg.Pretty = c.Log.Pretty
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}
