// Package config loads the settings of the stategraph CLI and of services
// embedding the engine: run limits, logging, the checkpoint backend and
// telemetry. Settings come from a YAML file overlaid by STATEGRAPH_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/logging"
	"github.com/langgraph-go/stategraph/telemetry"
	"github.com/langgraph-go/stategraph/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STATEGRAPH_"

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Tracing exporters.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// Config is the root configuration.
type Config struct {
	MaxSteps    int              `yaml:"max_steps" validate:"gte=1"`
	OnNodeError string           `yaml:"on_node_error" validate:"oneof=continue fail"`
	Log         LogConfig        `yaml:"log"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `yaml:"format" validate:"oneof=text json console"`
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres redis"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// RedisURL is a redis:// URL.
	RedisURL string `yaml:"redis_url"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
	// TTL expires idle Redis sessions. Zero keeps them.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
	// LockTTL bounds how long a crashed holder keeps a session locked.
	LockTTL time.Duration `yaml:"lock_ttl" validate:"gte=0"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	Tracing      string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// SampleRate is the fraction of runs traced.
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	// Metrics exposes the engine's instruments through a Prometheus registry.
	Metrics bool `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MaxSteps:    constants.DefaultMaxSteps,
		OnNodeError: constants.DefaultOnNodeError,
		Log: LogConfig{
			Format: logging.FormatText,
			Level:  "info",
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendMemory,
			Prefix:  "stategraph:",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "stategraph",
			Tracing:      TracingNone,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadEnv loads .env files into the process environment. Variables already
// set win. Missing files are ignored; with no arguments ./.env is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overlays STATEGRAPH_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ON_NODE_ERROR":      &c.OnNodeError,
		"LOG_FORMAT":         &c.Log.Format,
		"LOG_LEVEL":          &c.Log.Level,
		"CHECKPOINT_BACKEND": &c.Checkpoint.Backend,
		"CHECKPOINT_PATH":    &c.Checkpoint.Path,
		"CHECKPOINT_DSN":     &c.Checkpoint.DSN,
		"REDIS_URL":          &c.Checkpoint.RedisURL,
		"REDIS_PREFIX":       &c.Checkpoint.Prefix,
		"SERVICE_NAME":       &c.Telemetry.ServiceName,
		"TRACING":            &c.Telemetry.Tracing,
		"OTLP_ENDPOINT":      &c.Telemetry.OTLPEndpoint,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_STEPS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_STEPS: %w", EnvPrefix, err)
		}
		c.MaxSteps = n
	}
	durations := map[string]*time.Duration{
		"CHECKPOINT_TTL": &c.Checkpoint.TTL,
		"LOCK_TTL":       &c.Checkpoint.LockTTL,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	if v, ok := lookup(EnvPrefix + "METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS: %w", EnvPrefix, err)
		}
		c.Telemetry.Metrics = b
	}
	return nil
}

// Validate checks field constraints and the settings each backend needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Checkpoint.Backend {
	case BackendSqlite:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("invalid config: checkpoint.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("invalid config: checkpoint.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Checkpoint.RedisURL == "" {
			return fmt.Errorf("invalid config: checkpoint.redis_url is required for the redis backend")
		}
	}
	if c.Telemetry.Tracing == TracingOTLP && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("invalid config: telemetry.otlp_endpoint is required for otlp tracing")
	}
	return nil
}

// CompileOptions returns the run limits as compile options.
func (c *Config) CompileOptions() []graph.CompileOption {
	return []graph.CompileOption{
		graph.WithMaxSteps(c.MaxSteps),
		graph.WithOnNodeError(types.ErrorPolicy(c.OnNodeError)),
	}
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	return logging.New(c.Log.Format, c.Log.Level, w)
}

// TracingConfig converts the telemetry section for telemetry.Init.
func (c *TelemetryConfig) TracingConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = c.ServiceName
	cfg.Exporter = telemetry.Exporter(c.Tracing)
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.SampleRate = c.SampleRate
	return cfg
}
