package service

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "INFERBATCH"

// Config is the runtime configuration. Precedence: defaults, then the YAML
// file, then INFERBATCH_* environment variables, then command line flags.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Batching  BatchingConfig  `yaml:"batching"`
	Models    []ModelSpec     `yaml:"models"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	PredictTimeout    time.Duration `yaml:"predict_timeout"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// BatchingConfig holds the defaults used by models that do not override them.
type BatchingConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// QueueSize bounds the items waiting per model; 0 selects the default.
	QueueSize int `yaml:"queue_size"`
}

// ModelSpec describes one servable model.
type ModelSpec struct {
	ID           string        `yaml:"id"`
	Backend      string        `yaml:"backend"`
	ArtifactPath string        `yaml:"artifact_path"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	InputShape   []int         `yaml:"input_shape"`
	Task         Task          `yaml:"task"`
	Labels       []string      `yaml:"labels"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "ml-inference",
			SampleRate:   1.0,
		},
		Batching: BatchingConfig{
			MaxBatchSize: 16,
			FlushTimeout: 200 * time.Millisecond,
			QueueSize:    defaultQueueSize,
		},
	}
}

// LoadConfig reads path (optional) on top of the defaults and applies the
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse config %q: %v", ErrConfiguration, path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envOr(EnvPrefix+"_ADDR", c.Server.Addr)
	c.Server.ShutdownTimeout = envDuration(EnvPrefix+"_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.PredictTimeout = envDuration(EnvPrefix+"_PREDICT_TIMEOUT", c.Server.PredictTimeout)
	c.Log.Format = envOr(EnvPrefix+"_LOG_FORMAT", c.Log.Format)
	c.Log.Level = envOr(EnvPrefix+"_LOG_LEVEL", c.Log.Level)
	c.Telemetry.Enabled = envBool(EnvPrefix+"_TELEMETRY_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envOr(EnvPrefix+"_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.SampleRate = envFloat(EnvPrefix+"_TELEMETRY_SAMPLE_RATE", c.Telemetry.SampleRate)
	c.Batching.MaxBatchSize = envInt(EnvPrefix+"_MAX_BATCH_SIZE", c.Batching.MaxBatchSize)
	c.Batching.FlushTimeout = envDuration(EnvPrefix+"_FLUSH_TIMEOUT", c.Batching.FlushTimeout)
	c.Batching.QueueSize = envInt(EnvPrefix+"_QUEUE_SIZE", c.Batching.QueueSize)
}

func (c Config) Validate() error {
	var errs []error
	if c.Batching.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batching.max_batch_size must be > 0"))
	}
	if c.Batching.FlushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("batching.flush_timeout must be > 0"))
	}
	if c.Batching.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("batching.queue_size must be >= 0"))
	}
	if c.Batching.QueueSize > 0 && c.Batching.MaxBatchSize > c.Batching.QueueSize {
		errs = append(errs, fmt.Errorf("batching.max_batch_size must not exceed batching.queue_size"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1]"))
	}
	seen := make(map[string]struct{}, len(c.Models))
	for idx, model := range c.Models {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("models[%d].id is required", idx))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate id %q", idx, id))
		}
		seen[id] = struct{}{}
		if model.MaxBatchSize < 0 {
			errs = append(errs, fmt.Errorf("model %q: max_batch_size must be >= 0", id))
		}
		if model.FlushTimeout < 0 {
			errs = append(errs, fmt.Errorf("model %q: flush_timeout must be >= 0", id))
		}
		if size, _ := c.BatcherSettings(model); c.Batching.QueueSize > 0 && size > c.Batching.QueueSize {
			errs = append(errs, fmt.Errorf(
				"model %q: max_batch_size %d exceeds batching.queue_size %d",
				id,
				size,
				c.Batching.QueueSize,
			))
		}
		if err := validateInputShape(model.InputShape); err != nil {
			errs = append(errs, fmt.Errorf("model %q: %w", id, err))
		}
		if _, err := parseTask(string(model.Task)); err != nil {
			errs = append(errs, fmt.Errorf("model %q: %w", id, err))
		}
		if _, ok := backendBuilders[strings.ToLower(strings.TrimSpace(model.Backend))]; !ok {
			errs = append(errs, fmt.Errorf("model %q: unsupported backend %q", id, model.Backend))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// BatcherSettings resolves the effective batching parameters for model.
func (c Config) BatcherSettings(model ModelSpec) (int, time.Duration) {
	size := c.Batching.MaxBatchSize
	if model.MaxBatchSize > 0 {
		size = model.MaxBatchSize
	}
	timeout := c.Batching.FlushTimeout
	if model.FlushTimeout > 0 {
		timeout = model.FlushTimeout
	}
	return size, timeout
}

func envOr(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
