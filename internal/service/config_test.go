package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  addr: ":9090"
  predict_timeout: 2s
log:
  format: text
batching:
  max_batch_size: 8
  flush_timeout: 150ms
models:
  - id: landcover
    backend: onnxruntime
    artifact_path: /models/landcover.onnx
    input_shape: [3, -1, -1]
    task: segmentation
  - id: cloud-mask
    backend: tensorrt
    artifact_path: /models/cloud.plan
    max_batch_size: 32
    flush_timeout: 20ms
    task: classification
    labels: [clear, cloudy]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromYAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Server.PredictTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, []int{3, -1, -1}, cfg.Models[0].InputShape)
	assert.Equal(t, TaskSegmentation, cfg.Models[0].Task)
	assert.Equal(t, []string{"clear", "cloudy"}, cfg.Models[1].Labels)

	size, timeout := cfg.BatcherSettings(cfg.Models[0])
	assert.Equal(t, 8, size)
	assert.Equal(t, 150*time.Millisecond, timeout)
	size, timeout = cfg.BatcherSettings(cfg.Models[1])
	assert.Equal(t, 32, size)
	assert.Equal(t, 20*time.Millisecond, timeout)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"_ADDR", ":7070")
	t.Setenv(EnvPrefix+"_MAX_BATCH_SIZE", "64")
	t.Setenv(EnvPrefix+"_FLUSH_TIMEOUT", "1s")
	t.Setenv(EnvPrefix+"_QUEUE_SIZE", "512")
	t.Setenv(EnvPrefix+"_LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"_TELEMETRY_ENABLED", "true")
	t.Setenv(EnvPrefix+"_TELEMETRY_SAMPLE_RATE", "not-a-number")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 64, cfg.Batching.MaxBatchSize)
	assert.Equal(t, time.Second, cfg.Batching.FlushTimeout)
	assert.Equal(t, 512, cfg.Batching.QueueSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "batching: [not, a, map]"))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "batch size", mutate: func(c *Config) { c.Batching.MaxBatchSize = 0 }},
		{name: "flush timeout", mutate: func(c *Config) { c.Batching.FlushTimeout = 0 }},
		{name: "sample rate", mutate: func(c *Config) { c.Telemetry.SampleRate = 1.5 }},
		{name: "missing id", mutate: func(c *Config) { c.Models = []ModelSpec{{Backend: "onnxruntime"}} }},
		{
			name: "duplicate id",
			mutate: func(c *Config) {
				c.Models = []ModelSpec{{ID: "a", Backend: "onnxruntime"}, {ID: "a", Backend: "onnxruntime"}}
			},
		},
		{name: "backend", mutate: func(c *Config) { c.Models = []ModelSpec{{ID: "a", Backend: "tflite"}} }},
		{
			name:   "task",
			mutate: func(c *Config) { c.Models = []ModelSpec{{ID: "a", Backend: "onnxruntime", Task: "ocr"}} },
		},
		{name: "queue size", mutate: func(c *Config) { c.Batching.QueueSize = -1 }},
		{
			name: "batch larger than queue",
			mutate: func(c *Config) {
				c.Batching.QueueSize = 16
				c.Models = []ModelSpec{{ID: "a", Backend: "onnxruntime", MaxBatchSize: 32}}
			},
		},
		{
			name: "zero input axis",
			mutate: func(c *Config) {
				c.Models = []ModelSpec{{ID: "a", Backend: "onnxruntime", InputShape: []int{0, 3}}}
			},
		},
		{
			name: "bad input wildcard",
			mutate: func(c *Config) {
				c.Models = []ModelSpec{{ID: "a", Backend: "onnxruntime", InputShape: []int{3, -2}}}
			},
		},
		{
			name: "negative override",
			mutate: func(c *Config) {
				c.Models = []ModelSpec{{ID: "a", Backend: "onnxruntime", MaxBatchSize: -1}}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrConfiguration)
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "inferbatch.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Models, 2)

	size, timeout := cfg.BatcherSettings(cfg.Models[1])
	assert.Equal(t, 8, size)
	assert.Equal(t, 50*time.Millisecond, timeout)
}
