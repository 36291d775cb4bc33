package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// ModelCatalog is the immutable set of servable models.
type ModelCatalog struct {
	specs map[string]ModelSpec
	ids   []string
}

func NewModelCatalog(specs []ModelSpec) (*ModelCatalog, error) {
	catalog := &ModelCatalog{specs: make(map[string]ModelSpec, len(specs))}
	for _, spec := range specs {
		spec.ID = strings.TrimSpace(spec.ID)
		if spec.ID == "" {
			return nil, fmt.Errorf("%w: model id is required", ErrConfiguration)
		}
		if _, dup := catalog.specs[spec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate model id %q", ErrConfiguration, spec.ID)
		}
		task, err := parseTask(string(spec.Task))
		if err != nil {
			return nil, fmt.Errorf("%w: model %q: %w", ErrConfiguration, spec.ID, err)
		}
		spec.Task = task
		catalog.specs[spec.ID] = spec
		catalog.ids = append(catalog.ids, spec.ID)
	}
	slices.Sort(catalog.ids)
	return catalog, nil
}

func (c *ModelCatalog) Lookup(modelID string) (ModelSpec, bool) {
	spec, ok := c.specs[modelID]
	return spec, ok
}

func (c *ModelCatalog) IDs() []string {
	return slices.Clone(c.ids)
}

type RuntimeConfig struct {
	Models   []ModelSpec
	Batching BatchingConfig
	// BuildAdapter defaults to BuildAdapter.
	BuildAdapter func(spec ModelSpec) (InferenceAdapter, error)
	Clock        clock.Clock
	Logger       *slog.Logger
	Hooks        TelemetryHooks
}

// Runtime is the producer facing entry point: it resolves the processor of a
// model on first use and submits items to it.
type Runtime struct {
	catalog      *ModelCatalog
	registry     *ProcessorRegistry
	batching     BatchingConfig
	buildAdapter func(spec ModelSpec) (InferenceAdapter, error)
	clock        clock.Clock
	logger       *slog.Logger
	hooks        TelemetryHooks
}

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Batching.MaxBatchSize <= 0 || cfg.Batching.FlushTimeout <= 0 {
		return nil, fmt.Errorf(
			"%w: default batching needs max batch size and flush timeout > 0",
			ErrConfiguration,
		)
	}
	catalog, err := NewModelCatalog(cfg.Models)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	build := cfg.BuildAdapter
	if build == nil {
		build = BuildAdapter
	}
	return &Runtime{
		catalog:      catalog,
		registry:     NewProcessorRegistry(logger),
		batching:     cfg.Batching,
		buildAdapter: build,
		clock:        cfg.Clock,
		logger:       logger,
		hooks:        hooks,
	}, nil
}

func (r *Runtime) Catalog() *ModelCatalog {
	return r.catalog
}

func (r *Runtime) Registry() *ProcessorRegistry {
	return r.registry
}

// Predict submits input to the batch processor of modelID and waits for the
// rows that belong to it.
func (r *Runtime) Predict(ctx context.Context, modelID string, input Tensor) (Tensor, error) {
	processor, err := r.registry.GetOrCreate(modelID, r.newProcessor)
	if err != nil {
		return Tensor{}, err
	}
	return processor.Submit(ctx, input)
}

func (r *Runtime) newProcessor(modelID string) (*BatchProcessor, error) {
	spec, ok := r.catalog.Lookup(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	adapter, err := r.buildAdapter(spec)
	if err != nil {
		return nil, fmt.Errorf("model %q: build adapter: %w", modelID, err)
	}
	size, timeout := r.effectiveBatching(spec)
	processor, err := NewBatchProcessor(adapter, BatcherConfig{
		ModelID:      modelID,
		MaxBatchSize: size,
		FlushTimeout: timeout,
		QueueSize:    r.batching.QueueSize,
		InputShape:   spec.InputShape,
		Clock:        r.clock,
		Logger:       r.logger,
		Hooks:        r.hooks,
	})
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return processor, nil
}

func (r *Runtime) effectiveBatching(spec ModelSpec) (int, time.Duration) {
	return Config{Batching: r.batching}.BatcherSettings(spec)
}

// Close drains every processor; see BatchProcessor.Close.
func (r *Runtime) Close(ctx context.Context) error {
	return r.registry.Close(ctx)
}
