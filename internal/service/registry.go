package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ProcessorFactory builds the processor (and its adapter) for a model id.
type ProcessorFactory func(modelID string) (*BatchProcessor, error)

// ProcessorRegistry holds one BatchProcessor per model id for the lifetime of
// the process. Entries are never evicted.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[string]*BatchProcessor
	closed     bool
	creating   singleflight.Group
	logger     *slog.Logger
}

func NewProcessorRegistry(logger *slog.Logger) *ProcessorRegistry {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &ProcessorRegistry{
		processors: make(map[string]*BatchProcessor),
		logger:     logger,
	}
}

// GetOrCreate returns the processor for modelID, building it with factory on
// first use. Concurrent first callers share a single factory call and all
// observe the same instance. Factory errors are returned and not cached.
func (r *ProcessorRegistry) GetOrCreate(modelID string, factory ProcessorFactory) (*BatchProcessor, error) {
	if processor, ok, err := r.lookup(modelID); ok || err != nil {
		return processor, err
	}
	value, err, _ := r.creating.Do(modelID, func() (any, error) {
		if processor, ok, err := r.lookup(modelID); ok || err != nil {
			return processor, err
		}
		processor, err := factory(modelID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			go func() {
				_ = processor.Close(context.Background())
			}()
			return nil, fmt.Errorf("model %q: %w", modelID, ErrShutdown)
		}
		r.processors[modelID] = processor
		r.logger.Info("processor_created", "model", modelID, "adapter", processor.Adapter().Name())
		return processor, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*BatchProcessor), nil
}

func (r *ProcessorRegistry) lookup(modelID string) (*BatchProcessor, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, fmt.Errorf("model %q: %w", modelID, ErrShutdown)
	}
	processor, ok := r.processors[modelID]
	return processor, ok, nil
}

// Get returns the processor for modelID if it has been created.
func (r *ProcessorRegistry) Get(modelID string) (*BatchProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	processor, ok := r.processors[modelID]
	return processor, ok
}

// Models returns the ids of all created processors, sorted.
func (r *ProcessorRegistry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.processors))
	for id := range r.processors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close shuts every processor down concurrently and rejects further lookups.
func (r *ProcessorRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	processors := make([]*BatchProcessor, 0, len(r.processors))
	for _, processor := range r.processors {
		processors = append(processors, processor)
	}
	r.mu.Unlock()

	var group errgroup.Group
	for _, processor := range processors {
		group.Go(func() error {
			return processor.Close(ctx)
		})
	}
	return group.Wait()
}
