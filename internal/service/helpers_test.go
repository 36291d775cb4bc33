package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingAdapter maps every value v to 2v+1 and keeps the batches it saw.
type recordingAdapter struct {
	name   string
	mu     sync.Mutex
	seen   []Tensor
	closed atomic.Int32
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{name: "recording"}
}

func (a *recordingAdapter) Name() string {
	return a.name
}

func (a *recordingAdapter) PredictBatch(_ context.Context, batch Tensor) (Tensor, error) {
	a.mu.Lock()
	a.seen = append(a.seen, Tensor{Shape: slices.Clone(batch.Shape), Data: slices.Clone(batch.Data)})
	a.mu.Unlock()
	return transformed(batch), nil
}

func (a *recordingAdapter) Close() error {
	a.closed.Add(1)
	return nil
}

func (a *recordingAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *recordingAdapter) Batches() []Tensor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.seen)
}

func (a *recordingAdapter) BatchRows() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := make([]int, len(a.seen))
	for idx, batch := range a.seen {
		rows[idx] = batch.Rows()
	}
	return rows
}

// gatedAdapter blocks every call until release is closed or the dispatch
// context is cancelled.
type gatedAdapter struct {
	*recordingAdapter
	started   chan struct{}
	release   chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
}

func newGatedAdapter() *gatedAdapter {
	return &gatedAdapter{
		recordingAdapter: newRecordingAdapter(),
		started:          make(chan struct{}, 64),
		release:          make(chan struct{}),
	}
}

func (a *gatedAdapter) PredictBatch(ctx context.Context, batch Tensor) (Tensor, error) {
	current := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		seen := a.maxActive.Load()
		if current <= seen || a.maxActive.CompareAndSwap(seen, current) {
			break
		}
	}
	a.started <- struct{}{}
	select {
	case <-a.release:
	case <-ctx.Done():
		return Tensor{}, ctx.Err()
	}
	return a.recordingAdapter.PredictBatch(ctx, batch)
}

type failingAdapter struct {
	err error
}

func (a failingAdapter) Name() string {
	return "failing"
}

func (a failingAdapter) PredictBatch(context.Context, Tensor) (Tensor, error) {
	return Tensor{}, a.err
}

func (a failingAdapter) Close() error {
	return nil
}

type panicAdapter struct{}

func (panicAdapter) Name() string {
	return "panic"
}

func (panicAdapter) PredictBatch(context.Context, Tensor) (Tensor, error) {
	panic("kernel launch failed")
}

func (panicAdapter) Close() error {
	return nil
}

// shortAdapter drops the last output row.
type shortAdapter struct{}

func (shortAdapter) Name() string {
	return "short"
}

func (shortAdapter) PredictBatch(_ context.Context, batch Tensor) (Tensor, error) {
	out := transformed(batch)
	return out.sliceRows(0, out.Rows()-1), nil
}

func (shortAdapter) Close() error {
	return nil
}

type recordingHooks struct {
	NopTelemetryHooks
	mu         sync.Mutex
	dispatches []DispatchEvent
	failures   []FailureEvent
	statuses   []int
}

func (h *recordingHooks) OnDispatch(_ context.Context, event DispatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatches = append(h.dispatches, event)
}

func (h *recordingHooks) OnBackendFailure(_ context.Context, event FailureEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, event)
}

func (h *recordingHooks) OnHTTPRequestDone(
	_ context.Context,
	_ string,
	_ string,
	statusCode int,
	_ time.Duration,
	_ error,
) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, statusCode)
}

func (h *recordingHooks) Dispatches() []DispatchEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.dispatches)
}

func (h *recordingHooks) Failures() []FailureEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.failures)
}

func (h *recordingHooks) Statuses() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.statuses)
}

type panicHooks struct {
	NopTelemetryHooks
}

func (panicHooks) OnDispatch(context.Context, DispatchEvent) {
	panic("metrics exporter broke")
}

func (panicHooks) OnBackendFailure(context.Context, FailureEvent) {
	panic("metrics exporter broke")
}

func transformed(input Tensor) Tensor {
	data := make([]float32, len(input.Data))
	for idx, value := range input.Data {
		data[idx] = 2*value + 1
	}
	return Tensor{Shape: slices.Clone(input.Shape), Data: data}
}

// row builds a single-row item.
func row(values ...float32) Tensor {
	return Tensor{Shape: []int{1, len(values)}, Data: values}
}

func newTestProcessor(t *testing.T, adapter InferenceAdapter, configure func(*BatcherConfig)) *BatchProcessor {
	t.Helper()
	cfg := BatcherConfig{
		ModelID:      "test-model",
		MaxBatchSize: 4,
		FlushTimeout: 200 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	processor, err := NewBatchProcessor(adapter, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := processor.Close(ctx)
		if err != nil && !errors.Is(err, ErrShutdown) {
			t.Errorf("close processor: %v", err)
		}
	})
	return processor
}

func waitHandle(t *testing.T, handle *CompletionHandle[Tensor]) (Tensor, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-handle.Done():
	case <-ctx.Done():
		t.Fatalf("handle was not settled in time")
	}
	return handle.Wait(ctx)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
