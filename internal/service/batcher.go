package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultQueueSize = 256

type BatcherConfig struct {
	ModelID      string
	MaxBatchSize int
	FlushTimeout time.Duration
	// QueueSize bounds the items waiting for dispatch, the batch being
	// dispatched excluded. Zero selects max(256, MaxBatchSize).
	QueueSize int
	// InputShape optionally constrains the row shape of submitted items
	// (batch axis excluded). -1 accepts any size on that axis.
	InputShape []int
	Clock      clock.Clock
	Logger     *slog.Logger
	Hooks      TelemetryHooks
}

func (c BatcherConfig) validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: max batch size must be > 0, got %d", ErrConfiguration, c.MaxBatchSize)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("%w: flush timeout must be > 0, got %s", ErrConfiguration, c.FlushTimeout)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: queue size must be >= 0, got %d", ErrConfiguration, c.QueueSize)
	}
	if c.QueueSize > 0 && c.QueueSize < c.MaxBatchSize {
		return fmt.Errorf(
			"%w: queue size %d is smaller than max batch size %d",
			ErrConfiguration,
			c.QueueSize,
			c.MaxBatchSize,
		)
	}
	if err := validateInputShape(c.InputShape); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// validateInputShape accepts positive sizes and -1 wildcards.
func validateInputShape(shape []int) error {
	for axis, dim := range shape {
		if dim == 0 || dim < -1 {
			return fmt.Errorf("input shape axis %d must be > 0 or -1, got %d", axis, dim)
		}
	}
	return nil
}

// BatchProcessor coalesces the items submitted for one model into batches
// bounded by MaxBatchSize and FlushTimeout. Batches are dispatched one at a
// time, in the order they were opened, on a goroutine owned by the processor.
type BatchProcessor struct {
	adapter InferenceAdapter
	cfg     BatcherConfig
	clock   clock.Clock
	logger  *slog.Logger
	hooks   TelemetryHooks

	mu       sync.Mutex
	batches  []*pendingBatch
	queued   int
	timer    *clock.Timer
	timerGen uint64
	inFlight bool
	closed   bool

	wake           chan struct{}
	closing        chan struct{}
	done           chan struct{}
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	adapterOnce    sync.Once
	adapterErr     error
}

func NewBatchProcessor(adapter InferenceAdapter, cfg BatcherConfig) (*BatchProcessor, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter must not be nil", ErrConfiguration)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.InputShape = slices.Clone(cfg.InputShape)
	if cfg.QueueSize == 0 {
		cfg.QueueSize = max(defaultQueueSize, cfg.MaxBatchSize)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	dispatchCtx, cancel := context.WithCancel(context.Background())
	p := &BatchProcessor{
		adapter:        adapter,
		cfg:            cfg,
		clock:          clk,
		logger:         logger.With("model", cfg.ModelID),
		hooks:          hooks,
		wake:           make(chan struct{}, 1),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		dispatchCtx:    dispatchCtx,
		cancelDispatch: cancel,
	}
	go p.run()
	return p, nil
}

func (p *BatchProcessor) ModelID() string {
	return p.cfg.ModelID
}

func (p *BatchProcessor) Adapter() InferenceAdapter {
	return p.adapter
}

// Pending returns the number of submitted items not yet handed to the adapter.
func (p *BatchProcessor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// InFlight reports whether a batch is currently being dispatched.
func (p *BatchProcessor) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Submit adds input to the open batch and blocks until the batch has been
// dispatched. If ctx ends first the call returns ctx.Err(), but the item stays
// in its batch.
func (p *BatchProcessor) Submit(ctx context.Context, input Tensor) (Tensor, error) {
	handle, err := p.enqueue(input)
	if err != nil {
		return Tensor{}, err
	}
	return handle.Wait(ctx)
}

func (p *BatchProcessor) enqueue(input Tensor) (*CompletionHandle[Tensor], error) {
	if err := input.validate(); err != nil {
		return nil, &ShapeMismatchError{
			ModelID:  p.cfg.ModelID,
			Expected: p.cfg.InputShape,
			Got:      input.Shape,
			Err:      err,
		}
	}
	rowShape := input.RowShape()
	if p.cfg.InputShape != nil && !matchesShape(p.cfg.InputShape, rowShape) {
		return nil, &ShapeMismatchError{
			ModelID:  p.cfg.ModelID,
			Expected: p.cfg.InputShape,
			Got:      rowShape,
		}
	}
	req := &pendingRequest{
		input:   input,
		arrival: p.clock.Now(),
		handle:  NewCompletionHandle[Tensor](),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("model %q: %w", p.cfg.ModelID, ErrShutdown)
	}
	if p.queued >= p.cfg.QueueSize {
		p.logger.Warn("batch_queue_full", "queued", p.queued, "queue_size", p.cfg.QueueSize)
		return nil, fmt.Errorf("model %q: %w", p.cfg.ModelID, ErrQueueFull)
	}
	tail := p.tailLocked()
	if tail != nil && !slices.Equal(tail.rowShape, rowShape) {
		return nil, &ShapeMismatchError{
			ModelID:  p.cfg.ModelID,
			Expected: tail.rowShape,
			Got:      rowShape,
		}
	}
	if tail == nil {
		tail = newPendingBatch(rowShape, p.cfg.MaxBatchSize)
		p.batches = append(p.batches, tail)
	}
	tail.requests = append(tail.requests, req)
	p.queued++

	if p.timer == nil {
		p.armTimerLocked()
	}
	if oldest := p.oldestOpenLocked(); oldest != nil && len(oldest.requests) >= p.cfg.MaxBatchSize {
		p.stopTimerLocked()
		p.flushLocked(oldest, FlushedBySize)
		p.rearmLocked()
	}
	return req.handle, nil
}

// tailLocked returns the newest batch if it still accepts items.
func (p *BatchProcessor) tailLocked() *pendingBatch {
	if len(p.batches) == 0 {
		return nil
	}
	tail := p.batches[len(p.batches)-1]
	if tail.flushed() || len(tail.requests) >= p.cfg.MaxBatchSize {
		return nil
	}
	return tail
}

func (p *BatchProcessor) oldestOpenLocked() *pendingBatch {
	for _, batch := range p.batches {
		if !batch.flushed() {
			return batch
		}
	}
	return nil
}

func (p *BatchProcessor) flushLocked(batch *pendingBatch, reason FlushReason) {
	batch.flushedBy = reason
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *BatchProcessor) armTimerLocked() {
	p.timerGen++
	gen := p.timerGen
	p.timer = p.clock.AfterFunc(p.cfg.FlushTimeout, func() {
		p.onFlushTimeout(gen)
	})
}

// stopTimerLocked also invalidates a callback that already fired but has not
// acquired the lock yet.
func (p *BatchProcessor) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerGen++
}

// rearmLocked arms a timer for a batch that is still accumulating without one.
func (p *BatchProcessor) rearmLocked() {
	if p.closed || p.timer != nil {
		return
	}
	if next := p.oldestOpenLocked(); next != nil && len(next.requests) > 0 {
		p.armTimerLocked()
	}
}

func (p *BatchProcessor) onFlushTimeout(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.timerGen || p.closed {
		return
	}
	p.timer = nil
	if oldest := p.oldestOpenLocked(); oldest != nil && len(oldest.requests) > 0 {
		p.flushLocked(oldest, FlushedByTimeout)
	}
	p.rearmLocked()
}

func (p *BatchProcessor) run() {
	defer close(p.done)
	for {
		if batch := p.claimNext(); batch != nil {
			p.dispatch(batch)
			continue
		}
		select {
		case <-p.wake:
		case <-p.closing:
			if batch := p.claimNext(); batch != nil {
				p.dispatch(batch)
				continue
			}
			return
		}
	}
}

// claimNext removes the oldest batch from the queue if it has been flushed.
func (p *BatchProcessor) claimNext() *pendingBatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.batches) == 0 || !p.batches[0].flushed() {
		return nil
	}
	batch := p.batches[0]
	p.batches[0] = nil
	p.batches = p.batches[1:]
	p.queued -= len(batch.requests)
	p.inFlight = true
	return batch
}

func (p *BatchProcessor) dispatch(batch *pendingBatch) {
	start := p.clock.Now()
	queueWait, avgQueueWait := queueWaits(batch, start)

	output, err := p.predict(batch.inputs())
	dispatchTime := p.clock.Since(start)
	if err == nil {
		err = checkOutputRows(output, batch.rows())
	}

	event := DispatchEvent{
		ModelID:          p.cfg.ModelID,
		BatchSize:        len(batch.requests),
		QueueWait:        queueWait,
		AvgQueueWait:     avgQueueWait,
		DispatchDuration: dispatchTime,
		FlushedBy:        batch.flushedBy,
		InputShape:       append([]int{batch.rows()}, batch.rowShape...),
	}
	if err != nil {
		batchErr := &BackendInferenceError{
			ModelID:   p.cfg.ModelID,
			BatchSize: len(batch.requests),
			Err:       err,
		}
		p.logger.Error(
			"batch_dispatch_failed",
			"adapter", p.adapter.Name(),
			"batch_size", len(batch.requests),
			"flushed_by", string(batch.flushedBy),
			"queue_wait_ms", durationMillis(queueWait),
			"dispatch_ms", durationMillis(dispatchTime),
			"error", err.Error(),
		)
		event.Err = batchErr
		p.notify("on_backend_failure", func(ctx context.Context) {
			p.hooks.OnBackendFailure(ctx, FailureEvent{
				ModelID:   p.cfg.ModelID,
				BatchSize: len(batch.requests),
				ErrorKind: errorKind(err),
				Err:       batchErr,
			})
		})
		p.notify("on_dispatch", func(ctx context.Context) {
			p.hooks.OnDispatch(ctx, event)
		})
		batch.failAll(batchErr)
		p.finishDispatch()
		return
	}

	p.logger.Info(
		"batch_dispatch_done",
		"adapter", p.adapter.Name(),
		"batch_size", len(batch.requests),
		"flushed_by", string(batch.flushedBy),
		"queue_wait_ms", durationMillis(queueWait),
		"dispatch_ms", durationMillis(dispatchTime),
	)
	p.notify("on_dispatch", func(ctx context.Context) {
		p.hooks.OnDispatch(ctx, event)
	})

	offset := 0
	for _, req := range batch.requests {
		rows := req.input.Rows()
		req.handle.Resolve(output.sliceRows(offset, offset+rows))
		offset += rows
	}
	p.finishDispatch()
}

// notify runs a telemetry hook. A panicking hook is logged and must not take
// the dispatch goroutine or the waiting callers down with it.
func (p *BatchProcessor) notify(hook string, call func(ctx context.Context)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("telemetry_hook_panic", "hook", hook, "panic", fmt.Sprint(recovered))
		}
	}()
	call(context.Background())
}

func (p *BatchProcessor) predict(inputs []Tensor) (output Tensor, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			output = Tensor{}
			err = fmt.Errorf("%w: adapter panic: %v", ErrBackendInference, recovered)
		}
	}()
	batchInput, err := concatRows(inputs)
	if err != nil {
		return Tensor{}, err
	}
	return p.adapter.PredictBatch(p.dispatchCtx, batchInput)
}

func (p *BatchProcessor) finishDispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	p.rearmLocked()
}

// Close stops accepting items, flushes every open batch and waits for the
// dispatch goroutine to drain them. If ctx ends first, the running dispatch is
// cancelled and every batch still queued fails with ErrShutdown.
func (p *BatchProcessor) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.stopTimerLocked()
		for _, batch := range p.batches {
			if !batch.flushed() && len(batch.requests) > 0 {
				p.flushLocked(batch, FlushedByShutdown)
			}
		}
		close(p.closing)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancelDispatch()
		p.logger.Info("processor_shutdown", "adapter", p.adapter.Name())
		return p.closeAdapter()
	case <-ctx.Done():
	}

	p.mu.Lock()
	remaining := p.batches
	p.batches = nil
	p.queued = 0
	p.mu.Unlock()
	p.cancelDispatch()

	dropped := 0
	shutdownErr := fmt.Errorf("model %q: %w", p.cfg.ModelID, ErrShutdown)
	for _, batch := range remaining {
		dropped += len(batch.requests)
		batch.failAll(shutdownErr)
	}
	p.logger.Warn(
		"processor_shutdown_forced",
		"adapter", p.adapter.Name(),
		"failed_requests", dropped,
		"error", ctx.Err().Error(),
	)
	go func() {
		<-p.done
		_ = p.closeAdapter()
	}()
	return fmt.Errorf("model %q: %w: %w", p.cfg.ModelID, ErrShutdown, ctx.Err())
}

func (p *BatchProcessor) closeAdapter() error {
	p.adapterOnce.Do(func() {
		p.adapterErr = p.adapter.Close()
	})
	return p.adapterErr
}

func queueWaits(batch *pendingBatch, start time.Time) (time.Duration, time.Duration) {
	var maxWait, total time.Duration
	for _, req := range batch.requests {
		wait := start.Sub(req.arrival)
		if wait < 0 {
			wait = 0
		}
		total += wait
		if wait > maxWait {
			maxWait = wait
		}
	}
	if len(batch.requests) == 0 {
		return 0, 0
	}
	return maxWait, total / time.Duration(len(batch.requests))
}

func checkOutputRows(output Tensor, rows int) error {
	if err := output.validate(); err != nil {
		return fmt.Errorf("%w: adapter output: %w", ErrBackendProtocol, err)
	}
	if output.Rows() != rows {
		return fmt.Errorf(
			"%w: adapter returned %d rows for %d input rows",
			ErrBackendProtocol,
			output.Rows(),
			rows,
		)
	}
	return nil
}

func durationMillis(value time.Duration) float64 {
	if value < 0 {
		return 0.0
	}
	return float64(value) / float64(time.Millisecond)
}
