package service

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrBackendInference   = errors.New("inference backend inference failed")
	ErrBackendProtocol    = errors.New("inference backend protocol failed")

	ErrConfiguration = errors.New("invalid configuration")
	ErrShapeMismatch = errors.New("input shape mismatch")
	ErrInvalidTensor = errors.New("invalid tensor")
	ErrShutdown      = errors.New("processor is shut down")
	ErrQueueFull     = errors.New("request queue is full")
	ErrModelNotFound = errors.New("model not found")
)

// ShapeMismatchError rejects an item at submit time. It never affects items
// already queued.
type ShapeMismatchError struct {
	ModelID  string
	Expected []int
	Got      []int
	Err      error
}

func (e *ShapeMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model %q: %v", e.ModelID, e.Err)
	}
	return fmt.Sprintf("model %q: input shape %v incompatible with %v", e.ModelID, e.Got, e.Expected)
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

func (e *ShapeMismatchError) Unwrap() error {
	return e.Err
}

// BackendInferenceError is shared by every request of a failed batch.
type BackendInferenceError struct {
	ModelID   string
	BatchSize int
	Err       error
}

func (e *BackendInferenceError) Error() string {
	return fmt.Sprintf("model %q batch of %d failed: %v", e.ModelID, e.BatchSize, e.Err)
}

func (e *BackendInferenceError) Unwrap() error {
	return e.Err
}

// errorKind buckets backend failures for instrumentation.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBackendProtocol):
		return "protocol"
	case errors.Is(err, ErrBackendInference):
		return "inference"
	default:
		return "unknown"
	}
}
