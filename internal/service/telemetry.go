package service

import (
	"context"
	"time"
)

type FlushReason string

const (
	FlushedBySize     FlushReason = "size"
	FlushedByTimeout  FlushReason = "timeout"
	FlushedByShutdown FlushReason = "shutdown"
)

// DispatchEvent describes one backend invocation for one batch.
type DispatchEvent struct {
	ModelID          string
	BatchSize        int
	QueueWait        time.Duration
	AvgQueueWait     time.Duration
	DispatchDuration time.Duration
	FlushedBy        FlushReason
	InputShape       []int
	Err              error
}

type FailureEvent struct {
	ModelID   string
	BatchSize int
	ErrorKind string
	Err       error
}

type TelemetryHooks interface {
	OnHTTPRequestStart(ctx context.Context, route string, requestID string)
	OnHTTPRequestDone(
		ctx context.Context,
		route string,
		requestID string,
		statusCode int,
		duration time.Duration,
		err error,
	)
	OnDispatch(ctx context.Context, event DispatchEvent)
	OnBackendFailure(ctx context.Context, event FailureEvent)
}

type NopTelemetryHooks struct{}

func (NopTelemetryHooks) OnHTTPRequestStart(
	_ context.Context,
	_ string,
	_ string,
) {
}

func (NopTelemetryHooks) OnHTTPRequestDone(
	_ context.Context,
	_ string,
	_ string,
	_ int,
	_ time.Duration,
	_ error,
) {
}

func (NopTelemetryHooks) OnDispatch(_ context.Context, _ DispatchEvent) {}

func (NopTelemetryHooks) OnBackendFailure(_ context.Context, _ FailureEvent) {}

// MultiHooks fans every event out to each hook in order.
type MultiHooks []TelemetryHooks

func (m MultiHooks) OnHTTPRequestStart(ctx context.Context, route string, requestID string) {
	for _, hook := range m {
		hook.OnHTTPRequestStart(ctx, route, requestID)
	}
}

func (m MultiHooks) OnHTTPRequestDone(
	ctx context.Context,
	route string,
	requestID string,
	statusCode int,
	duration time.Duration,
	err error,
) {
	for _, hook := range m {
		hook.OnHTTPRequestDone(ctx, route, requestID, statusCode, duration, err)
	}
}

func (m MultiHooks) OnDispatch(ctx context.Context, event DispatchEvent) {
	for _, hook := range m {
		hook.OnDispatch(ctx, event)
	}
}

func (m MultiHooks) OnBackendFailure(ctx context.Context, event FailureEvent) {
	for _, hook := range m {
		hook.OnBackendFailure(ctx, event)
	}
}
