package service

import "context"

// InferenceAdapter runs a model on a whole batch. The output must carry one
// leading-axis row per input row, in input order.
type InferenceAdapter interface {
	Name() string
	PredictBatch(ctx context.Context, batch Tensor) (Tensor, error)
	Close() error
}
