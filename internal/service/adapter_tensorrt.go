package service

import (
	"context"
	"fmt"
	"os"
)

// tensorRTBridgeAdapter runs serialized TensorRT engines through the bridge
// process. Unlike onnxruntime it refuses to start without a bridge command.
type tensorRTBridgeAdapter struct {
	modelID       string
	enginePath    string
	bridgeCommand []string
}

func NewTensorRTAdapter(modelID string, enginePath string) (InferenceAdapter, error) {
	resolvedPath, err := resolveModelPath(
		enginePath,
		EnvPrefix+"_TRT_ENGINE_PATH",
		"tensorrt engine",
	)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(resolvedPath)
	if statErr != nil {
		return nil, fmt.Errorf("failed to stat TensorRT engine %q: %w", resolvedPath, statErr)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("TensorRT engine path %q is a directory", resolvedPath)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("TensorRT engine path %q is empty", resolvedPath)
	}
	bridgeCommand, bridgeErr := parseBridgeCommand(os.Getenv(EnvPrefix + "_TRT_BRIDGE_CMD"))
	if bridgeErr != nil {
		return nil, fmt.Errorf("invalid %s_TRT_BRIDGE_CMD: %w", EnvPrefix, bridgeErr)
	}
	if len(bridgeCommand) == 0 {
		return nil, fmt.Errorf(
			"%w: tensorrt adapter unavailable: configure %s_TRT_BRIDGE_CMD",
			ErrBackendUnavailable,
			EnvPrefix,
		)
	}
	return &tensorRTBridgeAdapter{
		modelID:       modelID,
		enginePath:    resolvedPath,
		bridgeCommand: bridgeCommand,
	}, nil
}

func (a *tensorRTBridgeAdapter) Name() string {
	return "tensorrt-bridge"
}

func (a *tensorRTBridgeAdapter) PredictBatch(ctx context.Context, batch Tensor) (Tensor, error) {
	output, bridgeErr := runBridgePredictBatch(
		ctx,
		a.bridgeCommand,
		bridgePredictRequest{
			Backend:      "tensorrt",
			ArtifactPath: a.enginePath,
			ModelID:      a.modelID,
			Input:        batch,
		},
	)
	if bridgeErr != nil {
		return Tensor{}, fmt.Errorf("tensorrt bridge predict failed: %w", bridgeErr)
	}
	return output, nil
}

func (a *tensorRTBridgeAdapter) Close() error {
	return nil
}
