package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type backendBuilder func(spec ModelSpec) (InferenceAdapter, error)

var backendBuilders = map[string]backendBuilder{
	"onnxruntime": func(spec ModelSpec) (InferenceAdapter, error) {
		return NewORTAdapter(spec.ID, spec.ArtifactPath)
	},
	"tensorrt": func(spec ModelSpec) (InferenceAdapter, error) {
		return NewTensorRTAdapter(spec.ID, spec.ArtifactPath)
	},
}

// BuildAdapter constructs the adapter named by spec.Backend.
func BuildAdapter(spec ModelSpec) (InferenceAdapter, error) {
	build, ok := backendBuilders[strings.ToLower(strings.TrimSpace(spec.Backend))]
	if !ok {
		return nil, fmt.Errorf("%w: model %q: unsupported backend %q", ErrConfiguration, spec.ID, spec.Backend)
	}
	return build(spec)
}

type ORTAdapter struct {
	modelID       string
	modelPath     string
	modelSize     int64
	bridgeCommand []string
}

func NewORTAdapter(modelID string, modelPath string) (InferenceAdapter, error) {
	resolvedPath, err := resolveModelPath(
		modelPath,
		EnvPrefix+"_ORT_MODEL_PATH",
		"onnx model",
	)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(resolvedPath)
	if statErr != nil {
		return nil, fmt.Errorf("failed to stat onnx model %q: %w", resolvedPath, statErr)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("onnx model path %q is a directory", resolvedPath)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("onnx model path %q is empty", resolvedPath)
	}
	bridgeCommand, err := parseBridgeCommand(os.Getenv(EnvPrefix + "_ORT_BRIDGE_CMD"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s_ORT_BRIDGE_CMD: %w", EnvPrefix, err)
	}
	return &ORTAdapter{
		modelID:       modelID,
		modelPath:     resolvedPath,
		modelSize:     info.Size(),
		bridgeCommand: bridgeCommand,
	}, nil
}

func (a *ORTAdapter) Name() string {
	return "onnxruntime-bridge"
}

func (a *ORTAdapter) PredictBatch(ctx context.Context, batch Tensor) (Tensor, error) {
	if len(a.bridgeCommand) == 0 {
		return Tensor{}, fmt.Errorf(
			"%w: onnxruntime bridge command is not configured; set %s_ORT_BRIDGE_CMD",
			ErrBackendUnavailable,
			EnvPrefix,
		)
	}
	output, bridgeErr := runBridgePredictBatch(
		ctx,
		a.bridgeCommand,
		bridgePredictRequest{
			Backend:      "onnxruntime",
			ArtifactPath: a.modelPath,
			ModelID:      a.modelID,
			Input:        batch,
		},
	)
	if bridgeErr != nil {
		return Tensor{}, fmt.Errorf("onnxruntime bridge predict failed: %w", bridgeErr)
	}
	return output, nil
}

func (a *ORTAdapter) Close() error {
	return nil
}

func resolveModelPath(value string, envVar string, label string) (string, error) {
	candidate := value
	if candidate == "" {
		candidate = os.Getenv(envVar)
	}
	candidate = filepath.Clean(candidate)
	if candidate == "" || candidate == "." {
		return "", fmt.Errorf("%s path is required (config or %s)", label, envVar)
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path %q: %w", label, candidate, err)
	}
	return absPath, nil
}
