package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// bridgePredictRequest is written to the bridge process on stdin; the whole
// batch travels as one tensor.
type bridgePredictRequest struct {
	Backend      string `json:"backend"`
	ArtifactPath string `json:"artifact_path"`
	ModelID      string `json:"model_id"`
	Input        Tensor `json:"input"`
}

type bridgePredictResponse struct {
	Output *Tensor `json:"output,omitempty"`
	Error  string  `json:"error,omitempty"`
}

type bridgePredictBatchFn func(
	ctx context.Context,
	command []string,
	request bridgePredictRequest,
) (Tensor, error)

var runBridgePredictBatch bridgePredictBatchFn = defaultRunBridgePredictBatch

func parseBridgeCommand(raw string) ([]string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, nil
	}
	parts := strings.Fields(clean)
	if len(parts) == 0 {
		return nil, fmt.Errorf("bridge command is empty")
	}
	return parts, nil
}

func defaultRunBridgePredictBatch(
	ctx context.Context,
	command []string,
	request bridgePredictRequest,
) (Tensor, error) {
	if len(command) == 0 {
		return Tensor{}, fmt.Errorf("%w: bridge command is not configured", ErrBackendUnavailable)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: failed to encode bridge request: %w", ErrBackendProtocol, err)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Tensor{}, ctxErr
		}
		errText := strings.TrimSpace(stderr.String())
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			if errText == "" {
				return Tensor{}, fmt.Errorf("%w: bridge command failed: %w", ErrBackendUnavailable, runErr)
			}
			return Tensor{}, fmt.Errorf(
				"%w: bridge command failed: %w: %s",
				ErrBackendUnavailable,
				runErr,
				errText,
			)
		}
		if errText == "" {
			return Tensor{}, fmt.Errorf("%w: bridge command failed: %w", ErrBackendInference, runErr)
		}
		return Tensor{}, fmt.Errorf("%w: bridge command failed: %w: %s", ErrBackendInference, runErr, errText)
	}
	var decoded bridgePredictResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return Tensor{}, fmt.Errorf("%w: failed to decode bridge response: %w", ErrBackendProtocol, err)
	}
	if strings.TrimSpace(decoded.Error) != "" {
		return Tensor{}, fmt.Errorf(
			"%w: bridge runtime error: %s",
			ErrBackendInference,
			strings.TrimSpace(decoded.Error),
		)
	}
	if decoded.Output == nil {
		return Tensor{}, fmt.Errorf("%w: bridge returned no output", ErrBackendProtocol)
	}
	if err := decoded.Output.validate(); err != nil {
		return Tensor{}, fmt.Errorf("%w: bridge output: %w", ErrBackendProtocol, err)
	}
	if decoded.Output.Rows() != request.Input.Rows() {
		return Tensor{}, fmt.Errorf(
			"%w: bridge returned %d rows for %d input rows",
			ErrBackendProtocol,
			decoded.Output.Rows(),
			request.Input.Rows(),
		)
	}
	return *decoded.Output, nil
}
