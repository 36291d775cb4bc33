package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
)

func TestParseBridgeCommand(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		parts, err := parseBridgeCommand("   ")
		if err != nil {
			t.Fatalf("parseBridgeCommand() error = %v", err)
		}
		if len(parts) != 0 {
			t.Fatalf("expected empty command, got %v", parts)
		}
	})

	t.Run("split", func(t *testing.T) {
		parts, err := parseBridgeCommand("python -m inference_bridge --device cuda:0")
		if err != nil {
			t.Fatalf("parseBridgeCommand() error = %v", err)
		}
		want := []string{"python", "-m", "inference_bridge", "--device", "cuda:0"}
		if !reflect.DeepEqual(parts, want) {
			t.Fatalf("unexpected command parts: got %v want %v", parts, want)
		}
	})
}

func TestDefaultRunBridgePredictBatchNoCommandIsUnavailable(t *testing.T) {
	_, err := defaultRunBridgePredictBatch(context.Background(), nil, bridgePredictRequest{})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

// writeBridgeScript installs a shell script that drains stdin and then runs body.
func writeBridgeScript(t *testing.T, body string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bridge scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	script := "#!/bin/sh\ncat > /dev/null\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write bridge script: %v", err)
	}
	return []string{"sh", path}
}

func TestDefaultRunBridgePredictBatchOutcomes(t *testing.T) {
	request := bridgePredictRequest{
		Backend: "onnxruntime",
		ModelID: "landcover",
		Input:   Tensor{Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
	}
	tests := []struct {
		name    string
		script  string
		wantErr error
	}{
		{
			name:   "success",
			script: `echo '{"output":{"shape":[2,1],"data":[0.25,0.75]}}'`,
		},
		{
			name:    "runtime error",
			script:  `echo '{"error":"CUDA out of memory"}'`,
			wantErr: ErrBackendInference,
		},
		{
			name:    "non zero exit",
			script:  "echo 'segfault' >&2\nexit 3",
			wantErr: ErrBackendInference,
		},
		{
			name:    "garbage output",
			script:  "echo 'not json'",
			wantErr: ErrBackendProtocol,
		},
		{
			name:    "missing output",
			script:  "echo '{}'",
			wantErr: ErrBackendProtocol,
		},
		{
			name:    "row count mismatch",
			script:  `echo '{"output":{"shape":[1,1],"data":[0.5]}}'`,
			wantErr: ErrBackendProtocol,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			command := writeBridgeScript(t, tc.script)
			output, err := defaultRunBridgePredictBatch(context.Background(), command, request)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("defaultRunBridgePredictBatch() error = %v", err)
			}
			if !reflect.DeepEqual(output.Shape, []int{2, 1}) {
				t.Fatalf("unexpected output shape: %v", output.Shape)
			}
			if output.Data[1] != float32(0.75) {
				t.Fatalf("unexpected output data: %v", output.Data)
			}
		})
	}
}

func TestDefaultRunBridgePredictBatchMissingBinaryIsUnavailable(t *testing.T) {
	command := []string{filepath.Join(t.TempDir(), "no-such-bridge")}
	_, err := defaultRunBridgePredictBatch(context.Background(), command, bridgePredictRequest{
		Input: Tensor{Shape: []int{1}, Data: []float32{1}},
	})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

// stubBridge replaces the bridge runner for the duration of the test.
func stubBridge(t *testing.T, fn bridgePredictBatchFn) {
	t.Helper()
	original := runBridgePredictBatch
	runBridgePredictBatch = fn
	t.Cleanup(func() {
		runBridgePredictBatch = original
	})
}

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}
