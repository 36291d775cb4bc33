package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestHTTPServerIntegrationPredictAndBatching(t *testing.T) {
	adapter := &delayedAdapter{recordingAdapter: newRecordingAdapter(), delay: 8 * time.Millisecond}
	svc, err := NewHTTPService(HTTPServiceConfig{
		Runtime: RuntimeConfig{
			Models: []ModelSpec{
				{ID: "landcover", Backend: "onnxruntime", InputShape: []int{2}, MaxBatchSize: 8},
			},
			Batching:     BatchingConfig{MaxBatchSize: 4, FlushTimeout: 20 * time.Millisecond},
			BuildAdapter: staticBuilder(adapter),
		},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHTTPService() error = %v", err)
	}
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(Chain(mux, RequestIDMiddleware, RecoveryMiddleware(discardLogger())))
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	client := &http.Client{Timeout: 3 * time.Second}
	const parallelRequests = 32
	start := make(chan struct{})
	errCh := make(chan error, parallelRequests)
	var wg sync.WaitGroup
	for idx := 0; idx < parallelRequests; idx++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			reqBody := PredictRequest{
				RequestID: "load-" + strconv.Itoa(i),
				Shape:     []int{1, 2},
				Input:     []float32{float32(i), float32(i + 1)},
			}
			raw, _ := json.Marshal(reqBody)
			resp, err := client.Post(server.URL+"/v1/models/landcover/predict", "application/json", bytes.NewReader(raw))
			if err != nil {
				errCh <- err
				return
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				errCh <- fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
				return
			}
			var out PredictResponse
			if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil {
				errCh <- decodeErr
				return
			}
			if out.RequestID != reqBody.RequestID {
				errCh <- fmt.Errorf("request id mismatch: got %q want %q", out.RequestID, reqBody.RequestID)
				return
			}
			want := []float32{float32(2*i + 1), float32(2*(i+1) + 1)}
			if out.Result.Output == nil || fmt.Sprint(out.Result.Output.Data) != fmt.Sprint(want) {
				errCh <- fmt.Errorf("request %d got rows of another caller: %+v", i, out.Result.Output)
				return
			}
		}(idx)
	}
	close(start)
	wg.Wait()
	close(errCh)
	for reqErr := range errCh {
		t.Fatalf("load request failed: %v", reqErr)
	}

	sizes := adapter.BatchRows()
	total := 0
	foundCombinedBatch := false
	for _, size := range sizes {
		if size > 8 {
			t.Fatalf("batch of %d rows exceeds model max batch size: %v", size, sizes)
		}
		if size > 1 {
			foundCombinedBatch = true
		}
		total += size
	}
	if !foundCombinedBatch {
		t.Fatalf("expected combined batches under load; got sizes=%v", sizes)
	}
	if total != parallelRequests {
		t.Fatalf("expected %d rows dispatched, got %d", parallelRequests, total)
	}

	metricsResp, metricsErr := client.Get(server.URL + "/metrics")
	if metricsErr != nil {
		t.Fatalf("GET /metrics error = %v", metricsErr)
	}
	defer func() { _ = metricsResp.Body.Close() }()
	metricsBody, _ := io.ReadAll(metricsResp.Body)
	metricsText := string(metricsBody)
	requiredKeys := []string{
		"inference_model_counter",
		"inference_model_batches_total",
		"inference_model_inference_batch_size",
		"inference_model_queue_wait_seconds",
		"inference_model_inference_duration_seconds",
		"inference_model_request_duration_seconds",
		"inference_http_request_duration_seconds",
	}
	for _, key := range requiredKeys {
		if !strings.Contains(metricsText, key) {
			t.Fatalf("missing metrics key %q in metrics output", key)
		}
	}
}
