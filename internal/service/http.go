package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const predictRoute = "/v1/models/{model}/predict"

type PredictRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Shape     []int     `json:"shape"`
	Input     []float32 `json:"input"`
}

type PredictResponse struct {
	RequestID string        `json:"request_id"`
	Model     string        `json:"model"`
	Backend   string        `json:"backend"`
	Result    PostProcessed `json:"result"`
	LatencyMS float64       `json:"latency_ms"`
}

type ModelInfo struct {
	ID           string  `json:"id"`
	Backend      string  `json:"backend"`
	Task         Task    `json:"task"`
	InputShape   []int   `json:"input_shape,omitempty"`
	MaxBatchSize int     `json:"max_batch_size"`
	FlushTimeout float64 `json:"flush_timeout_ms"`
	Loaded       bool    `json:"loaded"`
	Pending      int     `json:"pending"`
}

type HTTPServiceConfig struct {
	Runtime        RuntimeConfig
	PredictTimeout time.Duration
	Metrics        *Metrics
	Logger         *slog.Logger
}

type HTTPService struct {
	runtime        *Runtime
	metrics        *Metrics
	predictTimeout time.Duration
	logger         *slog.Logger
	hooks          TelemetryHooks
}

func NewHTTPService(cfg HTTPServiceConfig) (*HTTPService, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics("inference")
	}
	hooks := MultiHooks{metrics}
	if cfg.Runtime.Hooks != nil {
		hooks = append(hooks, cfg.Runtime.Hooks)
	}
	runtimeCfg := cfg.Runtime
	runtimeCfg.Hooks = hooks
	if runtimeCfg.Logger == nil {
		runtimeCfg.Logger = logger
	}
	runtime, err := NewRuntime(runtimeCfg)
	if err != nil {
		return nil, err
	}
	return &HTTPService{
		runtime:        runtime,
		metrics:        metrics,
		predictTimeout: cfg.PredictTimeout,
		logger:         logger,
		hooks:          hooks,
	}, nil
}

func (s *HTTPService) Runtime() *Runtime {
	return s.runtime
}

func (s *HTTPService) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST "+predictRoute, s.handlePredict)
}

// Close drains all processors, waiting at most until ctx ends.
func (s *HTTPService) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func (s *HTTPService) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{
		"status": "ok",
		"models": s.runtime.Registry().Models(),
	})
}

func (s *HTTPService) handleModels(writer http.ResponseWriter, _ *http.Request) {
	ids := s.runtime.Catalog().IDs()
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		spec, _ := s.runtime.Catalog().Lookup(id)
		size, timeout := s.runtime.effectiveBatching(spec)
		info := ModelInfo{
			ID:           id,
			Backend:      spec.Backend,
			Task:         spec.Task,
			InputShape:   spec.InputShape,
			MaxBatchSize: size,
			FlushTimeout: durationMillis(timeout),
		}
		if processor, ok := s.runtime.Registry().Get(id); ok {
			info.Loaded = true
			info.Pending = processor.Pending()
		}
		out = append(out, info)
	}
	writeJSON(writer, http.StatusOK, map[string]any{"models": out})
}

func (s *HTTPService) handlePredict(writer http.ResponseWriter, request *http.Request) {
	start := time.Now()
	modelID := request.PathValue("model")

	var body PredictRequest
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		http.Error(writer, fmt.Sprintf("invalid request payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		body.RequestID, _ = request.Context().Value(RequestIDKey).(string)
	}
	if strings.TrimSpace(body.RequestID) == "" {
		body.RequestID = generateID()
	}
	s.hooks.OnHTTPRequestStart(request.Context(), predictRoute, body.RequestID)

	response, status, predictErr := s.predict(request.Context(), modelID, body)
	s.hooks.OnHTTPRequestDone(
		request.Context(),
		predictRoute,
		body.RequestID,
		status,
		time.Since(start),
		predictErr,
	)
	if predictErr != nil {
		s.logger.Error(
			"predict_request_failed",
			"request_id", body.RequestID,
			"model", modelID,
			"status", status,
			"error", predictErr.Error(),
		)
		http.Error(writer, predictErr.Error(), status)
		return
	}
	response.LatencyMS = durationMillis(time.Since(start))
	s.logger.Info(
		"predict_request_done",
		"request_id", response.RequestID,
		"model", modelID,
		"backend", response.Backend,
		"latency_ms", response.LatencyMS,
	)
	writeJSON(writer, status, response)
}

func (s *HTTPService) predict(ctx context.Context, modelID string, body PredictRequest) (PredictResponse, int, error) {
	spec, ok := s.runtime.Catalog().Lookup(modelID)
	if !ok {
		return PredictResponse{}, http.StatusNotFound, fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	input, err := NewTensor(body.Shape, body.Input)
	if err != nil {
		return PredictResponse{}, http.StatusBadRequest, err
	}
	if s.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.predictTimeout)
		defer cancel()
	}

	s.metrics.RecordRequestStart(modelID)
	s.metrics.RecordInputShape(modelID, input.Shape)
	start := time.Now()
	output, err := s.runtime.Predict(ctx, modelID, input)
	s.metrics.RecordRequestDone(modelID, time.Since(start), err == nil)
	if err != nil {
		return PredictResponse{}, statusForError(err), err
	}

	result, err := PostProcess(spec.Task, spec.Labels, output)
	if err != nil {
		return PredictResponse{}, http.StatusBadGateway, fmt.Errorf("post-process output: %w", err)
	}
	backend := spec.Backend
	if processor, ok := s.runtime.Registry().Get(modelID); ok {
		backend = processor.Adapter().Name()
	}
	return PredictResponse{
		RequestID: body.RequestID,
		Model:     modelID,
		Backend:   backend,
		Result:    result,
	}, http.StatusOK, nil
}

// statusForError maps a predict failure to an HTTP status. A failed batch is
// always 502, whatever the adapter's error wraps; ErrBackendUnavailable only
// yields 503 when the adapter could not be built at all.
func statusForError(err error) int {
	var backendErr *BackendInferenceError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &backendErr):
		return http.StatusBadGateway
	case errors.Is(err, ErrShapeMismatch), errors.Is(err, ErrInvalidTensor):
		return http.StatusBadRequest
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrShutdown), errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(payload)
}
