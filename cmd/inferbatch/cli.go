package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/earthpulse/ml-inference/internal/service"
)

type options struct {
	configPath     string
	addr           string
	logFormat      string
	logLevel       string
	maxBatchSize   int
	queueSize      int
	flushTimeout   time.Duration
	predictTimeout time.Duration
}

func NewCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "inferbatch",
		Short: "Batched model inference server",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().StringVarP(
		&opts.configPath,
		"config",
		"c",
		os.Getenv(service.EnvPrefix+"_CONFIG"),
		"path to the YAML configuration file",
	)
	rootCmd.PersistentFlags().IntVar(&opts.maxBatchSize, "max-batch-size", 0, "default maximum items per batch")
	rootCmd.PersistentFlags().DurationVar(&opts.flushTimeout, "flush-timeout", 0, "default flush timeout of an open batch")
	rootCmd.PersistentFlags().IntVar(&opts.queueSize, "queue-size", 0, "items a model may hold waiting for dispatch")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the inference HTTP server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&opts.logFormat, "log-format", "", "log format: json|text|discard")
	serveCmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error")
	serveCmd.Flags().DurationVar(&opts.predictTimeout, "predict-timeout", 0, "per-request predict timeout (0 disables)")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective model settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return printModels(cmd.OutOrStdout(), cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, checkCmd)
	return rootCmd
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command, opts *options) (service.Config, error) {
	cfg, err := service.LoadConfig(opts.configPath)
	if err != nil {
		return service.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = opts.addr
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("predict-timeout") {
		cfg.Server.PredictTimeout = opts.predictTimeout
	}
	if flags.Changed("max-batch-size") {
		cfg.Batching.MaxBatchSize = opts.maxBatchSize
	}
	if flags.Changed("flush-timeout") {
		cfg.Batching.FlushTimeout = opts.flushTimeout
	}
	if flags.Changed("queue-size") {
		cfg.Batching.QueueSize = opts.queueSize
	}
	if err := cfg.Validate(); err != nil {
		return service.Config{}, err
	}
	return cfg, nil
}

func serve(parent context.Context, cfg service.Config) error {
	logger, err := buildLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := service.InitTelemetry(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	otelHooks, err := service.NewOTelHooks(providers.TracerProvider(), providers.MeterProvider())
	if err != nil {
		return fmt.Errorf("create otel hooks: %w", err)
	}

	httpService, err := service.NewHTTPService(service.HTTPServiceConfig{
		Runtime: service.RuntimeConfig{
			Models:   cfg.Models,
			Batching: cfg.Batching,
			Logger:   logger,
			Hooks:    otelHooks,
		},
		PredictTimeout: cfg.Server.PredictTimeout,
		Metrics:        service.NewMetrics("inference"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create http service: %w", err)
	}

	mux := http.NewServeMux()
	httpService.RegisterRoutes(mux)
	handler := service.Chain(mux,
		service.RequestIDMiddleware,
		service.RecoveryMiddleware(logger),
		service.LoggingMiddleware(logger),
	)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(
			"inference_server_start",
			"addr", cfg.Server.Addr,
			"models", len(cfg.Models),
			"max_batch_size", cfg.Batching.MaxBatchSize,
			"flush_timeout_ms", cfg.Batching.FlushTimeout.Milliseconds(),
			"queue_size", cfg.Batching.QueueSize,
			"predict_timeout_ms", cfg.Server.PredictTimeout.Milliseconds(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var errs []error
	select {
	case <-ctx.Done():
		logger.Info("inference_server_stopping", "shutdown_timeout_ms", cfg.Server.ShutdownTimeout.Milliseconds())
	case err := <-serveErr:
		if err != nil {
			errs = append(errs, fmt.Errorf("http serve: %w", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := httpService.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain processors: %w", err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logger.Info("inference_server_stopped")
	}
	return errors.Join(errs...)
}

func printModels(out io.Writer, cfg service.Config) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "MODEL\tBACKEND\tTASK\tMAX BATCH\tFLUSH TIMEOUT\tINPUT SHAPE")
	for _, model := range cfg.Models {
		size, timeout := cfg.BatcherSettings(model)
		task := model.Task
		if task == "" {
			task = service.TaskRaw
		}
		shape := "-"
		if len(model.InputShape) > 0 {
			shape = fmt.Sprint(model.InputShape)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n", model.ID, model.Backend, task, size, timeout, shape)
	}
	return writer.Flush()
}

func buildLogger(format string, level string) (*slog.Logger, error) {
	normalizedFormat := strings.ToLower(strings.TrimSpace(format))
	normalizedLevel := strings.ToLower(strings.TrimSpace(level))

	var slogLevel slog.Level
	switch normalizedLevel {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info", "":
		slogLevel = slog.LevelInfo
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	switch normalizedFormat {
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "discard":
		return slog.New(slog.NewJSONHandler(io.Discard, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}
