// Package main is the entrypoint for the Ledger Worker Lambda function.
//
// The worker consumes purchase notifications that the gateway publishes to
// SQS (PURCHASE_NOTIFIER=sqs) and books each one with the backend ledger.
// Failed deliveries are reported as partial batch failures so SQS redelivers
// only those records; malformed bodies are logged and dropped.
//
// Cold start:
//  1. Resolve *_SSM_PARAM secrets and read the worker environment.
//  2. Build the ledger client (or the stub ledger with APP_ENV=local).
//  3. Build CloudWatch metrics when enabled.
//  4. Register the consumer and call lambda.Start.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"creditgate/internal/config"
	"creditgate/internal/external"
	"creditgate/internal/metrics"
	"creditgate/internal/queue"
	"creditgate/internal/types"
)

// workerConfig is the slice of the gateway configuration the worker needs.
type workerConfig struct {
	Environment   string        `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	NotifyTimeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"15s"`

	Ledger        config.LedgerConfig
	AWS           config.AWSConfig
	Observability config.ObservabilityConfig
}

func (c workerConfig) local() bool { return c.Environment == "local" }

func loadWorkerConfig() (workerConfig, error) {
	provider := config.NewSecretProvider()
	if err := config.ResolveSecrets(provider); err != nil {
		return workerConfig{}, err
	}

	var cfg workerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return workerConfig{}, fmt.Errorf("processing environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return workerConfig{}, fmt.Errorf("invalid worker configuration: %w", err)
	}
	if !cfg.local() && cfg.Ledger.BaseURL == "" {
		return workerConfig{}, fmt.Errorf("LEDGER_BASE_URL is required outside local mode")
	}
	return cfg, nil
}

// newConsumer builds the consumer for cfg. cw may be nil to disable metrics.
func newConsumer(cfg workerConfig, cw metrics.CloudWatchClient, logger *slog.Logger) *queue.Consumer {
	typedLogger := types.NewSlogAdapter(logger)

	var ledger queue.LedgerNotifier
	if cfg.local() {
		logger.Warn("APP_ENV=local: using stub ledger")
		ledger = external.NewStubLedger(logger.With("mode", "stub"))
	} else {
		retry := external.DefaultRetryPolicy()
		retry.MaxRetries = cfg.Ledger.MaxRetries
		ledger = external.NewLedgerClient(external.LedgerConfig{
			BaseURL:      cfg.Ledger.BaseURL,
			ServiceToken: cfg.Ledger.ServiceToken,
			Timeout:      cfg.Ledger.Timeout,
			Retry:        retry,
		})
	}

	var recorder metrics.Recorder
	if cw != nil {
		recorder = metrics.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, typedLogger)
	}
	return queue.NewConsumer(ledger, recorder, typedLogger, cfg.NotifyTimeout)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("Ledger Worker Lambda initializing (cold start)")

	cfg, err := loadWorkerConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var cw metrics.CloudWatchClient
	if cfg.Observability.EnableMetrics && !cfg.local() {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
		if cfg.AWS.EndpointURL != "" {
			opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			logger.Error("Failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		cw = cloudwatch.NewFromConfig(awsCfg)
	}

	consumer := newConsumer(cfg, cw, logger)
	logger.Info("Ledger Worker Lambda initialized",
		"environment", cfg.Environment,
		"metrics", cw != nil,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/ledger-worker
	if cfg.local() {
		if err := runLocal(context.Background(), consumer, os.Stdin, os.Stderr, logger); err != nil {
			logger.Error("Local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(consumer.Handle)
}

// runLocal feeds one SQS event read from in through the consumer and writes
// any partial-failure response to out.
func runLocal(ctx context.Context, consumer *queue.Consumer, in io.Reader, out io.Writer, logger *slog.Logger) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	response, err := consumer.Handle(ctx, sqsEvent)
	if err != nil {
		return fmt.Errorf("handler execution failed: %w", err)
	}
	if len(response.BatchItemFailures) > 0 {
		logger.Warn("Handler reported partial failures", "failed_count", len(response.BatchItemFailures))
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(out, string(respJSON))
	}
	logger.Info("Handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
	return nil
}
