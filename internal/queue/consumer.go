package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"creditgate/internal/metrics"
	"creditgate/internal/types"
)

// LedgerNotifier delivers one notification to the backend ledger.
type LedgerNotifier interface {
	NotifyPurchase(ctx context.Context, n types.PurchaseNotification) error
}

// errMalformed marks messages that can never succeed and must be ACKed.
var errMalformed = errors.New("malformed purchase notification")

// Consumer drains purchase notifications into the ledger. Each SQS record is
// processed independently and only failing records are retried.
type Consumer struct {
	ledger  LedgerNotifier
	metrics metrics.Recorder
	logger  types.Logger
	timeout time.Duration
}

// NewConsumer creates a Consumer. timeout bounds each ledger call; zero
// leaves the Lambda deadline as the only bound.
func NewConsumer(ledger LedgerNotifier, rec metrics.Recorder, logger types.Logger, timeout time.Duration) *Consumer {
	if logger == nil {
		logger = types.NewSlogAdapter(nil)
	}
	return &Consumer{
		ledger:  ledger,
		metrics: metrics.OrNoop(rec),
		logger:  logger,
		timeout: timeout,
	}
}

// Handle processes an SQS event. Lambda SQS integration uses partial batch
// responses: records whose delivery failed are returned in
// BatchItemFailures so SQS redelivers only them.
func (c *Consumer) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		err := c.processMessage(ctx, record)
		switch {
		case err == nil:
		case errors.Is(err, errMalformed):
			c.logger.Error("discarding malformed purchase notification",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
		default:
			c.logger.Error("failed to deliver purchase notification",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (c *Consumer) processMessage(ctx context.Context, record events.SQSMessage) error {
	var n types.PurchaseNotification
	if err := json.Unmarshal([]byte(record.Body), &n); err != nil {
		return errors.Join(errMalformed, err)
	}
	if n.UserID == "" || n.TransactionID == "" {
		return errMalformed
	}

	logger := c.logger.With(
		"user_id", n.UserID,
		"transaction_id", n.TransactionID,
		"purchase_type", string(n.Kind),
		"receive_count", receiveCount(record),
	)
	if attr, ok := record.MessageAttributes[AttrRequestID]; ok && attr.StringValue != nil {
		ctx = types.WithRequestID(ctx, *attr.StringValue)
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := c.ledger.NotifyPurchase(callCtx, n)
	c.metrics.RecordBackendNotify(ctx, err == nil)
	if err != nil {
		return err
	}
	logger.Info("purchase notification delivered")
	return nil
}

func receiveCount(record events.SQSMessage) int {
	n, _ := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	return n
}
