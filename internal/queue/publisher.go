// Package queue moves purchase notifications through SQS: the gateway
// publishes them and the ledger worker drains them into the backend ledger.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"creditgate/internal/types"
)

// Message attribute names set on every published notification.
const (
	AttrTransactionID = "transaction_id"
	AttrPurchaseType  = "purchase_type"
	AttrRequestID     = "request_id"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// PurchasePublisher enqueues purchase notifications for the ledger worker.
// It satisfies purchase.Notifier, so the orchestrator hands notifications to
// the queue instead of calling the ledger inline.
type PurchasePublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewPurchasePublisher creates a publisher targeting queueURL.
func NewPurchasePublisher(client SQSSender, queueURL string, logger types.Logger) *PurchasePublisher {
	if logger == nil {
		logger = types.NewSlogAdapter(nil)
	}
	return &PurchasePublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// NotifyPurchase serializes n and sends it to the queue.
func (p *PurchasePublisher) NotifyPurchase(ctx context.Context, n types.PurchaseNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("purchase publisher: failed to marshal notification: %w", err)
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{
		AttrTransactionID: stringAttr(n.TransactionID),
		AttrPurchaseType:  stringAttr(string(n.Kind)),
	}
	if reqID := types.GetRequestID(ctx); reqID != "" {
		attrs[AttrRequestID] = stringAttr(reqID)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("purchase publisher: failed to send notification to %s: %w", p.queueURL, err)
	}

	p.logger.Info("purchase notification queued",
		"user_id", n.UserID,
		"transaction_id", n.TransactionID,
		"purchase_type", string(n.Kind),
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// SQS rejects empty string attribute values.
func stringAttr(v string) sqsTypes.MessageAttributeValue {
	if v == "" {
		v = "-"
	}
	return sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
