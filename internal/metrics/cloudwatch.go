package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"creditgate/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements Recorder by emitting one datum per call.
//
// Metrics emitted:
//   - AccessDecision: Dims {Feature, Result, Source}
//   - PurchaseOutcome: Dims {Outcome}
//   - SyncResult: Dims {Result}
//   - TierChange: Dims {FromTier, ToTier}
//   - BackendNotify: Dims {Result}
//   - APILatency: Dims {Endpoint, Result} in milliseconds
//
// Emission failures are logged and swallowed; telemetry never affects an
// entitlement outcome.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Recorder = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a sink publishing to namespace
// (types.MetricNamespace when empty).
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NewSlogAdapter(nil)
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err.Error(),
		)
	}
}

func count(name string, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

// RecordDecision counts one access decision.
func (m *CloudWatchMetrics) RecordDecision(ctx context.Context, d types.Decision) {
	result := "denied"
	source := string(d.Reason)
	if d.Allowed {
		result = "allowed"
		source = string(d.Source)
	}
	m.put(ctx, count(types.MetricAccessDecision,
		dim(types.DimFeature, string(d.Feature)),
		dim(types.DimResult, result),
		dim(types.DimSource, source),
	))
}

// RecordPurchase counts one purchase attempt by outcome.
func (m *CloudWatchMetrics) RecordPurchase(ctx context.Context, outcome types.PurchaseOutcome) {
	m.put(ctx, count(types.MetricPurchaseOutcome, dim(types.DimOutcome, string(outcome))))
}

// RecordSync counts one refresh by result (SyncOK or SyncDegraded).
func (m *CloudWatchMetrics) RecordSync(ctx context.Context, result string) {
	m.put(ctx, count(types.MetricSyncResult, dim(types.DimResult, result)))
}

// RecordTierChange counts one tier transition.
func (m *CloudWatchMetrics) RecordTierChange(ctx context.Context, from, to types.Tier) {
	m.put(ctx, count(types.MetricTierChange,
		dim(types.DimFromTier, string(from)),
		dim(types.DimToTier, string(to)),
	))
}

// RecordBackendNotify counts one purchase notification delivery attempt.
func (m *CloudWatchMetrics) RecordBackendNotify(ctx context.Context, ok bool) {
	m.put(ctx, count(types.MetricBackendNotify, dim(types.DimResult, strconv.FormatBool(ok))))
}

// RecordRequest records gateway request latency.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.put(context.Background(), cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimEndpoint, method+" "+endpoint),
			dim(types.DimResult, status),
		},
	})
}
