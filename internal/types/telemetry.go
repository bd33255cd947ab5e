package types

// Telemetry metric names for CloudWatch.
const (
	// Metric Names
	MetricAccessDecision  = "AccessDecision"
	MetricPurchaseOutcome = "PurchaseOutcome"
	MetricSyncResult      = "SyncResult"
	MetricTierChange      = "TierChange"
	MetricBackendNotify   = "BackendNotify"
	MetricAPILatency      = "APILatency"

	// Dimension Keys
	DimFeature  = "Feature"
	DimResult   = "Result"
	DimSource   = "Source"
	DimOutcome  = "Outcome"
	DimFromTier = "FromTier"
	DimToTier   = "ToTier"
	DimEndpoint = "Endpoint"

	// Metric Namespace
	MetricNamespace = "CreditGate"
)
