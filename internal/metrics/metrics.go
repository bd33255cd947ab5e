// Package metrics records engine telemetry. The engine only depends on the
// Recorder interface; CloudWatch is the production sink.
package metrics

import (
	"context"
	"time"

	"creditgate/internal/types"
)

// Sync results reported by RecordSync.
const (
	SyncOK       = "ok"
	SyncDegraded = "degraded"
)

// Recorder is the telemetry surface used by the evaluator, synchronizer,
// orchestrator and the gateway.
type Recorder interface {
	RecordDecision(ctx context.Context, d types.Decision)
	RecordPurchase(ctx context.Context, outcome types.PurchaseOutcome)
	RecordSync(ctx context.Context, result string)
	RecordTierChange(ctx context.Context, from, to types.Tier)
	RecordBackendNotify(ctx context.Context, ok bool)
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Noop discards everything.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordDecision(context.Context, types.Decision)           {}
func (Noop) RecordPurchase(context.Context, types.PurchaseOutcome)    {}
func (Noop) RecordSync(context.Context, string)                       {}
func (Noop) RecordTierChange(context.Context, types.Tier, types.Tier) {}
func (Noop) RecordBackendNotify(context.Context, bool)                {}
func (Noop) RecordRequest(string, string, string, time.Duration)      {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
