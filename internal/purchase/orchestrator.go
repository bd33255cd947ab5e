// Package purchase drives a purchase attempt end to end: catalog lookup,
// platform purchase, status reconciliation and the best-effort ledger
// notification.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"creditgate/internal/metrics"
	"creditgate/internal/types"
)

// DefaultNotifyTimeout bounds one backend purchase notification.
const DefaultNotifyTimeout = 15 * time.Second

// CatalogSource yields the current sellable entries.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]types.CatalogEntry, error)
}

// Purchaser is the purchase slice of the platform client. Implementations
// return an error matching types.ErrPurchaseCancelled when the user backs out.
type Purchaser interface {
	Purchase(ctx context.Context, userID string, entry types.CatalogEntry) (*types.PurchaseReceipt, error)
}

// Reconciler refreshes the user's entitlement snapshot. Resync must not
// answer from a round trip that started before it was called.
type Reconciler interface {
	Resync(ctx context.Context) types.EntitlementSnapshot
}

// Notifier delivers the bookkeeping message to the backend ledger, directly
// or through a queue.
type Notifier interface {
	NotifyPurchase(ctx context.Context, n types.PurchaseNotification) error
}

// ProductIDs maps product kinds to the store product identifiers this
// release expects. Credit packs are looked up as "credits_<n>" unless
// overridden in CreditPacks.
type ProductIDs struct {
	Monthly     string
	Yearly      string
	CreditPacks map[int]string
}

// DefaultProductIDs mirrors the identifiers configured in the app stores.
func DefaultProductIDs() ProductIDs {
	return ProductIDs{
		Monthly: "premium_monthly",
		Yearly:  "premium_yearly",
	}
}

// For returns the expected product identifier for kind.
func (p ProductIDs) For(kind types.PurchaseKind) string {
	switch kind.Kind {
	case types.KindSubscriptionMonthly:
		return p.Monthly
	case types.KindSubscriptionYearly:
		return p.Yearly
	case types.KindCreditPack:
		if id, ok := p.CreditPacks[kind.Credits]; ok {
			return id
		}
		return fmt.Sprintf("credits_%d", kind.Credits)
	}
	return ""
}

// Config configures an Orchestrator.
type Config struct {
	Products      ProductIDs
	NotifyTimeout time.Duration
	Clock         types.Clock
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

// Orchestrator runs purchases for one user.
type Orchestrator struct {
	userID   string
	catalog  CatalogSource
	platform Purchaser
	sync     Reconciler
	notifier Notifier

	products      ProductIDs
	notifyTimeout time.Duration
	clock         types.Clock
	metrics       metrics.Recorder
	logger        *slog.Logger

	inflight sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. notifier may be nil, in which case
// no backend notification is sent.
func NewOrchestrator(userID string, catalog CatalogSource, platform Purchaser, reconciler Reconciler, notifier Notifier, cfg Config) *Orchestrator {
	products := cfg.Products
	if products.Monthly == "" && products.Yearly == "" {
		products = DefaultProductIDs()
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		userID:        userID,
		catalog:       catalog,
		platform:      platform,
		sync:          reconciler,
		notifier:      notifier,
		products:      products,
		notifyTimeout: timeout,
		clock:         clock,
		metrics:       metrics.OrNoop(cfg.Metrics),
		logger:        logger.With("component", "purchase", "user_id", userID),
	}
}

// Purchase buys kind. Catalog and platform failures come back as a failed
// result, never as an error.
func (o *Orchestrator) Purchase(ctx context.Context, kind types.PurchaseKind) types.PurchaseResult {
	result := o.purchase(ctx, kind)
	o.metrics.RecordPurchase(ctx, result.Outcome)
	return result
}

func (o *Orchestrator) purchase(ctx context.Context, kind types.PurchaseKind) types.PurchaseResult {
	log := o.logger.With("kind", kind.String())

	entries, err := o.catalog.FetchCatalog(ctx)
	if err != nil {
		log.WarnContext(ctx, "purchase aborted: catalog unavailable", "error", err)
		return types.PurchaseFailed("catalog unavailable")
	}

	entry, ok := Resolve(entries, kind, o.products.For(kind))
	if !ok {
		log.WarnContext(ctx, "purchase aborted: no matching product", "expected_product_id", o.products.For(kind))
		return types.PurchaseFailed("product not available")
	}

	receipt, err := o.platform.Purchase(ctx, o.userID, entry)
	if errors.Is(err, types.ErrPurchaseCancelled) {
		log.InfoContext(ctx, "purchase cancelled by user", "product_id", entry.ProductIdentifier)
		return types.PurchaseCancelled()
	}
	if err != nil {
		log.WarnContext(ctx, "platform purchase failed", "product_id", entry.ProductIdentifier, "error", err)
		return types.PurchaseFailed(failureReason(err))
	}
	if receipt == nil {
		receipt = &types.PurchaseReceipt{}
	}
	if receipt.ProductID == "" {
		receipt.ProductID = entry.ProductIdentifier
	}

	log.InfoContext(ctx, "purchase succeeded",
		"product_id", receipt.ProductID,
		"transaction_id", receipt.TransactionID,
	)

	o.sync.Resync(ctx)
	o.notify(ctx, entry, *receipt)

	return types.PurchaseSucceeded(*receipt)
}

// notify sends the ledger notification without blocking the caller. The
// send outlives ctx and is bounded by the notify timeout.
func (o *Orchestrator) notify(ctx context.Context, entry types.CatalogEntry, receipt types.PurchaseReceipt) {
	if o.notifier == nil {
		return
	}

	n := types.PurchaseNotification{
		UserID:           o.userID,
		ProductID:        receipt.ProductID,
		TransactionID:    receipt.TransactionID,
		Kind:             entry.Kind,
		Credits:          entry.Credits,
		PlatformMetadata: receipt.Metadata,
		PurchasedAt:      o.clock.Now(),
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.notifyTimeout)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer cancel()

		err := o.notifier.NotifyPurchase(nctx, n)
		o.metrics.RecordBackendNotify(nctx, err == nil)
		if err != nil {
			o.logger.Error("backend purchase notification failed",
				"code", types.ErrCodeBackendNotifyFailed,
				"transaction_id", n.TransactionID,
				"product_id", n.ProductID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until all in-flight notifications finish.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Resolve picks the entry to buy: the exact expected product first, then any
// entry of the same kind. Credit packs only match the same credit amount.
func Resolve(entries []types.CatalogEntry, kind types.PurchaseKind, productID string) (types.CatalogEntry, bool) {
	if productID != "" {
		for _, e := range entries {
			if e.ProductIdentifier == productID && sameKind(e, kind) {
				return e, true
			}
		}
	}
	for _, e := range entries {
		if sameKind(e, kind) {
			return e, true
		}
	}
	return types.CatalogEntry{}, false
}

func sameKind(e types.CatalogEntry, kind types.PurchaseKind) bool {
	if e.Kind != kind.Kind {
		return false
	}
	if kind.Kind == types.KindCreditPack {
		return e.Credits == kind.Credits
	}
	return true
}

func failureReason(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
