package external

import (
	"context"

	"creditgate/internal/types"
)

// Platform is the purchase platform: catalog, subscription status, purchases
// and restores.
type Platform interface {
	FetchOfferings(ctx context.Context) (*types.Offerings, error)
	FetchCustomerStatus(ctx context.Context, userID string) (*types.CustomerStatus, error)
	Purchase(ctx context.Context, userID string, entry types.CatalogEntry) (*types.PurchaseReceipt, error)
	RestorePurchases(ctx context.Context, userID string) (*types.CustomerStatus, error)
}

// Ledger is the backend that owns credit balances and books purchases.
type Ledger interface {
	FetchCreditBalance(ctx context.Context, userID string) (int, error)
	SpendCredits(ctx context.Context, userID string, req types.SpendRequest) (int, error)
	NotifyPurchase(ctx context.Context, n types.PurchaseNotification) error
	FetchCreditCosts(ctx context.Context) (map[types.Feature]int, error)
}

// WebhookVerifier checks the signature on a platform push.
type WebhookVerifier interface {
	// Verify returns nil when header carries a valid, fresh signature of
	// payload.
	Verify(payload []byte, header string) error
}

// Platform push event types.
const (
	EventCustomerInfoUpdated = "customer_info_updated"
	EventRenewal             = "renewal"
	EventExpiration          = "expiration"
	EventCancellation        = "cancellation"
	EventInitialPurchase     = "initial_purchase"
	EventNonRenewingPurchase = "non_renewing_purchase"
)

// SignatureHeader carries the push signature.
const SignatureHeader = "X-Platform-Signature"

var (
	_ Platform        = (*PlatformClient)(nil)
	_ Ledger          = (*LedgerClient)(nil)
	_ WebhookVerifier = (*SignatureVerifier)(nil)
)
