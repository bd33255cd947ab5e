package entitlement

import (
	"context"

	"creditgate/internal/types"
)

// StatusFetcher reads the purchase platform's authoritative subscription record.
type StatusFetcher interface {
	FetchCustomerStatus(ctx context.Context, userID string) (*types.CustomerStatus, error)
}

// BalanceFetcher reads the backend ledger's authoritative credit balance.
type BalanceFetcher interface {
	FetchCreditBalance(ctx context.Context, userID string) (int, error)
}

// CreditSpender debits credits at the backend ledger. The ledger rejects
// overdrafts with types.ErrInsufficientCredits and returns the new balance
// on success.
type CreditSpender interface {
	SpendCredits(ctx context.Context, userID string, req types.SpendRequest) (int, error)
}

// Refresher is the slice of the Synchronizer the Evaluator depends on.
type Refresher interface {
	Refresh(ctx context.Context) types.EntitlementSnapshot
}
