package types

import (
	"fmt"
	"time"
)

// DailyFreeUses is the per-day free allotment for Free-tier users.
const DailyFreeUses = 1

// EntitlementSnapshot is the in-process view of what a user is entitled to.
// It is a value type; every update produces a new snapshot.
type EntitlementSnapshot struct {
	Tier               Tier       `json:"tier"`
	Credits            int        `json:"credits"`
	SubscriptionExpiry *time.Time `json:"subscription_expiry,omitempty"`
	FreeUsesRemaining  int        `json:"free_uses_remaining"`
	LastFreeUseDate    *time.Time `json:"last_free_use_date,omitempty"`
}

// NewFreeSnapshot returns the state of a user nothing is known about yet.
func NewFreeSnapshot() EntitlementSnapshot {
	return EntitlementSnapshot{
		Tier:              TierFree,
		FreeUsesRemaining: DailyFreeUses,
	}
}

// HasActiveSubscription is true iff the tier is not Free.
func (s EntitlementSnapshot) HasActiveSubscription() bool {
	return s.Tier != TierFree
}

// Validate checks the snapshot invariants. Writers must reject invalid
// snapshots instead of clamping them.
func (s EntitlementSnapshot) Validate() error {
	if !s.Tier.Valid() {
		return fmt.Errorf("unknown tier %q", s.Tier)
	}
	if s.Credits < 0 {
		return fmt.Errorf("credits must be non-negative, got %d", s.Credits)
	}
	if s.FreeUsesRemaining < 0 {
		return fmt.Errorf("free uses must be non-negative, got %d", s.FreeUsesRemaining)
	}
	if s.Tier == TierFree && s.SubscriptionExpiry != nil {
		return fmt.Errorf("subscription expiry set on free tier")
	}
	return nil
}

// QuotaState is the locally persisted part of a snapshot.
type QuotaState struct {
	FreeUsesRemaining int        `json:"free_uses_remaining"`
	LastFreeUseDate   *time.Time `json:"last_free_use_date,omitempty"`
}

// Quota extracts the locally persisted fields.
func (s EntitlementSnapshot) Quota() QuotaState {
	return QuotaState{
		FreeUsesRemaining: s.FreeUsesRemaining,
		LastFreeUseDate:   s.LastFreeUseDate,
	}
}

// WithQuota returns a copy of s carrying q's local fields.
func (s EntitlementSnapshot) WithQuota(q QuotaState) EntitlementSnapshot {
	s.FreeUsesRemaining = q.FreeUsesRemaining
	s.LastFreeUseDate = q.LastFreeUseDate
	return s
}

// Decision is the answer to "may this user start this feature now?".
// A denial is a legitimate outcome, not an error.
type Decision struct {
	Allowed         bool                `json:"allowed"`
	Feature         Feature             `json:"feature"`
	Source          GrantSource         `json:"source,omitempty"`
	Reason          DenyReason          `json:"reason,omitempty"`
	CreditsRequired int                 `json:"credits_required"`
	Snapshot        EntitlementSnapshot `json:"snapshot"`
}

// TierChange is emitted when a refresh moves the user to a different tier.
type TierChange struct {
	UserID string    `json:"user_id"`
	From   Tier      `json:"from"`
	To     Tier      `json:"to"`
	At     time.Time `json:"at"`
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// CatalogEntry is one purchasable item. Entries are never persisted and are
// re-fetched before every purchase attempt.
type CatalogEntry struct {
	Identifier        string      `json:"identifier"`
	ProductIdentifier string      `json:"product_identifier"`
	PriceString       string      `json:"price_string"`
	Kind              ProductKind `json:"kind"`
	Credits           int         `json:"credits,omitempty"` // credit packs only
}

// Sellable reports whether the entry can be handed to the platform purchase call.
func (e CatalogEntry) Sellable() bool {
	return e.ProductIdentifier != "" && e.Kind.Valid()
}

// Offering is a named catalog as returned by the purchase platform.
type Offering struct {
	Identifier string         `json:"identifier"`
	Entries    []CatalogEntry `json:"entries"`
}

// Offerings is the platform's full catalog response.
type Offerings struct {
	All     []Offering `json:"all"`
	Current string     `json:"current,omitempty"` // identifier of the platform's "current" offering
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

// PurchaseKind is what the caller wants to buy.
type PurchaseKind struct {
	Kind    ProductKind `json:"kind" validate:"required,oneof=subscription_monthly subscription_yearly credit_pack"`
	Credits int         `json:"credits,omitempty" validate:"gte=0"`
}

// String renders the kind for logs, e.g. "credit_pack(10)".
func (k PurchaseKind) String() string {
	if k.Kind == KindCreditPack {
		return fmt.Sprintf("%s(%d)", k.Kind, k.Credits)
	}
	return string(k.Kind)
}

// PurchaseReceipt is the platform's record of a successful transaction.
type PurchaseReceipt struct {
	TransactionID string         `json:"transaction_id"`
	ProductID     string         `json:"product_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PurchaseResult is the outcome of one purchase attempt.
type PurchaseResult struct {
	Outcome       PurchaseOutcome `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	ProductID     string          `json:"product_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// Succeeded reports whether the platform completed the purchase.
func (r PurchaseResult) Succeeded() bool { return r.Outcome == OutcomeSucceeded }

// PurchaseSucceeded builds a success result from a receipt.
func PurchaseSucceeded(receipt PurchaseReceipt) PurchaseResult {
	return PurchaseResult{
		Outcome:       OutcomeSucceeded,
		ProductID:     receipt.ProductID,
		TransactionID: receipt.TransactionID,
	}
}

// PurchaseCancelled builds the user-cancelled result.
func PurchaseCancelled() PurchaseResult {
	return PurchaseResult{Outcome: OutcomeUserCancelled}
}

// PurchaseFailed builds a failure result carrying reason verbatim.
func PurchaseFailed(reason string) PurchaseResult {
	return PurchaseResult{Outcome: OutcomeFailed, Reason: reason}
}

// PurchaseNotification is the bookkeeping message sent to the backend ledger
// after a successful platform purchase.
type PurchaseNotification struct {
	UserID           string         `json:"user_id"`
	ProductID        string         `json:"product_id"`
	TransactionID    string         `json:"transaction_id"`
	Kind             ProductKind    `json:"purchase_type"`
	Credits          int            `json:"credits,omitempty"`
	PlatformMetadata map[string]any `json:"platform_metadata,omitempty"`
	PurchasedAt      time.Time      `json:"purchased_at"`
}

// ---------------------------------------------------------------------------
// Customer status
// ---------------------------------------------------------------------------

// ActiveEntitlement is one entitlement the platform considers active.
type ActiveEntitlement struct {
	ID        string     `json:"id"`
	ProductID string     `json:"product_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CustomerStatus is the platform's authoritative subscription record.
type CustomerStatus struct {
	Entitlements []ActiveEntitlement `json:"entitlements"`
}

// SpendRequest asks the ledger to debit credits for a feature.
type SpendRequest struct {
	Feature       Feature `json:"feature"`
	Amount        int     `json:"amount"`
	TransactionID string  `json:"transaction_id"`
}
