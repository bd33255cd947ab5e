package types

import "strings"

// Tier is the user's subscription class. Tiers are mutually exclusive and are
// derived only from the purchase platform's active-entitlement set.
type Tier string

const (
	TierFree           Tier = "free"
	TierPremiumMonthly Tier = "premium_monthly"
	TierPremiumYearly  Tier = "premium_yearly"
)

// IsPremium reports whether the tier bypasses the free quota.
func (t Tier) IsPremium() bool {
	return t == TierPremiumMonthly || t == TierPremiumYearly
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremiumMonthly, TierPremiumYearly:
		return true
	}
	return false
}

// Feature identifies a paid operation a caller wants to start.
type Feature string

const (
	FeatureRestore   Feature = "restore"
	FeatureTogether  Feature = "together"
	FeatureCinematic Feature = "cinematic"
)

// featureCreditCosts is the number of credits a free-tier user spends on a
// feature once the daily free quota is gone.
var featureCreditCosts = map[Feature]int{
	FeatureRestore:   1,
	FeatureTogether:  2,
	FeatureCinematic: 3,
}

// defaultCreditCost applies to features missing from the cost table.
const defaultCreditCost = 1

// CreditCost returns the credit price of f.
func (f Feature) CreditCost() int {
	if cost, ok := featureCreditCosts[f]; ok {
		return cost
	}
	return defaultCreditCost
}

// CreditCosts returns a copy of the feature cost table.
func CreditCosts() map[Feature]int {
	out := make(map[Feature]int, len(featureCreditCosts))
	for k, v := range featureCreditCosts {
		out[k] = v
	}
	return out
}

// ProductKind classifies a purchasable catalog item.
type ProductKind string

const (
	KindSubscriptionMonthly ProductKind = "subscription_monthly"
	KindSubscriptionYearly  ProductKind = "subscription_yearly"
	KindCreditPack          ProductKind = "credit_pack"
)

// Valid reports whether k is a known product kind.
func (k ProductKind) Valid() bool {
	switch k {
	case KindSubscriptionMonthly, KindSubscriptionYearly, KindCreditPack:
		return true
	}
	return false
}

// Tier returns the tier a subscription kind grants, or TierFree for packs.
func (k ProductKind) Tier() Tier {
	switch k {
	case KindSubscriptionMonthly:
		return TierPremiumMonthly
	case KindSubscriptionYearly:
		return TierPremiumYearly
	}
	return TierFree
}

// PurchaseOutcome is the terminal state of one purchase attempt.
type PurchaseOutcome string

const (
	OutcomeSucceeded     PurchaseOutcome = "succeeded"
	OutcomeUserCancelled PurchaseOutcome = "user_cancelled"
	OutcomeFailed        PurchaseOutcome = "failed"
)

// GrantSource records which allowance permitted an access decision.
type GrantSource string

const (
	GrantSubscription GrantSource = "subscription"
	GrantFreeQuota    GrantSource = "free_quota"
	GrantCredits      GrantSource = "credits"
)

// DenyReason is the reason code attached to a denied access decision.
type DenyReason string

const (
	DenyQuotaExhausted      DenyReason = "quota_exhausted"
	DenyInsufficientCredits DenyReason = "insufficient_credits"
)

// ParseFeature normalizes a raw feature string. Unknown values are returned
// as-is; they are charged the default credit cost.
func ParseFeature(raw string) Feature {
	return Feature(strings.ToLower(strings.TrimSpace(raw)))
}
